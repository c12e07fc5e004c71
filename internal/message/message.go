package message

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/zde37/kvring/internal/ring"
	"github.com/zde37/kvring/internal/store"
)

// Command is the one-byte operation code carried by every message.
type Command byte

const (
	CmdPut          Command = 0x01
	CmdGet          Command = 0x02
	CmdRemove       Command = 0x03
	CmdReplicatePut Command = 0x04
	CmdEcho         Command = 0x05

	CmdCreate       Command = 0x10
	CmdStartJoin    Command = 0x11
	CmdJoinRequest  Command = 0x12
	CmdJoinResponse Command = 0x13
	CmdJoinConfirm  Command = 0x14
	CmdMemberAdd    Command = 0x15
	CmdMemberRemove Command = 0x16
)

var commandNames = map[Command]string{
	CmdPut:          "PUT",
	CmdGet:          "GET",
	CmdRemove:       "REMOVE",
	CmdReplicatePut: "REPLICATE_PUT",
	CmdEcho:         "ECHO",
	CmdCreate:       "CREATE",
	CmdStartJoin:    "START_JOIN",
	CmdJoinRequest:  "JOIN_REQUEST",
	CmdJoinResponse: "JOIN_RESPONSE",
	CmdJoinConfirm:  "JOIN_CONFIRM",
	CmdMemberAdd:    "MEMBER_ADD",
	CmdMemberRemove: "MEMBER_REMOVE",
}

// String returns the command name.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD(0x%02x)", byte(c))
}

// Keyed reports whether the command is a client request routed by key.
func (c Command) Keyed() bool {
	return c == CmdPut || c == CmdGet || c == CmdRemove
}

// Message is a decoded request. It only lives while it is being handled.
type Message struct {
	ID      string     `cbor:"1,keyasint"`
	Command Command    `cbor:"2,keyasint"`
	Echoed  Command    `cbor:"3,keyasint,omitempty"` // command wrapped by an ECHO
	Hops    int        `cbor:"4,keyasint,omitempty"`
	Key     store.Key  `cbor:"5,keyasint"`
	Value   []byte     `cbor:"6,keyasint,omitempty"`
	Sender  *ring.Node `cbor:"7,keyasint,omitempty"`

	// membership and join payload
	Node        *ring.Node     `cbor:"8,keyasint,omitempty"`
	Ring        []*ring.Node   `cbor:"9,keyasint,omitempty"`
	RecordCount int            `cbor:"10,keyasint,omitempty"`
	Records     []store.Record `cbor:"11,keyasint,omitempty"`
}

// New creates a message with a fresh request ID.
func New(cmd Command, key store.Key, value []byte) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Command: cmd,
		Key:     key,
		Value:   value,
	}
}

// Effective returns the command to execute, looking through an ECHO.
func (m *Message) Effective() Command {
	if m.Command == CmdEcho {
		return m.Echoed
	}
	return m.Command
}

// Echo wraps the request for forwarding to its owner. The key, value, sender
// and request ID are carried over untouched.
func (m *Message) Echo() *Message {
	out := *m
	out.Echoed = m.Effective()
	out.Command = CmdEcho
	out.Hops = m.Hops + 1
	return &out
}

// ReplicaOf builds the replicate-write that mirrors a primary PUT.
func ReplicaOf(m *Message, sender *ring.Node) *Message {
	out := Replicate(store.Record{Key: m.Key, Value: m.Value}, sender)
	out.ID = m.ID
	return out
}

// Replicate builds a replicate-write carrying record.
func Replicate(record store.Record, sender *ring.Node) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Command: CmdReplicatePut,
		Key:     record.Key,
		Value:   record.Value,
		Sender:  sender.Copy(),
	}
}

// Control builds a membership/join message about node.
func Control(cmd Command, sender, node *ring.Node) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Command: cmd,
		Sender:  sender.Copy(),
		Node:    node.Copy(),
	}
}

// Response is the reply to a keyed request.
type Response struct {
	ID    string           `cbor:"1,keyasint"`
	Code  store.ResultCode `cbor:"2,keyasint"`
	Value []byte           `cbor:"3,keyasint,omitempty"`
}

// Reply builds the response to m.
func Reply(m *Message, code store.ResultCode, value []byte) *Response {
	return &Response{ID: m.ID, Code: code, Value: value}
}
