package dht

import "errors"

var (
	// ErrDropped marks a request that was abandoned without a response
	ErrDropped = errors.New("request dropped")

	// ErrMalformed is returned for messages missing required fields
	ErrMalformed = errors.New("malformed message")

	// ErrJoinTimeout is returned when no join response arrives in time
	ErrJoinTimeout = errors.New("timed out waiting for join response")

	// ErrAlreadyMember is returned by create and join on a ring member
	ErrAlreadyMember = errors.New("node is already a ring member")

	// ErrJoinInProgress is returned when a join loop is already running
	ErrJoinInProgress = errors.New("join already in progress")

	// ErrNoCandidates is returned when the member list names no other node
	ErrNoCandidates = errors.New("no join candidates")

	// ErrJoinAttempts is returned when MaxJoinAttempts is exhausted
	ErrJoinAttempts = errors.New("join attempts exhausted")

	// ErrNoPendingJoin is returned when a confirm does not match a sponsored join
	ErrNoPendingJoin = errors.New("no pending join for node")

	// ErrInvalidJoinResponse is returned for join responses that fail validation
	ErrInvalidJoinResponse = errors.New("invalid join response")
)
