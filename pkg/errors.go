package pkg

import "errors"

var (
	// ErrNotMember is returned when an operation needs ring membership the node does not have
	ErrNotMember = errors.New("node is not a ring member")

	// ErrShutdown is returned once the node has been shut down
	ErrShutdown = errors.New("node is shut down")
)
