// Package call keeps a room's full mesh of peer connections: it decides who
// dials whom, owns the one connection per remote identity, and exposes the
// session state to the UI.
package call

import (
	"errors"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("call")

var (
	// ErrPeerUnreachable means a remote identity could not be resolved or
	// its connection failed. Only that peer is dropped; reconciliation
	// retries it on the next poll tick.
	ErrPeerUnreachable = errors.New("call: peer unreachable")

	// ErrDuplicateConnection is returned when a live connection to the
	// remote identity already exists.
	ErrDuplicateConnection = errors.New("call: connection already exists")

	// ErrNotInRoom is returned by operations that need a joined room.
	ErrNotInRoom = errors.New("call: not in a room")

	ErrClosed = errors.New("call: manager closed")
)
