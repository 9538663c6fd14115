package gossip

import "github.com/pkg/errors"

var (
	// ErrCorruptMessage is returned when a buffer cannot be decoded into a
	// protocol message. The message is dropped and no state changes.
	ErrCorruptMessage = errors.New("corrupt message")

	// ErrOutOfRange marks a membership entry rejected by the sanity filter.
	ErrOutOfRange = errors.New("membership entry out of range")

	// ErrUnadmittedPeerAction is returned when a message that needs an
	// admitted node arrives before this node has joined.
	ErrUnadmittedPeerAction = errors.New("node not admitted to the group")

	// ErrNotIntroducer is returned when a join request reaches a node that
	// is not the introducer.
	ErrNotIntroducer = errors.New("join request received by non-introducer")

	// ErrBootstrapFailure means the node could not complete the join
	// handshake. It is fatal to the node's participation.
	ErrBootstrapFailure = errors.New("bootstrap failure")

	ErrInvalidConfig   = errors.New("invalid gossip config")
	ErrUnknownPeer     = errors.New("unknown peer")
	ErrClosed          = errors.New("transport closed")
	ErrStarted         = errors.New("gossiper already started")
	ErrSendQueueFull   = errors.New("send queue full")
	ErrMessageTooLarge = errors.New("message too large for transport")
)
