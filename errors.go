package intesa

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg = errors.New("game: invalid options")
	ErrGameOver   = errors.New("game: the world has ended")

	ErrBadPartition   = errors.New("partition: invalid partitioning")
	ErrSpacingTooLow  = errors.New("partition: spacing must be at least 1")
	ErrOffsetTooHigh  = errors.New("partition: offset must be lower than spacing")
	ErrNoParticipants = errors.New("partition: at least one participant is required")

	ErrWorldLocked   = errors.New("world: mutation attempted while the world is locked")
	ErrInvalidID     = errors.New("world: entity has no usable identifier")
	ErrIDAssigned    = errors.New("world: entity already has an identifier")
	ErrEntityActive  = errors.New("world: entity is already active")
	ErrNotActive     = errors.New("world: entity is not active")
	ErrNotPending    = errors.New("world: entity is not pending")
	ErrEntityRemoved = errors.New("world: entity was removed from the world")

	ErrOperationSent     = errors.New("op: operation was already sent")
	ErrOutcomeAssigned   = errors.New("op: outcome was already assigned")
	ErrUnhandledRollback = errors.New("op: operation was rejected but has no rollback")

	ErrSubscriptionsDisabled = errors.New("observer: subscriptions are disabled while out of the world")

	ErrNotSynchronized = errors.New("client: no identity partition granted yet")
	ErrDisconnected    = errors.New("client: channel to the authority is closed")
	ErrNotAttached     = errors.New("game: participant is not attached to a game")
	ErrStaleReporter   = errors.New("referee: reporter used outside its tick")

	ErrBufferSize        = errors.New("transport: could not allocate udp buffer")
	ErrInvalidAddr       = errors.New("transport: the IP you provided is invalid")
	ErrUdpNotAvailable   = errors.New("transport: UDP listener not available")
	ErrShutdown          = errors.New("transport: shutting down")
	ErrStreamWrite       = errors.New("transport: error writing to a stream")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")
	ErrTooLargeFrame     = errors.New("transport: frame was too large could not send")
	ErrChannelClosed     = errors.New("transport: channel is closed")
	ErrChannelFull       = errors.New("transport: send queue is full")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x2,
		Prefix: "shutdown",
	}
	QErrProtocol = QuicApplicationError{
		Code:   0x3,
		Prefix: "protocol violation",
	}
)

const (
	ClosedByUnknown ClosedBy = iota
	ClosedByUser
	ClosedByRemote
	ClosedByShutdown
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

type ClosedBy uint8

func (cause ClosedBy) String() string {
	switch cause {
	case ClosedByUser:
		return "explicit user close"
	case ClosedByRemote:
		return "remote"
	case ClosedByShutdown:
		return "local shutdown"
	default:
		return "unknown"
	}
}

// ClosedError reports why a Channel will deliver no more frames.
// It matches ErrChannelClosed and the underlying cause with errors.Is.
type ClosedError struct {
	cause ClosedBy
	err   error
}

func (endErr *ClosedError) Error() string {
	if endErr.err != nil {
		return fmt.Sprintf("chan closed by %s: %s", endErr.cause, endErr.err)
	}
	return fmt.Sprintf("chan closed by %s", endErr.cause)
}

func (endErr *ClosedError) Unwrap() []error {
	if endErr.err != nil {
		return []error{ErrChannelClosed, endErr.err}
	}
	return []error{ErrChannelClosed}
}
