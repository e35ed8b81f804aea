package intesa

import (
	"sync"

	"github.com/raskyld/intesa/pkg/wire"
)

// Channel is the ordered, reliable, full-duplex session link the engine
// polls once per tick. Both methods are non-blocking: waiting for the
// authority is modeled as send-cache state, never as a blocked call.
//
// transport.go provides the QUIC implementation; NewPipe builds connected
// in-memory pairs for tests and same-process topologies.
type Channel interface {
	// TrySend queues one frame. ErrChannelFull reports backpressure,
	// ErrChannelClosed a dead link.
	TrySend(f wire.Frame) error
	// Receive drains every frame that arrived since the last call. Once
	// the link is dead and fully drained it returns ErrChannelClosed.
	Receive() ([]wire.Frame, error)
	Close() error
}

type pipeEnd struct {
	send    chan wire.Frame
	recv    chan wire.Frame
	closeCh chan struct{}
	once    *sync.Once

	lk     sync.Mutex
	closed bool
}

// NewPipe returns two connected in-memory Channels buffering up to depth
// frames per direction. Closing either end kills both directions, like a
// socket would; frames already queued still drain.
func NewPipe(depth int) (Channel, Channel) {
	if depth <= 0 {
		depth = 64
	}
	ab := make(chan wire.Frame, depth)
	ba := make(chan wire.Frame, depth)
	closeCh := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{send: ab, recv: ba, closeCh: closeCh, once: once}
	b := &pipeEnd{send: ba, recv: ab, closeCh: closeCh, once: once}
	return a, b
}

func (p *pipeEnd) TrySend(f wire.Frame) error {
	select {
	case <-p.closeCh:
		return p.closeErr()
	default:
	}
	select {
	case p.send <- f:
		return nil
	default:
		return ErrChannelFull
	}
}

func (p *pipeEnd) Receive() ([]wire.Frame, error) {
	var frames []wire.Frame
	for {
		select {
		case f := <-p.recv:
			frames = append(frames, f)
		default:
			if len(frames) == 0 {
				select {
				case <-p.closeCh:
					return nil, p.closeErr()
				default:
				}
			}
			return frames, nil
		}
	}
}

func (p *pipeEnd) Close() error {
	p.lk.Lock()
	p.closed = true
	p.lk.Unlock()
	p.once.Do(func() { close(p.closeCh) })
	return nil
}

func (p *pipeEnd) closeErr() error {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.closed {
		return &ClosedError{cause: ClosedByUser}
	}
	return &ClosedError{cause: ClosedByRemote}
}
