package intesa

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"crypto/tls"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/raskyld/intesa/pkg/wire"
)

const defaultUDPBufferSize int = 1 << 21

// ProtoALPN is the TLS application protocol both ends of a session must
// offer.
const ProtoALPN = "intesa-1"

// TransportConfig configures the session transport: one QUIC connection per
// participant, one bidirectional stream per connection, length-prefixed
// frames on it.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig should be configured to ensure the peers authenticate each
	// other; it must offer ProtoALPN.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the transport listens.
	BindAddr string
	BindPort int

	// MaxFrameBytes caps a single frame on the wire. A peer announcing a
	// bigger one is cut off. Defaults to 1MiB.
	MaxFrameBytes uint64

	// QueueDepth is the per-channel frame buffer, both directions. A full
	// send queue surfaces as ErrChannelFull. Defaults to 256.
	QueueDepth int

	// DialTimeout controls how much time we wait for session establishment.
	DialTimeout time.Duration

	// MetricLabels to add to every metric emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport owns the UDP socket and the QUIC machinery of one endpoint. The
// authority Accepts channels out of it, clients Dial the authority through
// it. Channels pump frames with internal goroutines, so Game can keep its
// single-threaded tick loop and never block on the network.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam connection errors in logs
	gracefulTerm atomic.Bool

	connCh  chan Channel
	closeCh chan struct{}

	chansLock sync.Mutex
	chans     []*remoteChannel

	tr    *quic.Transport
	ln    *quic.Listener
	udpLn *net.UDPConn
}

func NewTransport(cfg *TransportConfig) (_ *Transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t := &Transport{
		cfg:     cfg,
		connCh:  make(chan Channel),
		closeCh: make(chan struct{}),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	defer func() {
		if err != nil {
			_ = t.Shutdown()
		}
	}()

	// Port 0 asks the kernel for an ephemeral port, which is what clients
	// want; authorities bind the well-known port their lobby advertises.
	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpAddr := &net.UDPAddr{IP: addr, Port: cfg.BindPort}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := t.tr.Listen(t.cfg.TlsConfig, t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	go t.acceptCx()
	return t, nil
}

func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		Versions: []quic.Version{quic.Version2, quic.Version1},
		// One session stream per participant; a peer asking for more is
		// not speaking this protocol.
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: 0,
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	}
}

// AdvertiseAddr returns the address peers should dial to reach this
// transport, typically to put in a lobby advertisement.
func (t *Transport) AdvertiseAddr() (net.IP, int, error) {
	if t.udpLn == nil {
		return nil, 0, ErrUdpNotAvailable
	}
	addr, ok := t.udpLn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, 0, ErrUdpNotAvailable
	}
	ip := addr.IP
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	return ip, addr.Port, nil
}

// Accept blocks until a participant finished the session handshake: its
// connection is up and its side of the session stream reached us.
func (t *Transport) Accept(ctx context.Context) (Channel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closeCh:
		return nil, ErrShutdown
	case ch := <-t.connCh:
		return ch, nil
	}
}

// Dial establishes a session with the authority at target (host:port) and
// returns the channel to build a client game on.
func (t *Transport) Dial(ctx context.Context, target string) (Channel, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	conn, err := t.tr.Dial(ctx, addr, t.cfg.TlsConfig, t.quicConfig())
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricIntesaConnErrorCount, 1,
			append(t.cfg.MetricLabels, LabelPeerAddr.M(target)))
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		QErrInternal.Close(conn, "cannot open the session stream")
		return nil, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	t.msink.IncrCounterWithLabels(MetricIntesaConnEstCount, 1,
		append(t.cfg.MetricLabels, LabelPeerAddr.M(target)))
	return t.newChannel(conn, stream), nil
}

// Shutdown tears every session down and releases the socket. Idempotent.
func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}
	close(t.closeCh)

	t.chansLock.Lock()
	chans := t.chans
	t.chans = nil
	t.chansLock.Unlock()
	for _, ch := range chans {
		ch.teardown(ClosedByShutdown, ErrShutdown)
	}

	if t.ln != nil {
		_ = t.ln.Close()
	}
	if t.tr != nil {
		_ = t.tr.Close()
	}
	if t.udpLn != nil {
		_ = t.udpLn.Close()
	}
	return nil
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricIntesaUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) acceptCx() {
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err.Error()))
			}
			return
		}
		go t.handleConn(conn)
	}
}

// handleConn waits for the participant's side of the session stream. QUIC
// materializes a stream on the acceptor only once data flows, and every
// client speaks first (its greeting), so this resolves as soon as the peer
// is a real client. Anything else times out with the connection.
func (t *Transport) handleConn(conn quic.Connection) {
	peer := conn.RemoteAddr().String()
	logger := t.logger.With(LabelPeerAddr.L(peer))
	mLabels := append(t.cfg.MetricLabels, LabelPeerAddr.M(peer))

	stream, err := conn.AcceptStream(context.Background())
	if err != nil {
		if !t.gracefulTerm.Load() {
			logger.Warn("session stream never established", LabelError.L(err.Error()))
			t.msink.IncrCounterWithLabels(MetricIntesaConnErrorCount, 1, mLabels)
		}
		return
	}

	logger.Info("participant connected")
	t.msink.IncrCounterWithLabels(MetricIntesaConnEstCount, 1, mLabels)

	ch := t.newChannel(conn, stream)
	select {
	case t.connCh <- ch:
	case <-t.closeCh:
		ch.teardown(ClosedByShutdown, ErrShutdown)
	}
}

// remoteChannel is a Channel over one QUIC stream. A reader and a writer
// goroutine own the stream; TrySend and Receive only touch the queues, so
// the game loop never blocks on the network.
type remoteChannel struct {
	conn   quic.Connection
	stream quic.Stream

	sendCh chan wire.Frame
	recvCh chan wire.Frame

	closeCh chan struct{}
	once    sync.Once

	lk     sync.Mutex
	closed bool
	by     ClosedBy
	cause  error

	maxFrame uint64
	logger   *slog.Logger
	msink    metrics.MetricSink
	labels   []metrics.Label
}

func (t *Transport) newChannel(conn quic.Connection, stream quic.Stream) *remoteChannel {
	peer := conn.RemoteAddr().String()
	ch := &remoteChannel{
		conn:     conn,
		stream:   stream,
		sendCh:   make(chan wire.Frame, t.cfg.QueueDepth),
		recvCh:   make(chan wire.Frame, t.cfg.QueueDepth),
		closeCh:  make(chan struct{}),
		maxFrame: t.cfg.MaxFrameBytes,
		logger:   t.logger.With(LabelPeerAddr.L(peer)),
		msink:    t.msink,
		labels:   append(append([]metrics.Label{}, t.cfg.MetricLabels...), LabelPeerAddr.M(peer)),
	}

	t.chansLock.Lock()
	t.chans = append(t.chans, ch)
	t.chansLock.Unlock()

	go ch.writer()
	go ch.reader()
	return ch
}

func (c *remoteChannel) TrySend(f wire.Frame) error {
	c.lk.Lock()
	if c.closed {
		err := c.closeErr()
		c.lk.Unlock()
		return err
	}
	c.lk.Unlock()

	select {
	case c.sendCh <- f:
		return nil
	default:
		return ErrChannelFull
	}
}

func (c *remoteChannel) Receive() ([]wire.Frame, error) {
	var out []wire.Frame
	for {
		select {
		case f, ok := <-c.recvCh:
			if !ok {
				if len(out) > 0 {
					// Deliver what arrived before the closure; the error
					// surfaces on the next call.
					return out, nil
				}
				c.lk.Lock()
				err := c.closeErr()
				c.lk.Unlock()
				return nil, err
			}
			out = append(out, f)
		default:
			return out, nil
		}
	}
}

func (c *remoteChannel) Close() error {
	c.teardown(ClosedByUser, nil)
	return nil
}

// teardown settles the closure exactly once: record who closed and why, stop
// the writer, close the connection so the reader unblocks.
func (c *remoteChannel) teardown(by ClosedBy, cause error) {
	c.once.Do(func() {
		c.lk.Lock()
		c.closed = true
		c.by = by
		c.cause = cause
		c.lk.Unlock()

		close(c.closeCh)
		switch by {
		case ClosedByUser:
			QErrShutdown.Close(c.conn, "session closed")
		case ClosedByShutdown:
			QErrShutdown.Close(c.conn, "endpoint shutting down")
		default:
			QErrInternal.Close(c.conn, "session broken")
		}
	})
}

// closeErr must be called with lk held.
func (c *remoteChannel) closeErr() error {
	return &ClosedError{cause: c.by, err: c.cause}
}

func (c *remoteChannel) writer() {
	for {
		select {
		case <-c.closeCh:
			return
		case f := <-c.sendCh:
			raw, err := wire.Encode(f)
			if err != nil {
				c.logger.Error("cannot encode frame",
					slog.String("frame", fmt.Sprintf("%T", f)), LabelError.L(err.Error()))
				c.msink.IncrCounterWithLabels(MetricIntesaFrameOutErrorCount, 1, c.labels)
				continue
			}
			buf := protowire.AppendVarint(nil, uint64(len(raw)))
			buf = append(buf, raw...)
			if _, err := c.stream.Write(buf); err != nil {
				if !c.isClosed() {
					c.logger.Warn("session stream broken on write", LabelError.L(err.Error()))
					c.msink.IncrCounterWithLabels(MetricIntesaFrameOutErrorCount, 1, c.labels)
					c.teardown(ClosedByRemote, fmt.Errorf("%w: %w", ErrStreamWrite, err))
				}
				return
			}
			c.msink.IncrCounterWithLabels(MetricIntesaFrameOutBytes, float32(len(buf)), c.labels)
		}
	}
}

func (c *remoteChannel) reader() {
	defer close(c.recvCh)
	for {
		size, err := readFrameSize(c.stream)
		if err != nil {
			c.readBroken("frame size", err)
			return
		}
		if size > c.maxFrame {
			c.msink.IncrCounterWithLabels(MetricIntesaFrameInErrorCount, 1, c.labels)
			c.logger.Warn("peer announced an oversized frame", slog.Uint64("bytes", size))
			c.teardown(ClosedByRemote, fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, size))
			return
		}

		raw := make([]byte, size)
		if _, err := io.ReadFull(c.stream, raw); err != nil {
			c.readBroken("frame body", err)
			return
		}

		f, err := wire.Decode(raw)
		if err != nil {
			c.msink.IncrCounterWithLabels(MetricIntesaFrameInErrorCount, 1, c.labels)
			c.logger.Warn("malformed frame", LabelError.L(err.Error()))
			c.stream.CancelRead(QErrStreamProtocolViolation)
			c.stream.CancelWrite(QErrStreamProtocolViolation)
			c.teardown(ClosedByRemote, fmt.Errorf("%w: %w", ErrProtocolViolation, err))
			return
		}

		c.msink.IncrCounterWithLabels(MetricIntesaFrameInBytes, float32(size), c.labels)
		select {
		case c.recvCh <- f:
		case <-c.closeCh:
			return
		}
	}
}

func (c *remoteChannel) readBroken(what string, err error) {
	if c.isClosed() {
		return
	}
	c.logger.Info("session stream closed", slog.String("while", what), LabelError.L(err.Error()))
	c.teardown(ClosedByRemote, err)
}

func (c *remoteChannel) isClosed() bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.closed
}

// readFrameSize reads the varint length prefix one byte at a time so it
// never consumes into the frame body.
func readFrameSize(r io.Reader) (uint64, error) {
	var raw []byte
	one := make([]byte, 1)
	for {
		if len(raw) >= 10 {
			return 0, fmt.Errorf("%w: unterminated frame size", ErrProtocolViolation)
		}
		if _, err := io.ReadFull(r, one); err != nil {
			return 0, err
		}
		raw = append(raw, one[0])
		if one[0] < 0x80 {
			break
		}
	}
	size, n := protowire.ConsumeVarint(raw)
	if n < 0 {
		return 0, fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
	}
	return size, nil
}
