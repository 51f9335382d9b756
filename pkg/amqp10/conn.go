package amqp10

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

type connState int

const (
	connStart connState = iota
	connHeaderExchanged
	connSaslNegotiation
	connSaslComplete
	connOpenSent
	connOpenReceived
	connOpened
	connCloseSent
	connCloseReceived
	connClosed
	connFailed
)

// Config carries the negotiable connection parameters plus the pieces of
// ambient configuration the engine needs. The zero value is usable.
type Config struct {
	// ContainerID identifies this container in the Open frame. A uuid is
	// generated when empty.
	ContainerID string
	// Hostname is sent in the Open frame (client role).
	Hostname string
	// MaxFrameSize we are willing to receive. Defaults to 64 KiB, floor 512.
	MaxFrameSize uint32
	// ChannelMax bounds concurrent sessions (channel-max+1). Default 255.
	ChannelMax uint16
	// HandleMax bounds links per session. Default 255.
	HandleMax uint32
	// IdleTimeout is the receive timeout we announce: the peer must keep
	// frames coming or we close with amqp:resource-limit-exceeded. Zero
	// disables the local deadline.
	IdleTimeout time.Duration
	// WindowSize is the per-session incoming window in transfer frames.
	// Default 5000.
	WindowSize uint32
	// SASL selects the client-side SASL mechanism; nil skips the SASL layer.
	SASL Mechanism
	// Auth enables the server-side SASL layer and validates credentials.
	Auth AuthFunc
	// HandshakeTimeout bounds the header/SASL/Open exchange. Default 30s.
	HandshakeTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ContainerID == "" {
		out.ContainerID = uuid.NewString()
	}
	if out.MaxFrameSize == 0 {
		out.MaxFrameSize = DefaultMaxFrameSize
	}
	if out.MaxFrameSize < MinMaxFrameSize {
		out.MaxFrameSize = MinMaxFrameSize
	}
	if out.ChannelMax == 0 {
		out.ChannelMax = 255
	}
	if out.WindowSize == 0 {
		out.WindowSize = 5000
	}
	if out.HandshakeTimeout == 0 {
		out.HandshakeTimeout = 30 * time.Second
	}
	return out
}

func (c *Config) handleMax() uint32 {
	if c.HandleMax == 0 {
		return 255
	}
	return c.HandleMax
}

// ServerHandlers lets the embedding application react to peer-initiated
// sessions and links. Handlers run on their own goroutines; they may call
// back into the engine freely.
type ServerHandlers struct {
	// OnSession is called when the peer begins a session.
	OnSession func(s *Session) error
	// OnReceiver is called when the peer attaches as sender: we received
	// a new incoming link. Grant credit with SetCredit to start the flow.
	OnReceiver func(s *Session, l *ReceiverLink) error
	// OnSender is called when the peer attaches as receiver: it expects
	// deliveries from us.
	OnSender func(s *Session, l *SenderLink) error
	// OnConnClose is called once when the connection terminates.
	OnConnClose func(c *Conn)
}

// Conn is one AMQP 1.0 connection: the single ordered byte stream all
// sessions and links multiplex over. One read-loop goroutine drives every
// inbound state transition; writes serialize through writeMu.
type Conn struct {
	net      net.Conn
	cfg      Config
	server   bool
	handlers *ServerHandlers

	writeMu sync.Mutex

	mu               sync.Mutex
	state            connState
	sessionsByLocal  map[uint16]*Session
	sessionsByRemote map[uint16]*Session
	channels         *idPool

	peerOpen     Open
	maxFrameSize uint32 // outgoing bound: min(our cap, peer's announced)
	channelMax   uint16

	hb *heartbeat

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// Dial connects to addr and performs the client handshake.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(ctx, nc, cfg)
}

// DialTLS connects with TLS and performs the client handshake.
func DialTLS(ctx context.Context, addr string, tlsCfg *tls.Config, cfg Config) (*Conn, error) {
	d := tls.Dialer{Config: tlsCfg}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(ctx, nc, cfg)
}

// NewConn runs the client-role handshake over an established transport
// and starts the connection engine.
func NewConn(ctx context.Context, nc net.Conn, cfg Config) (*Conn, error) {
	return handshake(ctx, nc, cfg, false, nil)
}

// NewServerConn runs the server-role handshake over an accepted transport
// and starts the connection engine.
func NewServerConn(ctx context.Context, nc net.Conn, cfg Config, h *ServerHandlers) (*Conn, error) {
	return handshake(ctx, nc, cfg, true, h)
}

// Serve accepts connections from ln and runs a connection engine per
// accepted transport, dispatching peer-initiated sessions and links to h.
// It returns the first Accept error.
func Serve(ln net.Listener, cfg Config, h *ServerHandlers) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			c, err := NewServerConn(context.Background(), nc, cfg, h)
			if err != nil {
				logger.Debug().Err(err).Msg("handshake failed")
				nc.Close()
				return
			}
			<-c.Done()
		}()
	}
}

func handshake(ctx context.Context, nc net.Conn, cfg Config, server bool, h *ServerHandlers) (*Conn, error) {
	cfg = cfg.withDefaults()
	c := &Conn{
		net:              nc,
		cfg:              cfg,
		server:           server,
		handlers:         h,
		state:            connStart,
		sessionsByLocal:  make(map[uint16]*Session),
		sessionsByRemote: make(map[uint16]*Session),
		channels:         newIDPool(uint32(cfg.ChannelMax)),
		maxFrameSize:     cfg.MaxFrameSize,
		channelMax:       cfg.ChannelMax,
		done:             make(chan struct{}),
	}

	deadline := time.Now().Add(cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = nc.SetDeadline(deadline)

	var err error
	if server {
		err = c.serverHandshake()
	} else {
		err = c.clientHandshake()
	}
	if err != nil {
		nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})

	c.hb = newHeartbeat(c.cfg.IdleTimeout, c.peerOpen.IdleTimeout, time.Now())
	go c.mux()
	if c.hb.interval() > 0 {
		go c.keepalive()
	}
	logger.Debug().Str("container", c.peerOpen.ContainerID).Uint32("max_frame", c.maxFrameSize).Bool("server", server).Msg("connection opened")
	return c, nil
}

// exchangeHeader writes our 8-byte protocol header and validates the
// peer's. Both sides send eagerly; AMQP permits pipelining. The write runs
// concurrently with the read so the exchange also completes over
// unbuffered transports where Write blocks until the peer reads.
func (c *Conn) exchangeHeader(want [8]byte) error {
	wrote := make(chan error, 1)
	go func() {
		_, err := c.net.Write(want[:])
		wrote <- err
	}()
	var got [8]byte
	if _, err := io.ReadFull(c.net, got[:]); err != nil {
		return err
	}
	if err := <-wrote; err != nil {
		return err
	}
	if !bytes.Equal(got[:], want[:]) {
		return errorf(CondFramingError, "unexpected protocol header %x", got)
	}
	c.state = connHeaderExchanged
	return nil
}

// readPerformative reads frames until a non-empty one arrives and decodes
// its performative. Used only during the handshake.
func (c *Conn) readPerformative() (Performative, uint16, error) {
	for {
		f, err := ReadFrame(c.net, c.cfg.MaxFrameSize)
		if err != nil {
			return nil, 0, err
		}
		if len(f.Body) == 0 {
			continue
		}
		p, err := Unmarshal(f.Body)
		if err != nil {
			return nil, 0, err
		}
		return p, f.Channel, nil
	}
}

func (c *Conn) clientHandshake() error {
	if c.cfg.SASL != nil {
		if err := c.exchangeHeader(protoHeaderSASL); err != nil {
			return err
		}
		c.state = connSaslNegotiation
		if err := c.clientSasl(); err != nil {
			return err
		}
		c.state = connSaslComplete
	}
	if err := c.exchangeHeader(protoHeaderAMQP); err != nil {
		return err
	}
	if err := c.writeFrame(0, c.openFrame()); err != nil {
		return err
	}
	c.state = connOpenSent
	p, _, err := c.readPerformative()
	if err != nil {
		return err
	}
	open, ok := p.(*Open)
	if !ok {
		return errorf(CondFramingError, "expected open, got %T", p)
	}
	c.applyPeerOpen(open)
	c.state = connOpened
	return nil
}

func (c *Conn) serverHandshake() error {
	if c.cfg.Auth != nil {
		if err := c.exchangeHeader(protoHeaderSASL); err != nil {
			return err
		}
		c.state = connSaslNegotiation
		if err := c.serverSasl(); err != nil {
			return err
		}
		c.state = connSaslComplete
	}
	if err := c.exchangeHeader(protoHeaderAMQP); err != nil {
		return err
	}
	p, _, err := c.readPerformative()
	if err != nil {
		return err
	}
	open, ok := p.(*Open)
	if !ok {
		return errorf(CondFramingError, "expected open, got %T", p)
	}
	c.state = connOpenReceived
	c.applyPeerOpen(open)
	if err := c.writeFrame(0, c.openFrame()); err != nil {
		return err
	}
	c.state = connOpened
	return nil
}

func (c *Conn) clientSasl() error {
	p, _, err := c.readPerformative()
	if err != nil {
		return err
	}
	mechs, ok := p.(*SaslMechanisms)
	if !ok {
		return errorf(CondFramingError, "expected sasl-mechanisms, got %T", p)
	}
	want := symbol(c.cfg.SASL.Name())
	offered := false
	for _, m := range mechs.Mechanisms {
		if m == want {
			offered = true
			break
		}
	}
	if !offered {
		return fmt.Errorf("amqp10: server does not offer SASL mechanism %s", want)
	}
	initial, err := c.cfg.SASL.Start()
	if err != nil {
		return err
	}
	init := &SaslInit{Mechanism: want, InitialResponse: initial, Hostname: c.cfg.Hostname}
	if err := c.writeSaslFrame(init); err != nil {
		return err
	}
	for {
		p, _, err := c.readPerformative()
		if err != nil {
			return err
		}
		switch p := p.(type) {
		case *SaslChallenge:
			resp, err := c.cfg.SASL.Step(p.Challenge)
			if err != nil {
				return err
			}
			if err := c.writeSaslFrame(&SaslResponse{Response: resp}); err != nil {
				return err
			}
		case *SaslOutcome:
			if p.Code != SaslCodeOK {
				return fmt.Errorf("amqp10: SASL authentication failed (code %d)", p.Code)
			}
			return nil
		default:
			return errorf(CondFramingError, "unexpected %T during SASL exchange", p)
		}
	}
}

func (c *Conn) serverSasl() error {
	if err := c.writeSaslFrame(&SaslMechanisms{Mechanisms: serverMechanisms}); err != nil {
		return err
	}
	p, _, err := c.readPerformative()
	if err != nil {
		return err
	}
	init, ok := p.(*SaslInit)
	if !ok {
		return errorf(CondFramingError, "expected sasl-init, got %T", p)
	}
	if err := c.cfg.Auth(string(init.Mechanism), init.InitialResponse); err != nil {
		logger.Warn().Err(err).Str("mechanism", string(init.Mechanism)).Msg("authentication failed")
		_ = c.writeSaslFrame(&SaslOutcome{Code: SaslCodeAuth})
		return fmt.Errorf("amqp10: authentication failed: %w", err)
	}
	return c.writeSaslFrame(&SaslOutcome{Code: SaslCodeOK})
}

func (c *Conn) openFrame() *Open {
	return &Open{
		ContainerID:  c.cfg.ContainerID,
		Hostname:     c.cfg.Hostname,
		MaxFrameSize: c.cfg.MaxFrameSize,
		ChannelMax:   c.cfg.ChannelMax,
		IdleTimeout:  c.cfg.IdleTimeout,
	}
}

func (c *Conn) applyPeerOpen(o *Open) {
	c.peerOpen = *o
	if o.MaxFrameSize != 0 && o.MaxFrameSize < c.maxFrameSize {
		c.maxFrameSize = o.MaxFrameSize
	}
	if c.maxFrameSize < MinMaxFrameSize {
		c.maxFrameSize = MinMaxFrameSize
	}
	// zero is indistinguishable from an omitted channel-max field, so it is
	// treated as unannounced
	if o.ChannelMax != 0 && o.ChannelMax < c.channelMax {
		c.channelMax = o.ChannelMax
	}
	// re-bound the channel pool: it was sized from our own limit before
	// the peer's Open arrived
	c.channels.max = uint32(c.channelMax)
}

// ContainerID returns the peer's container-id from its Open frame.
func (c *Conn) ContainerID() string { return c.peerOpen.ContainerID }

// MaxFrameSize returns the negotiated outgoing frame-size bound.
func (c *Conn) MaxFrameSize() uint32 { return c.maxFrameSize }

// maxPayloadSize bounds the transfer payload per frame, leaving headroom
// for the frame header and transfer performative.
func (c *Conn) maxPayloadSize() int {
	const overhead = 128
	n := int(c.maxFrameSize) - overhead
	if n < MinMaxFrameSize-overhead {
		n = MinMaxFrameSize - overhead
	}
	return n
}

// Done closes when the connection has terminated.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection terminated. It is meaningful once Done
// is closed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrConnClosed
	}
	return c.err
}

// writeFrame marshals and writes one AMQP frame. It is the single
// serialization point for the connection: all sessions and links funnel
// through here, preserving the ordered byte stream the protocol requires.
func (c *Conn) writeFrame(channel uint16, p Performative) error {
	body := Marshal(p)
	c.writeMu.Lock()
	err := WriteFrame(c.net, Frame{Type: frameTypeAMQP, Channel: channel, Body: body})
	c.writeMu.Unlock()
	if err != nil {
		c.fatal(err)
		return err
	}
	if c.hb != nil {
		c.hb.markSent(time.Now())
	}
	return nil
}

func (c *Conn) writeSaslFrame(p Performative) error {
	body := Marshal(p)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.net, Frame{Type: frameTypeSASL, Channel: 0, Body: body})
}

// Begin opens a new session. Completes when the peer's Begin arrives.
func (c *Conn) Begin(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.state != connOpened {
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = ErrConnClosed
		}
		return nil, err
	}
	ch, ok := c.channels.get()
	if !ok {
		c.mu.Unlock()
		return nil, errorf(CondResourceLimitExceeded, "channel-max reached")
	}
	s := newSession(c, uint16(ch))
	s.state = sessionBeginSent
	c.sessionsByLocal[s.localChannel] = s
	c.mu.Unlock()

	if err := c.writeFrame(s.localChannel, s.beginFrame(nil)); err != nil {
		return nil, err
	}
	select {
	case <-s.begun:
		return s, nil
	case <-s.ended:
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		return nil, err
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close performs the Close exchange and tears the connection down. A
// non-nil aerr is carried in the Close frame.
func (c *Conn) Close(aerr *Error) error {
	c.mu.Lock()
	switch c.state {
	case connClosed, connFailed:
		c.mu.Unlock()
		return nil
	case connCloseSent:
		c.mu.Unlock()
	default:
		c.state = connCloseSent
		c.mu.Unlock()
		if err := c.writeFrame(0, &Close{Error: aerr}); err != nil {
			return nil
		}
	}
	select {
	case <-c.done:
	case <-time.After(10 * time.Second):
		c.teardown(&ConnError{})
	}
	return nil
}

// mux is the per-connection read loop: every inbound frame dispatches from
// here, so session and link state transitions for one connection are
// sequential.
func (c *Conn) mux() {
	for {
		f, err := ReadFrame(c.net, c.cfg.MaxFrameSize)
		if err != nil {
			if aerr, ok := err.(*Error); ok {
				c.abort(aerr)
			} else {
				c.fatal(err)
			}
			return
		}
		c.hb.markRecv(time.Now())
		if len(f.Body) == 0 {
			// heartbeat
			continue
		}
		if f.Type != frameTypeAMQP {
			c.abort(errorf(CondFramingError, "unexpected frame type %d after handshake", f.Type))
			return
		}
		p, err := Unmarshal(f.Body)
		if err != nil {
			// malformed frame: fatal to the connection, session state
			// is left untouched
			c.abort(err.(*Error))
			return
		}
		if done := c.dispatch(f.Channel, p); done {
			return
		}
	}
}

// dispatch routes one performative. It reports true when the connection
// has terminated.
func (c *Conn) dispatch(channel uint16, p Performative) bool {
	switch p := p.(type) {
	case *Close:
		c.handleClose(p)
		return true
	case *Open:
		c.abort(errorf(CondFramingError, "unexpected open in opened state"))
		return true
	case *Begin:
		c.handleBegin(channel, p)
		return false
	}

	c.mu.Lock()
	s, ok := c.sessionsByRemote[channel]
	c.mu.Unlock()
	if !ok {
		c.abort(errorf(CondFramingError, "frame for unmapped channel %d", channel))
		return true
	}
	switch p := p.(type) {
	case *Attach:
		s.handleAttach(p)
	case *Flow:
		s.handleFlow(p)
	case *Transfer:
		s.handleTransfer(p)
	case *Disposition:
		s.handleDisposition(p)
	case *Detach:
		s.handleDetach(p)
	case *End:
		s.handleEnd(p)
	default:
		c.abort(errorf(CondFramingError, "unexpected %T on channel %d", p, channel))
		return true
	}
	return false
}

func (c *Conn) handleBegin(channel uint16, b *Begin) {
	if b.RemoteChannel != nil {
		// response to a Begin we sent
		c.mu.Lock()
		s, ok := c.sessionsByLocal[*b.RemoteChannel]
		if !ok || s.state != sessionBeginSent {
			c.mu.Unlock()
			c.abort(errorf(CondFramingError, "begin response for unknown channel %d", *b.RemoteChannel))
			return
		}
		s.remoteChannel = channel
		c.sessionsByRemote[channel] = s
		c.mu.Unlock()
		s.mu.Lock()
		s.applyBeginLocked(b)
		s.mu.Unlock()
		close(s.begun)
		logger.Debug().Uint16("channel", s.localChannel).Uint16("remote_channel", channel).Msg("session mapped")
		return
	}

	// peer-initiated session
	c.mu.Lock()
	ch, ok := c.channels.get()
	if !ok {
		c.mu.Unlock()
		c.abort(errorf(CondResourceLimitExceeded, "channel-max exceeded by peer begin"))
		return
	}
	s := newSession(c, uint16(ch))
	s.remoteChannel = channel
	c.sessionsByLocal[s.localChannel] = s
	c.sessionsByRemote[channel] = s
	c.mu.Unlock()
	s.mu.Lock()
	s.applyBeginLocked(b)
	s.mu.Unlock()
	close(s.begun)
	remote := channel
	if err := c.writeFrame(s.localChannel, s.beginFrame(&remote)); err != nil {
		return
	}
	if c.handlers != nil && c.handlers.OnSession != nil {
		go func() {
			if err := c.handlers.OnSession(s); err != nil {
				logger.Error().Err(err).Uint16("channel", s.localChannel).Msg("session handler error")
			}
		}()
	}
}

func (c *Conn) handleClose(p *Close) {
	c.mu.Lock()
	wasCloseSent := c.state == connCloseSent
	c.state = connCloseReceived
	c.mu.Unlock()
	if !wasCloseSent {
		_ = c.writeFrame(0, &Close{})
	}
	if p.Error != nil {
		logger.Warn().Str("condition", p.Error.Condition).Str("description", p.Error.Description).Msg("connection closed by peer with error")
	}
	c.teardown(&ConnError{RemoteErr: p.Error})
}

// releaseSession returns the session's channel to the free-list once the
// End exchange has completed both ways.
func (c *Conn) releaseSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessionsByLocal[s.localChannel]; !ok {
		return
	}
	delete(c.sessionsByLocal, s.localChannel)
	delete(c.sessionsByRemote, s.remoteChannel)
	c.channels.put(uint32(s.localChannel))
}

// abort terminates the connection on a local protocol decision: a Close
// carrying the condition is sent, then everything is torn down.
func (c *Conn) abort(aerr *Error) {
	c.mu.Lock()
	if c.state == connClosed || c.state == connFailed {
		c.mu.Unlock()
		return
	}
	c.state = connFailed
	c.mu.Unlock()
	logger.Warn().Str("condition", aerr.Condition).Str("description", aerr.Description).Msg("aborting connection")
	func() {
		body := Marshal(&Close{Error: aerr})
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = WriteFrame(c.net, Frame{Type: frameTypeAMQP, Channel: 0, Body: body})
	}()
	c.teardown(&ConnError{inner: aerr})
}

// fatal terminates the connection on a transport failure: no Close frame
// can be delivered, so everything is torn down. The cascade acquires every
// session mutex and writeFrame callers may already hold one, so the
// teardown runs on its own goroutine.
func (c *Conn) fatal(err error) {
	go c.teardown(&ConnError{inner: err})
}

// teardown runs exactly once: it cancels every pending operation on every
// session and link with err, closes the transport and fires OnConnClose.
func (c *Conn) teardown(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		if c.state != connFailed {
			c.state = connClosed
		}
		c.err = err
		sessions := make([]*Session, 0, len(c.sessionsByLocal))
		for _, s := range c.sessionsByLocal {
			sessions = append(sessions, s)
		}
		c.mu.Unlock()
		for _, s := range sessions {
			s.connectionLost(err)
		}
		close(c.done)
		c.net.Close()
		if c.handlers != nil && c.handlers.OnConnClose != nil {
			c.handlers.OnConnClose(c)
		}
	})
}

// keepalive emits empty frames before the peer's idle deadline and closes
// the connection when the peer goes silent past ours.
func (c *Conn) keepalive() {
	t := time.NewTicker(c.hb.interval())
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-t.C:
			switch c.hb.check(now) {
			case heartbeatClose:
				c.abort(errorf(CondResourceLimitExceeded, "idle timeout expired"))
				return
			case heartbeatSend:
				c.writeMu.Lock()
				err := writeEmptyFrame(c.net)
				c.writeMu.Unlock()
				if err != nil {
					c.fatal(err)
					return
				}
				c.hb.markSent(now)
			}
		}
	}
}
