package amqp10

import (
	"context"
	"sync"
)

type sessionState int

const (
	sessionUnmapped sessionState = iota
	sessionBeginSent
	sessionMapped
	sessionEndSent
	sessionEnded
)

func (s sessionState) String() string {
	switch s {
	case sessionUnmapped:
		return "unmapped"
	case sessionBeginSent:
		return "begin-sent"
	case sessionMapped:
		return "mapped"
	case sessionEndSent:
		return "end-sent"
	case sessionEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// queuedFrame is one outgoing Transfer frame waiting for remote incoming
// window. Frames of one delivery are always enqueued adjacently, so the
// FIFO preserves per-delivery contiguity on the wire.
type queuedFrame struct {
	t    *Transfer
	sd   *sendDelivery
	last bool
}

// Session multiplexes links over one channel pair of a connection. All
// session and link state is guarded by mu; outbound frames go through the
// connection's single serialized writer.
type Session struct {
	conn          *Conn
	localChannel  uint16
	remoteChannel uint16

	mu            sync.Mutex
	state         sessionState
	links         map[uint32]*link
	linksByRemote map[uint32]*link
	linksByName   map[string]*link
	handles       *idPool

	// transfer-frame sequencing and windows, all mod 2^32
	initialOutgoingID    uint32
	nextOutgoingID       uint32
	nextIncomingID       uint32
	incomingWindow       uint32
	outgoingWindow       uint32
	remoteIncomingWindow uint32
	remoteOutgoingWindow uint32

	// delivery-id assignment (outgoing) and validation (incoming)
	nextDeliveryID       uint32
	expectedDeliveryID   uint32
	outgoingUnsettled    map[uint32]*sendDelivery
	incomingIndex        map[uint32]*link

	outQueue []queuedFrame

	begun     chan struct{}
	ended     chan struct{}
	endedOnce sync.Once
	err       error
}

func newSession(c *Conn, localChannel uint16) *Session {
	window := c.cfg.WindowSize
	return &Session{
		conn:              c,
		localChannel:      localChannel,
		links:             make(map[uint32]*link),
		linksByRemote:     make(map[uint32]*link),
		linksByName:       make(map[string]*link),
		handles:           newIDPool(c.cfg.handleMax()),
		incomingWindow:    window,
		outgoingWindow:    window,
		outgoingUnsettled: make(map[uint32]*sendDelivery),
		incomingIndex:     make(map[uint32]*link),
		begun:             make(chan struct{}),
		ended:             make(chan struct{}),
	}
}

// LocalChannel returns the channel number our frames carry.
func (s *Session) LocalChannel() uint16 { return s.localChannel }

// Conn returns the connection this session runs on.
func (s *Session) Conn() *Conn { return s.conn }

// beginFrame builds our Begin. remoteChannel is non-nil when responding to
// a peer-initiated Begin.
func (s *Session) beginFrame(remoteChannel *uint16) *Begin {
	return &Begin{
		RemoteChannel:  remoteChannel,
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.conn.cfg.handleMax(),
	}
}

// applyBeginLocked records the peer's Begin fields.
func (s *Session) applyBeginLocked(b *Begin) {
	s.state = sessionMapped
	s.nextIncomingID = b.NextOutgoingID
	s.expectedDeliveryID = b.NextOutgoingID
	s.remoteIncomingWindow = b.IncomingWindow
	s.remoteOutgoingWindow = b.OutgoingWindow
}

// End unmaps the session. All links are implicitly detached. Completes
// when the peer's End arrives.
func (s *Session) End(ctx context.Context, aerr *Error) error {
	s.mu.Lock()
	switch s.state {
	case sessionEnded:
		s.mu.Unlock()
		return nil
	case sessionEndSent:
		s.mu.Unlock()
	default:
		if err := s.localEndLocked(aerr); err != nil {
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()
	}
	select {
	case <-s.ended:
		return nil
	case <-s.conn.done:
		return s.conn.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// localEndLocked sends our End frame and moves to end-sent. Used both for
// application-requested End and for session-scoped protocol violations.
func (s *Session) localEndLocked(aerr *Error) error {
	if s.state == sessionEndSent || s.state == sessionEnded {
		return nil
	}
	s.state = sessionEndSent
	if aerr != nil {
		logger.Warn().Uint16("channel", s.localChannel).Str("condition", aerr.Condition).Str("description", aerr.Description).Msg("ending session with error")
	}
	return s.conn.writeFrame(s.localChannel, &End{Error: aerr})
}

// handleEnd processes a peer End frame.
func (s *Session) handleEnd(e *End) {
	s.mu.Lock()
	if s.state == sessionEndSent {
		// our End completed round-trip
		s.finishLocked(ErrSessionEnded, nil)
	} else {
		var serr error = ErrSessionEnded
		if e.Error != nil {
			serr = &SessionError{RemoteErr: e.Error}
		}
		_ = s.conn.writeFrame(s.localChannel, &End{})
		s.finishLocked(serr, e.Error)
	}
	s.mu.Unlock()
	s.conn.releaseSession(s)
}

// connectionLost cascades a connection-level failure into the session.
func (s *Session) connectionLost(err error) {
	s.mu.Lock()
	s.finishLocked(err, nil)
	s.mu.Unlock()
}

// finishLocked moves the session to Ended: every attached link observes a
// synthetic detach carrying the same condition, suspended operations
// resolve with err, and the channel becomes reusable.
func (s *Session) finishLocked(err error, cond *Error) {
	if s.state == sessionEnded {
		return
	}
	s.state = sessionEnded
	s.err = err
	linkErr := err
	if cond != nil {
		linkErr = &DetachError{RemoteErr: cond}
	}
	for _, l := range s.links {
		l.teardownLocked(linkErr)
	}
	for id, sd := range s.outgoingUnsettled {
		sd.resolve(nil, err)
		delete(s.outgoingUnsettled, id)
	}
	for _, q := range s.outQueue {
		q.sd.resolve(nil, err)
	}
	s.outQueue = nil
	s.endedOnce.Do(func() { close(s.ended) })
}

// releaseLinkLocked returns a link's handle to the free-list after the
// Detach exchange has completed both ways.
func (s *Session) releaseLinkLocked(l *link) {
	if _, ok := s.links[l.handle]; !ok {
		return
	}
	delete(s.links, l.handle)
	delete(s.linksByRemote, l.remoteHandle)
	delete(s.linksByName, l.name)
	s.handles.put(l.handle)
}

// linkConfig collects attach options.
type linkConfig struct {
	sndMode uint8
	rcvMode uint8
	source  string
	target  string
}

// LinkOption customizes AttachSender/AttachReceiver.
type LinkOption func(*linkConfig)

// WithSenderSettleMode sets the sender settlement mode offered on Attach.
func WithSenderSettleMode(mode uint8) LinkOption {
	return func(c *linkConfig) { c.sndMode = mode }
}

// WithReceiverSettleMode sets the receiver settlement mode.
func WithReceiverSettleMode(mode uint8) LinkOption {
	return func(c *linkConfig) { c.rcvMode = mode }
}

// WithSource sets the source address on a sender link.
func WithSource(addr string) LinkOption {
	return func(c *linkConfig) { c.source = addr }
}

// WithTarget sets the target address on a receiver link.
func WithTarget(addr string) LinkOption {
	return func(c *linkConfig) { c.target = addr }
}

// AttachSender attaches a sender link towards target. Completes when the
// peer's Attach response arrives.
func (s *Session) AttachSender(ctx context.Context, name, target string, opts ...LinkOption) (*SenderLink, error) {
	l, err := s.attach(ctx, name, RoleSender, linkConfig{target: target}, opts)
	if err != nil {
		return nil, err
	}
	return &SenderLink{l}, nil
}

// AttachReceiver attaches a receiver link from source. The link has zero
// credit until SetCredit is called.
func (s *Session) AttachReceiver(ctx context.Context, name, source string, opts ...LinkOption) (*ReceiverLink, error) {
	l, err := s.attach(ctx, name, RoleReceiver, linkConfig{source: source}, opts)
	if err != nil {
		return nil, err
	}
	return &ReceiverLink{l}, nil
}

func (s *Session) attach(ctx context.Context, name string, role bool, cfg linkConfig, opts []LinkOption) (*link, error) {
	for _, o := range opts {
		o(&cfg)
	}
	s.mu.Lock()
	if s.state != sessionMapped {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = ErrSessionEnded
		}
		return nil, err
	}
	if _, exists := s.linksByName[name]; exists {
		s.mu.Unlock()
		return nil, errorf(CondNotAllowed, "link name %q already in use", name)
	}
	handle, ok := s.handles.get()
	if !ok {
		s.mu.Unlock()
		return nil, errorf(CondResourceLimitExceeded, "handle-max reached")
	}
	l := newLink(s, name, role, handle)
	l.sndMode = cfg.sndMode
	l.rcvMode = cfg.rcvMode
	l.source = cfg.source
	l.target = cfg.target
	l.state = linkAttachSent
	s.links[handle] = l
	s.linksByName[name] = l

	a := &Attach{
		Name:          name,
		Handle:        handle,
		Role:          role,
		SndSettleMode: &l.sndMode,
		RcvSettleMode: &l.rcvMode,
	}
	if cfg.source != "" {
		a.Source = &Source{Address: cfg.source}
	}
	if cfg.target != "" {
		a.Target = &Target{Address: cfg.target}
	}
	if role == RoleSender {
		idc := l.deliveryCount
		a.InitialDeliveryCount = &idc
	}
	err := s.conn.writeFrame(s.localChannel, a)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case <-l.attachDone:
		return l, nil
	case <-l.closed:
		return nil, l.err
	case <-s.ended:
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		return nil, err
	case <-s.conn.done:
		return nil, s.conn.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleAttach processes an incoming Attach: either the peer's response to
// our Attach (matched by link name) or a peer-initiated link.
func (s *Session) handleAttach(a *Attach) {
	s.mu.Lock()
	if l, ok := s.linksByName[a.Name]; ok {
		if l.state == linkAttachSent {
			// simultaneous/response attach: the second Attach for a known
			// name is the peer's answer, not a new request
			l.remoteHandle = a.Handle
			s.linksByRemote[a.Handle] = l
			if l.role == RoleReceiver && a.InitialDeliveryCount != nil {
				l.deliveryCount = *a.InitialDeliveryCount
			}
			l.state = linkAttached
			close(l.attachDone)
			logger.Debug().Str("link", l.name).Uint32("handle", l.handle).Uint32("remote_handle", a.Handle).Msg("link attached")
			s.mu.Unlock()
			return
		}
		// re-attach for an already-attached name: protocol-ambiguous,
		// treated as a violation rather than guessing permissive behavior
		s.localEndLocked(errorf(CondErrantLink, "attach received for attached link %q", a.Name))
		s.mu.Unlock()
		return
	}

	// peer-initiated link; our role is the complement of the peer's
	role := !a.Role
	handle, ok := s.handles.get()
	if !ok {
		s.localEndLocked(errorf(CondResourceLimitExceeded, "handle-max reached"))
		s.mu.Unlock()
		return
	}
	l := newLink(s, a.Name, role, handle)
	l.remoteHandle = a.Handle
	if a.SndSettleMode != nil {
		l.sndMode = *a.SndSettleMode
	}
	if a.RcvSettleMode != nil {
		l.rcvMode = *a.RcvSettleMode
	}
	if a.Source != nil {
		l.source = a.Source.Address
	}
	if a.Target != nil {
		l.target = a.Target.Address
	}
	if role == RoleReceiver && a.InitialDeliveryCount != nil {
		l.deliveryCount = *a.InitialDeliveryCount
	}
	l.state = linkAttached
	close(l.attachDone)
	s.links[handle] = l
	s.linksByName[a.Name] = l
	s.linksByRemote[a.Handle] = l

	resp := &Attach{
		Name:          a.Name,
		Handle:        handle,
		Role:          role,
		SndSettleMode: &l.sndMode,
		RcvSettleMode: &l.rcvMode,
		Source:        a.Source,
		Target:        a.Target,
	}
	if role == RoleSender {
		idc := l.deliveryCount
		resp.InitialDeliveryCount = &idc
	}
	if err := s.conn.writeFrame(s.localChannel, resp); err != nil {
		s.mu.Unlock()
		return
	}

	h := s.conn.handlers
	var dispatch func()
	switch {
	case role == RoleReceiver && h != nil && h.OnReceiver != nil:
		rl := &ReceiverLink{l}
		dispatch = func() {
			if err := h.OnReceiver(s, rl); err != nil {
				logger.Error().Err(err).Str("link", l.name).Msg("receiver handler error")
			}
		}
	case role == RoleSender && h != nil && h.OnSender != nil:
		sl := &SenderLink{l}
		dispatch = func() {
			if err := h.OnSender(s, sl); err != nil {
				logger.Error().Err(err).Str("link", l.name).Msg("sender handler error")
			}
		}
	default:
		// nothing will consume this link; refuse it
		_ = l.localDetachLocked(errorf(CondNotAllowed, "no handler for incoming link %q", a.Name))
	}
	s.mu.Unlock()
	if dispatch != nil {
		go dispatch()
	}
}

// handleDetach routes a peer Detach to its link.
func (s *Session) handleDetach(d *Detach) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.linksByRemote[d.Handle]
	if !ok {
		s.localEndLocked(errorf(CondUnattachedHandle, "detach for unattached handle %d", d.Handle))
		return
	}
	l.handleDetachLocked(d)
}

// handleFlow applies the session-scoped window fields of an incoming Flow
// and dispatches link-scoped fields.
func (s *Session) handleFlow(f *Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// the peer's incoming window bounds our transfers; recompute it from
	// the peer's view of our next-outgoing-id so in-flight frames are
	// neither dropped nor double-counted
	if f.NextIncomingID != nil {
		s.remoteIncomingWindow = *f.NextIncomingID + f.IncomingWindow - s.nextOutgoingID
	} else {
		s.remoteIncomingWindow = s.initialOutgoingID + f.IncomingWindow - s.nextOutgoingID
	}
	s.remoteOutgoingWindow = f.OutgoingWindow
	s.nextIncomingID = f.NextOutgoingID
	if f.Handle != nil {
		if l, ok := s.linksByRemote[*f.Handle]; ok {
			l.applyFlowLocked(f)
		} else {
			s.localEndLocked(errorf(CondUnattachedHandle, "flow for unattached handle %d", *f.Handle))
			return
		}
	} else if f.Echo {
		_ = s.sendFlowLocked(nil, false)
	}
	s.flushLocked()
}

// handleTransfer applies one incoming Transfer frame: session window
// accounting, then link-level credit and reassembly.
func (s *Session) handleTransfer(t *Transfer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sessionMapped {
		return
	}
	if s.incomingWindow == 0 {
		// peer exceeded our advertised window
		s.localEndLocked(errorf(CondWindowViolation, "transfer received with zero incoming-window"))
		return
	}
	s.incomingWindow--
	s.nextIncomingID++
	l, ok := s.linksByRemote[t.Handle]
	if !ok {
		s.localEndLocked(errorf(CondUnattachedHandle, "transfer for unattached handle %d", t.Handle))
		return
	}
	if l.role != RoleReceiver {
		s.localEndLocked(errorf(CondErrantLink, "transfer received on sender link %q", l.name))
		return
	}
	l.handleTransferLocked(t)
	// replenish the window before the peer stalls
	if s.state == sessionMapped && s.incomingWindow <= s.conn.cfg.WindowSize/2 {
		s.incomingWindow = s.conn.cfg.WindowSize
		_ = s.sendFlowLocked(nil, false)
	}
}

// checkIncomingDeliveryLocked validates strict delivery-id monotonicity.
// A gap or regression ends the session.
func (s *Session) checkIncomingDeliveryLocked(id uint32) bool {
	if id != s.expectedDeliveryID {
		s.localEndLocked(errorf(CondInvalidField, "delivery-id %d out of sequence, expected %d", id, s.expectedDeliveryID))
		return false
	}
	s.expectedDeliveryID++
	return true
}

// handleDisposition settles delivery-id ranges in either direction.
func (s *Session) handleDisposition(d *Disposition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := d.First
	if d.Last != nil {
		last = *d.Last
	}
	if int32(last-d.First) < 0 {
		// an inverted range would walk ~2^32 ids; reject it outright
		_ = s.localEndLocked(errorf(CondInvalidField, "disposition range %d..%d is inverted", d.First, last))
		return
	}
	// walk the unsettled tables, not the id span: the range is
	// peer-controlled and may be arbitrarily wide
	inRange := func(id uint32) bool {
		return int32(id-d.First) >= 0 && int32(last-id) >= 0
	}
	if d.Role == RoleReceiver {
		// the peer reports outcomes for deliveries we sent
		needSettle := false
		for id, sd := range s.outgoingUnsettled {
			if !inRange(id) {
				continue
			}
			sd.resolve(d.State, nil)
			delete(s.outgoingUnsettled, id)
			delete(sd.link.unsettledOut, id)
			if !d.Settled {
				needSettle = true
			}
		}
		if needSettle {
			// receiver-settle-mode second: confirm settlement
			_ = s.conn.writeFrame(s.localChannel, &Disposition{
				Role:    RoleSender,
				First:   d.First,
				Last:    d.Last,
				Settled: true,
				State:   d.State,
			})
		}
		return
	}
	// the sender settled deliveries we received
	for id, l := range s.incomingIndex {
		if !inRange(id) {
			continue
		}
		_ = l.tracker.settle(id, d.State)
		delete(s.incomingIndex, id)
	}
}

// enqueueTransferLocked splits one outgoing delivery into transfer frames
// bounded by the negotiated max-frame-size and appends them, adjacently,
// to the session's frame queue.
func (s *Session) enqueueTransferLocked(l *link, sd *sendDelivery) {
	id := s.nextDeliveryID
	s.nextDeliveryID++
	sd.id = id
	payload := sd.payload
	sd.payload = nil
	if !sd.settled {
		s.outgoingUnsettled[id] = sd
		l.unsettledOut[id] = sd
	}
	maxPayload := s.conn.maxPayloadSize()
	first := true
	for {
		chunk := payload
		if len(chunk) > maxPayload {
			chunk = payload[:maxPayload]
		}
		payload = payload[len(chunk):]
		t := &Transfer{Handle: l.handle, More: len(payload) > 0, Payload: chunk}
		if first {
			did := id
			mf := uint32(0)
			settled := sd.settled
			t.DeliveryID = &did
			t.DeliveryTag = sd.tag
			t.MessageFormat = &mf
			t.Settled = &settled
			first = false
		}
		s.outQueue = append(s.outQueue, queuedFrame{t: t, sd: sd, last: len(payload) == 0})
		if len(payload) == 0 {
			break
		}
	}
}

// flushLocked writes queued transfer frames while the remote incoming
// window allows. The queue is the session-level backpressure point: when
// the window reaches zero every link in the session stalls here.
func (s *Session) flushLocked() {
	for len(s.outQueue) > 0 && s.remoteIncomingWindow > 0 {
		q := s.outQueue[0]
		s.outQueue = s.outQueue[1:]
		s.remoteIncomingWindow--
		s.nextOutgoingID++
		if err := s.conn.writeFrame(s.localChannel, q.t); err != nil {
			q.sd.resolve(nil, err)
			return
		}
		if q.last && q.sd.settled {
			q.sd.resolve(nil, nil)
		}
	}
}

// sendFlowLocked emits a Flow with current session windows; when l is
// non-nil the link's delivery-count and credit ride along. drain confirms
// a drain cycle.
func (s *Session) sendFlowLocked(l *link, drain bool) error {
	nid := s.nextIncomingID
	f := &Flow{
		NextIncomingID: &nid,
		IncomingWindow: s.incomingWindow,
		NextOutgoingID: s.nextOutgoingID,
		OutgoingWindow: s.outgoingWindow,
		Drain:          drain,
	}
	if l != nil {
		h := l.handle
		dc := l.deliveryCount
		credit := l.credit
		f.Handle = &h
		f.DeliveryCount = &dc
		f.LinkCredit = &credit
	}
	return s.conn.writeFrame(s.localChannel, f)
}
