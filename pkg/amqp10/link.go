package amqp10

import (
	"bytes"
	"context"

	"github.com/google/uuid"
)

type linkState int

const (
	linkUnattached linkState = iota
	linkAttachSent
	linkAttached
	linkDetachSent
	linkDetached
)

func (s linkState) String() string {
	switch s {
	case linkUnattached:
		return "unattached"
	case linkAttachSent:
		return "attach-sent"
	case linkAttached:
		return "attached"
	case linkDetachSent:
		return "detach-sent"
	case linkDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// link is the state shared by both roles. All fields are guarded by the
// owning session's mutex; links never write to the wire except through the
// session's connection.
type link struct {
	session *Session
	name    string
	role    bool
	handle  uint32
	// remoteHandle is valid once the peer's Attach has been seen.
	remoteHandle uint32
	state        linkState
	sndMode      uint8
	rcvMode      uint8
	source       string
	target       string

	// sender: our delivery-count and receiver-granted credit.
	// receiver: the peer's delivery-count as last known, and the credit we
	// have granted. Both wrap mod 2^32.
	deliveryCount uint32
	credit        uint32

	attachDone chan struct{}
	detachDone chan struct{}
	closed     chan struct{}
	err        error

	// sender role
	pendingSends []*sendDelivery
	unsettledOut map[uint32]*sendDelivery

	// receiver role
	tracker *deliveryTracker
	partial *partialDelivery
	queue   []*Delivery
	notify  chan struct{}
}

func newLink(s *Session, name string, role bool, handle uint32) *link {
	l := &link{
		session:    s,
		name:       name,
		role:       role,
		handle:     handle,
		sndMode:    SenderSettleModeUnsettled,
		rcvMode:    ReceiverSettleModeFirst,
		attachDone: make(chan struct{}),
		detachDone: make(chan struct{}),
		closed:     make(chan struct{}),
		notify:     make(chan struct{}, 1),
	}
	if role == RoleSender {
		l.unsettledOut = make(map[uint32]*sendDelivery)
	} else {
		l.tracker = newDeliveryTracker()
	}
	return l
}

// SenderLink is an attached link in the sender role.
type SenderLink struct {
	*link
}

// ReceiverLink is an attached link in the receiver role.
type ReceiverLink struct {
	*link
}

// Name returns the link name.
func (l *link) Name() string { return l.name }

// Handle returns the locally-issued handle.
func (l *link) Handle() uint32 { return l.handle }

// Source returns the source address, if any.
func (l *link) Source() string { return l.source }

// Target returns the target address, if any.
func (l *link) Target() string { return l.target }

// Detach closes the link. A nil error detaches cleanly; a non-nil error is
// carried in the Detach frame. Completes when the peer's Detach arrives.
func (l *link) Detach(ctx context.Context, aerr *Error) error {
	s := l.session
	s.mu.Lock()
	switch l.state {
	case linkDetached:
		s.mu.Unlock()
		return nil
	case linkDetachSent:
		s.mu.Unlock()
	default:
		err := l.localDetachLocked(aerr)
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
	select {
	case <-l.detachDone:
		return nil
	case <-s.conn.done:
		return s.conn.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// localDetachLocked sends our Detach and marks the link detach-sent.
// Pending operations fail immediately; the handle is released only when
// the peer's Detach completes the exchange.
func (l *link) localDetachLocked(aerr *Error) error {
	if l.state == linkDetachSent || l.state == linkDetached {
		return nil
	}
	l.state = linkDetachSent
	var failErr error = ErrLinkDetached
	if aerr != nil {
		failErr = &DetachError{RemoteErr: aerr}
	}
	l.failPendingLocked(failErr)
	return l.session.conn.writeFrame(l.session.localChannel, &Detach{Handle: l.handle, Closed: true, Error: aerr})
}

// handleDetachLocked processes a peer Detach frame.
func (l *link) handleDetachLocked(d *Detach) {
	s := l.session
	if l.state == linkDetachSent {
		// our detach completed round-trip
		l.teardownLocked(ErrLinkDetached)
	} else {
		// peer-initiated: reply and surface the error as terminal
		if err := s.conn.writeFrame(s.localChannel, &Detach{Handle: l.handle, Closed: true}); err != nil {
			return
		}
		l.teardownLocked(&DetachError{RemoteErr: d.Error})
	}
	s.releaseLinkLocked(l)
	logger.Debug().Str("link", l.name).Msg("link detached")
}

// teardownLocked moves the link to Detached, failing every suspended
// operation with err and settling unsettled deliveries as released.
func (l *link) teardownLocked(err error) {
	if l.state == linkDetached {
		return
	}
	l.state = linkDetached
	l.err = err
	l.failPendingLocked(err)
	if l.tracker != nil {
		l.tracker.drain(Released{})
	}
	l.partial = nil
	close(l.closed)
	select {
	case <-l.detachDone:
	default:
		close(l.detachDone)
	}
}

// failPendingLocked resolves queued and in-flight sender deliveries.
func (l *link) failPendingLocked(err error) {
	for _, sd := range l.pendingSends {
		sd.resolve(nil, err)
	}
	l.pendingSends = nil
	for id, sd := range l.unsettledOut {
		sd.resolve(nil, err)
		delete(l.unsettledOut, id)
		delete(l.session.outgoingUnsettled, id)
	}
}

// applyFlowLocked handles the link-scoped fields of an incoming Flow.
func (l *link) applyFlowLocked(f *Flow) {
	s := l.session
	if l.role == RoleSender {
		if f.LinkCredit != nil {
			var dc uint32
			if f.DeliveryCount != nil {
				dc = *f.DeliveryCount
			}
			// the receiver's view of our transfer limit; wraparound-safe
			limit := dc + *f.LinkCredit
			delta := int32(limit - (l.deliveryCount + l.credit))
			if delta > 0 {
				l.credit += uint32(delta)
				l.drainPendingLocked()
			} else if reduce := uint32(-delta); reduce >= l.credit {
				l.credit = 0
			} else {
				l.credit -= reduce
			}
		}
		if f.Drain {
			// consume all remaining credit and confirm
			l.deliveryCount += l.credit
			l.credit = 0
			s.sendFlowLocked(l, true)
		} else if f.Echo {
			s.sendFlowLocked(l, false)
		}
	} else if f.Echo {
		s.sendFlowLocked(l, false)
	}
}

// drainPendingLocked transmits queued sends, strictly in order, while
// credit remains.
func (l *link) drainPendingLocked() {
	s := l.session
	for len(l.pendingSends) > 0 && l.credit > 0 {
		sd := l.pendingSends[0]
		l.pendingSends = l.pendingSends[1:]
		l.credit--
		l.deliveryCount++
		s.enqueueTransferLocked(l, sd)
	}
	s.flushLocked()
}

// Credit returns the link credit currently available.
func (l *link) Credit() uint32 {
	l.session.mu.Lock()
	defer l.session.mu.Unlock()
	return l.credit
}

// DeliveryCount returns the link's delivery-count (mod 2^32).
func (l *link) DeliveryCount() uint32 {
	l.session.mu.Lock()
	defer l.session.mu.Unlock()
	return l.deliveryCount
}

// Send transfers payload as one delivery and waits for the peer's
// disposition (or for the write itself when the link is sender-settled).
// It suspends while the link has no credit or the session's remote
// incoming window is exhausted, resuming when a Flow grants capacity.
func (l *SenderLink) Send(ctx context.Context, payload []byte) (DeliveryState, error) {
	sd, err := l.startSend(payload, false)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-sd.done:
		return res.state, res.err
	case <-l.session.conn.done:
		return nil, l.session.conn.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TrySend is Send without the credit suspension: it fails with
// ErrInsufficientCredit when no link credit is available.
func (l *SenderLink) TrySend(ctx context.Context, payload []byte) (DeliveryState, error) {
	sd, err := l.startSend(payload, true)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-sd.done:
		return res.state, res.err
	case <-l.session.conn.done:
		return nil, l.session.conn.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *SenderLink) startSend(payload []byte, tryOnly bool) (*sendDelivery, error) {
	s := l.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if l.state != linkAttached {
		return nil, ErrLinkDetached
	}
	tag := uuid.New()
	sd := newSendDelivery(0, tag[:], l.sndMode == SenderSettleModeSettled, &SenderLink{l.link})
	sd.payload = payload
	if l.credit == 0 {
		if tryOnly {
			return nil, ErrInsufficientCredit
		}
		l.pendingSends = append(l.pendingSends, sd)
		logger.Debug().Str("link", l.name).Int("pending", len(l.pendingSends)).Msg("send queued, no credit")
		return sd, nil
	}
	if tryOnly && s.remoteIncomingWindow == 0 {
		// credit alone is not enough: a closed session window would park
		// the transfer in the frame queue
		return nil, ErrInsufficientCredit
	}
	l.credit--
	l.deliveryCount++
	s.enqueueTransferLocked(l.link, sd)
	s.flushLocked()
	return sd, nil
}

// Pending returns the delivery-ids of outgoing deliveries awaiting
// disposition.
func (l *SenderLink) Pending() []uint32 {
	s := l.session
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint32, 0, len(l.unsettledOut))
	for id := range l.unsettledOut {
		ids = append(ids, id)
	}
	return ids
}

// SetCredit grants the sender capacity for n more deliveries and announces
// it with a Flow frame.
func (l *ReceiverLink) SetCredit(n uint32) error {
	s := l.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	if l.state != linkAttached {
		return ErrLinkDetached
	}
	l.credit = n
	return s.sendFlowLocked(l.link, false)
}

// Receive returns the next complete incoming delivery. It suspends until a
// delivery arrives, the link detaches, or ctx is done.
func (l *ReceiverLink) Receive(ctx context.Context) (*Delivery, error) {
	s := l.session
	for {
		s.mu.Lock()
		if len(l.queue) > 0 {
			d := l.queue[0]
			l.queue = l.queue[1:]
			s.mu.Unlock()
			return d, nil
		}
		if l.err != nil {
			err := l.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()
		select {
		case <-l.notify:
		case <-l.closed:
		case <-s.conn.done:
			return nil, s.conn.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Dispose reports the outcome of a received delivery. When settled is
// true the delivery leaves the unsettled table; otherwise the engine waits
// for the sender to settle (receiver-settle-mode second).
func (l *ReceiverLink) Dispose(d *Delivery, state DeliveryState, settled bool) error {
	s := l.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	if d.Settled {
		return ErrDeliverySettled
	}
	if settled {
		if err := l.tracker.settle(d.ID, state); err != nil {
			return err
		}
		delete(s.incomingIndex, d.ID)
	} else {
		if err := l.tracker.update(d.ID, state); err != nil {
			return err
		}
	}
	return s.conn.writeFrame(s.localChannel, &Disposition{
		Role:    RoleReceiver,
		First:   d.ID,
		Settled: settled,
		State:   state,
	})
}

// Unsettled returns the delivery-ids received but not yet settled.
func (l *ReceiverLink) Unsettled() []uint32 {
	s := l.session
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.tracker.pending()
}

// handleTransferLocked applies one incoming Transfer frame to a receiver
// link: credit accounting, multi-frame reassembly, and queueing of
// complete deliveries.
func (l *link) handleTransferLocked(t *Transfer) {
	s := l.session
	if l.partial != nil {
		// continuation of an open multi-frame delivery
		if t.DeliveryID != nil && *t.DeliveryID != l.partial.id {
			s.localEndLocked(errorf(CondInvalidField, "transfer for delivery %d interleaved with incomplete delivery %d", *t.DeliveryID, l.partial.id))
			return
		}
		if len(t.DeliveryTag) != 0 && !bytes.Equal(t.DeliveryTag, l.partial.tag) {
			s.localEndLocked(errorf(CondInvalidField, "continuation changed delivery-tag for delivery %d", l.partial.id))
			return
		}
		if t.Aborted {
			l.partial = nil
			return
		}
		l.partial.buf.Write(t.Payload)
		if !t.More {
			p := l.partial
			l.partial = nil
			l.deliverLocked(p.id, p.tag, p.buf.Bytes(), p.settled)
		}
		return
	}

	if t.DeliveryID == nil {
		s.localEndLocked(errorf(CondInvalidField, "transfer without delivery-id on handle %d", t.Handle))
		return
	}
	id := *t.DeliveryID
	if !s.checkIncomingDeliveryLocked(id) {
		return
	}
	if l.credit == 0 {
		// peer sent beyond granted credit: terminal for this link
		_ = l.localDetachLocked(errorf(CondTransferLimitExceeded, "transfer received with zero link-credit"))
		return
	}
	l.credit--
	l.deliveryCount++
	if t.Aborted {
		return
	}
	settled := t.Settled != nil && *t.Settled
	if t.More {
		l.partial = &partialDelivery{id: id, tag: append([]byte(nil), t.DeliveryTag...), settled: settled}
		l.partial.buf.Write(t.Payload)
		return
	}
	l.deliverLocked(id, t.DeliveryTag, t.Payload, settled)
}

func (l *link) deliverLocked(id uint32, tag, payload []byte, settled bool) {
	s := l.session
	d := &Delivery{
		ID:      id,
		Tag:     append([]byte(nil), tag...),
		Payload: payload,
		Settled: settled,
		link:    &ReceiverLink{l},
	}
	if !settled {
		if _, err := l.tracker.record(id, tag); err != nil {
			s.localEndLocked(errorf(CondInvalidField, "%s", err.Error()))
			return
		}
		s.incomingIndex[id] = l
	}
	l.queue = append(l.queue, d)
	select {
	case l.notify <- struct{}{}:
	default:
	}
}
