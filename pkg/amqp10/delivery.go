package amqp10

import (
	"bytes"
	"fmt"
)

// Delivery is one complete incoming message transfer, handed to the
// application after reassembly. Partial (more=true) and aborted deliveries
// never surface here.
type Delivery struct {
	ID      uint32
	Tag     []byte
	Payload []byte
	// Settled is true when the sender transferred pre-settled; no
	// disposition is expected for such a delivery.
	Settled bool

	link *ReceiverLink
}

// Accept settles the delivery with the accepted outcome.
func (d *Delivery) Accept() error { return d.link.Dispose(d, Accepted{}, true) }

// Reject settles the delivery with the rejected outcome.
func (d *Delivery) Reject(err *Error) error {
	return d.link.Dispose(d, &Rejected{Error: err}, true)
}

// Release settles the delivery with the released outcome; the peer may
// redeliver it.
func (d *Delivery) Release() error { return d.link.Dispose(d, Released{}, true) }

// trackedDelivery is an unsettled incoming delivery awaiting disposition.
type trackedDelivery struct {
	id      uint32
	tag     []byte
	state   DeliveryState
	settled bool
}

// deliveryTracker is the per-link table of in-flight unsettled deliveries,
// keyed by delivery-id. Entries leave the table when settlement is sent or
// received.
type deliveryTracker struct {
	entries map[uint32]*trackedDelivery
	order   []uint32
}

func newDeliveryTracker() *deliveryTracker {
	return &deliveryTracker{entries: make(map[uint32]*trackedDelivery)}
}

func (t *deliveryTracker) record(id uint32, tag []byte) (*trackedDelivery, error) {
	if _, ok := t.entries[id]; ok {
		return nil, fmt.Errorf("delivery-id %d already tracked", id)
	}
	d := &trackedDelivery{id: id, tag: append([]byte(nil), tag...)}
	t.entries[id] = d
	t.order = append(t.order, id)
	return d, nil
}

// update records a non-settling state change (receiver-settle-mode
// second: the outcome is sent but the entry stays until the sender
// settles).
func (t *deliveryTracker) update(id uint32, state DeliveryState) error {
	d, ok := t.entries[id]
	if !ok || d.settled {
		return ErrDeliverySettled
	}
	d.state = state
	return nil
}

// settle marks the delivery with its final outcome and removes it.
// Settling an unknown or already-settled delivery returns
// ErrDeliverySettled and changes nothing.
func (t *deliveryTracker) settle(id uint32, state DeliveryState) error {
	d, ok := t.entries[id]
	if !ok || d.settled {
		return ErrDeliverySettled
	}
	d.state = state
	d.settled = true
	delete(t.entries, id)
	return nil
}

// pending returns the unsettled delivery-ids in arrival order.
func (t *deliveryTracker) pending() []uint32 {
	ids := make([]uint32, 0, len(t.entries))
	for _, id := range t.order {
		if _, ok := t.entries[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *deliveryTracker) len() int { return len(t.entries) }

// drain settles every pending entry with a synthetic outcome. Used on
// link/session loss: unsettled deliveries resolve as released/indeterminate
// so the application is prepared for redelivery.
func (t *deliveryTracker) drain(state DeliveryState) {
	for _, d := range t.entries {
		d.state = state
		d.settled = true
	}
	t.entries = make(map[uint32]*trackedDelivery)
	t.order = nil
}

// sendDelivery is an outgoing in-flight delivery: the promise resolved by
// the peer's Disposition (or immediately for pre-settled sends).
type sendDelivery struct {
	id      uint32
	tag     []byte
	settled bool
	link    *SenderLink
	done    chan sendResult
	// payload is held only while the send is queued waiting for credit;
	// it is released once the transfer frames are built.
	payload []byte
}

type sendResult struct {
	state DeliveryState
	err   error
}

func newSendDelivery(id uint32, tag []byte, settled bool, link *SenderLink) *sendDelivery {
	return &sendDelivery{
		id:      id,
		tag:     tag,
		settled: settled,
		link:    link,
		done:    make(chan sendResult, 1),
	}
}

// resolve completes the promise once; later resolutions are dropped.
func (d *sendDelivery) resolve(state DeliveryState, err error) {
	select {
	case d.done <- sendResult{state: state, err: err}:
	default:
	}
}

// partialDelivery buffers a multi-frame transfer until the final frame
// (more=false) arrives. Aborted deliveries discard the buffer.
type partialDelivery struct {
	id      uint32
	tag     []byte
	settled bool
	buf     bytes.Buffer
}
