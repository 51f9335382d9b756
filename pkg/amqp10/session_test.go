package amqp10

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// A peer End carrying an error cascades to every link: blocked operations
// resolve with a detach wrapping the same condition.
func TestSessionEndCascadesToLinks(t *testing.T) {
	c, p := dialPair(t, Config{}, Open{})
	s := beginSession(t, c, p, 100)
	rl, _ := attachTestReceiver(t, s, p, "r1")
	setCredit(t, rl, p, 1)

	recv := make(chan error, 1)
	go func() {
		_, err := rl.Receive(context.Background())
		recv <- err
	}()

	p.write(0, &End{Error: &Error{Condition: CondWindowViolation, Description: "window burst"}})
	pf, _ := p.readPerf()
	if _, ok := pf.(*End); !ok {
		t.Fatalf("expected end reply, got %T", pf)
	}

	err := <-recv
	require.ErrorIs(t, err, ErrLinkDetached)
	var derr *DetachError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, CondWindowViolation, derr.RemoteErr.Condition, "link failure carries the session's condition")

	// the session is terminal for new work
	_, err = s.AttachSender(context.Background(), "late", "q")
	require.Error(t, err)
	require.NoError(t, s.End(context.Background(), nil), "ending an ended session is a no-op")
}

// An out-of-sequence delivery-id is a session-fatal violation.
func TestDeliveryIDGapEndsSession(t *testing.T) {
	c, p := dialPair(t, Config{}, Open{})
	s := beginSession(t, c, p, 100)
	rl, _ := attachTestReceiver(t, s, p, "r1")
	setCredit(t, rl, p, 5)

	id := uint32(7) // expected 0
	settled := true
	p.write(0, &Transfer{Handle: 0, DeliveryID: &id, DeliveryTag: []byte("t"), Settled: &settled, Payload: []byte("x")})

	pf, _ := p.readPerf()
	e, ok := pf.(*End)
	if !ok {
		t.Fatalf("expected end, got %T", pf)
	}
	require.NotNil(t, e.Error)
	require.Equal(t, CondInvalidField, e.Error.Condition)
	_ = s
}

// A transfer without a delivery-id on a fresh delivery is rejected.
func TestTransferMissingDeliveryIDEndsSession(t *testing.T) {
	c, p := dialPair(t, Config{}, Open{})
	s := beginSession(t, c, p, 100)
	rl, _ := attachTestReceiver(t, s, p, "r1")
	setCredit(t, rl, p, 5)

	p.write(0, &Transfer{Handle: 0, DeliveryTag: []byte("t"), Payload: []byte("x")})
	pf, _ := p.readPerf()
	e, ok := pf.(*End)
	if !ok {
		t.Fatalf("expected end, got %T", pf)
	}
	require.Equal(t, CondInvalidField, e.Error.Condition)
	_ = s
}

// Frames for handles that were never attached end the session with
// amqp:session:unattached-handle.
func TestUnattachedHandleEndsSession(t *testing.T) {
	c, p := dialPair(t, Config{}, Open{})
	s := beginSession(t, c, p, 100)

	id := uint32(0)
	p.write(0, &Transfer{Handle: 9, DeliveryID: &id, Payload: []byte("x")})
	pf, _ := p.readPerf()
	e, ok := pf.(*End)
	if !ok {
		t.Fatalf("expected end, got %T", pf)
	}
	require.Equal(t, CondUnattachedHandle, e.Error.Condition)
	_ = s
}

// A second Attach for an already-attached link name is treated as errant.
func TestDuplicateAttachEndsSession(t *testing.T) {
	c, p := dialPair(t, Config{}, Open{})
	s := beginSession(t, c, p, 100)
	_, _ = attachTestSender(t, s, p, "s1")

	p.write(0, &Attach{Name: "s1", Handle: 5, Role: RoleReceiver})
	pf, _ := p.readPerf()
	e, ok := pf.(*End)
	if !ok {
		t.Fatalf("expected end, got %T", pf)
	}
	require.Equal(t, CondErrantLink, e.Error.Condition)
}

// Link names are unique within a session on the local side too.
func TestAttachRejectsDuplicateName(t *testing.T) {
	c, p := dialPair(t, Config{}, Open{})
	s := beginSession(t, c, p, 100)
	_, _ = attachTestSender(t, s, p, "dup")

	_, err := s.AttachSender(context.Background(), "dup", "q")
	require.Error(t, err)
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	require.Equal(t, CondNotAllowed, aerr.Condition)
}

// A clean End exchange unmaps the session and frees its channel.
func TestSessionEndExchange(t *testing.T) {
	c, p := dialPair(t, Config{}, Open{})
	s := beginSession(t, c, p, 100)

	done := make(chan error, 1)
	go func() { done <- s.End(context.Background(), nil) }()
	pf, _ := p.readPerf()
	e, ok := pf.(*End)
	if !ok {
		t.Fatalf("expected end, got %T", pf)
	}
	require.Nil(t, e.Error)
	p.write(0, &End{})
	require.NoError(t, <-done)

	// channel is reusable for a fresh session
	s2 := beginSession(t, c, p, 100)
	require.Equal(t, s.LocalChannel(), s2.LocalChannel())
}

// A disposition whose range ends before it starts is rejected instead of
// being walked id by id.
func TestDispositionInvertedRangeEndsSession(t *testing.T) {
	c, p := dialPair(t, Config{}, Open{})
	s := beginSession(t, c, p, 100)
	_, _ = attachTestSender(t, s, p, "s1")

	last := uint32(0)
	p.write(0, &Disposition{Role: RoleReceiver, First: 1, Last: &last, Settled: true, State: Accepted{}})
	pf, _ := p.readPerf()
	e, ok := pf.(*End)
	if !ok {
		t.Fatalf("expected end, got %T", pf)
	}
	require.NotNil(t, e.Error)
	require.Equal(t, CondInvalidField, e.Error.Condition)
}

// An incoming Flow with echo set is answered with our windows.
func TestFlowEcho(t *testing.T) {
	c, p := dialPair(t, Config{WindowSize: 64}, Open{})
	s := beginSession(t, c, p, 100)

	nid := uint32(0)
	p.write(0, &Flow{NextIncomingID: &nid, IncomingWindow: 100, NextOutgoingID: 0, OutgoingWindow: 100, Echo: true})
	pf, _ := p.readPerf()
	f, ok := pf.(*Flow)
	if !ok {
		t.Fatalf("expected flow answer, got %T", pf)
	}
	require.Equal(t, uint32(64), f.IncomingWindow)
	require.False(t, f.Echo)
	_ = s
}
