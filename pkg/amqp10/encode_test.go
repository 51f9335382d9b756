package amqp10

import (
	"bytes"
	"reflect"
	"testing"
	"time"
)

func roundtrip(t *testing.T, p Performative) Performative {
	t.Helper()
	body := Marshal(p)
	got, err := Unmarshal(body)
	if err != nil {
		t.Fatalf("unmarshal %T failed: %v", p, err)
	}
	return got
}

func TestOpenRoundtrip(t *testing.T) {
	in := &Open{
		ContainerID:  "container-1",
		Hostname:     "broker.example",
		MaxFrameSize: 65536,
		ChannelMax:   31,
		IdleTimeout:  30 * time.Second,
	}
	got := roundtrip(t, in).(*Open)
	if !reflect.DeepEqual(in, got) {
		t.Fatalf("open mismatch: want=%+v got=%+v", in, got)
	}
}

func TestBeginRoundtrip(t *testing.T) {
	rc := uint16(7)
	in := &Begin{
		RemoteChannel:  &rc,
		NextOutgoingID: 42,
		IncomingWindow: 5000,
		OutgoingWindow: 5000,
		HandleMax:      255,
	}
	got := roundtrip(t, in).(*Begin)
	if got.RemoteChannel == nil || *got.RemoteChannel != 7 {
		t.Fatalf("remote-channel lost: %+v", got)
	}
	if got.NextOutgoingID != 42 || got.IncomingWindow != 5000 || got.OutgoingWindow != 5000 || got.HandleMax != 255 {
		t.Fatalf("begin mismatch: %+v", got)
	}
}

func TestAttachRoundtrip(t *testing.T) {
	snd := SenderSettleModeSettled
	rcv := ReceiverSettleModeFirst
	idc := uint32(12)
	in := &Attach{
		Name:                 "link-a",
		Handle:               3,
		Role:                 RoleSender,
		SndSettleMode:        &snd,
		RcvSettleMode:        &rcv,
		Source:               &Source{Address: "queue-in"},
		Target:               &Target{Address: "queue-out"},
		InitialDeliveryCount: &idc,
	}
	got := roundtrip(t, in).(*Attach)
	if got.Name != "link-a" || got.Handle != 3 || got.Role != RoleSender {
		t.Fatalf("attach mismatch: %+v", got)
	}
	if got.SndSettleMode == nil || *got.SndSettleMode != snd {
		t.Fatalf("snd-settle-mode lost: %+v", got)
	}
	if got.Source == nil || got.Source.Address != "queue-in" {
		t.Fatalf("source lost: %+v", got.Source)
	}
	if got.Target == nil || got.Target.Address != "queue-out" {
		t.Fatalf("target lost: %+v", got.Target)
	}
	if got.InitialDeliveryCount == nil || *got.InitialDeliveryCount != 12 {
		t.Fatalf("initial-delivery-count lost: %+v", got)
	}
}

func TestFlowRoundtrip(t *testing.T) {
	nid := uint32(10)
	h := uint32(2)
	dc := uint32(5)
	credit := uint32(50)
	in := &Flow{
		NextIncomingID: &nid,
		IncomingWindow: 100,
		NextOutgoingID: 20,
		OutgoingWindow: 100,
		Handle:         &h,
		DeliveryCount:  &dc,
		LinkCredit:     &credit,
		Drain:          true,
		Echo:           true,
	}
	got := roundtrip(t, in).(*Flow)
	if got.NextIncomingID == nil || *got.NextIncomingID != 10 {
		t.Fatalf("next-incoming-id lost: %+v", got)
	}
	if got.Handle == nil || *got.Handle != 2 || got.DeliveryCount == nil || *got.DeliveryCount != 5 {
		t.Fatalf("link fields lost: %+v", got)
	}
	if got.LinkCredit == nil || *got.LinkCredit != 50 || !got.Drain || !got.Echo {
		t.Fatalf("flow mismatch: %+v", got)
	}
}

func TestTransferRoundtrip(t *testing.T) {
	id := uint32(9)
	mf := uint32(0)
	settled := false
	in := &Transfer{
		Handle:        1,
		DeliveryID:    &id,
		DeliveryTag:   []byte("tag-9"),
		MessageFormat: &mf,
		Settled:       &settled,
		More:          true,
		Payload:       []byte("chunk of body"),
	}
	got := roundtrip(t, in).(*Transfer)
	if got.DeliveryID == nil || *got.DeliveryID != 9 {
		t.Fatalf("delivery-id lost: %+v", got)
	}
	if !bytes.Equal(got.DeliveryTag, []byte("tag-9")) {
		t.Fatalf("tag mismatch: %q", got.DeliveryTag)
	}
	if got.Settled == nil || *got.Settled {
		t.Fatalf("settled mismatch: %+v", got)
	}
	if !got.More {
		t.Fatal("more flag lost")
	}
	if !bytes.Equal(got.Payload, []byte("chunk of body")) {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}
}

func TestTransferContinuationOmitsDeliveryFields(t *testing.T) {
	// continuation frames carry only handle, more and payload
	in := &Transfer{Handle: 4, More: false, Payload: []byte("tail")}
	got := roundtrip(t, in).(*Transfer)
	if got.DeliveryID != nil || got.DeliveryTag != nil {
		t.Fatalf("unexpected delivery fields on continuation: %+v", got)
	}
	if !bytes.Equal(got.Payload, []byte("tail")) {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}
}

func TestDispositionRoundtrip(t *testing.T) {
	last := uint32(8)
	in := &Disposition{Role: RoleReceiver, First: 5, Last: &last, Settled: true, State: Accepted{}}
	got := roundtrip(t, in).(*Disposition)
	if got.Role != RoleReceiver || got.First != 5 || got.Last == nil || *got.Last != 8 || !got.Settled {
		t.Fatalf("disposition mismatch: %+v", got)
	}
	if _, ok := got.State.(Accepted); !ok {
		t.Fatalf("state is %T, want Accepted", got.State)
	}
}

func TestDeliveryStates(t *testing.T) {
	in := &Disposition{Role: RoleReceiver, First: 0, State: &Rejected{Error: &Error{Condition: CondInternalError, Description: "boom"}}}
	got := roundtrip(t, in).(*Disposition)
	rej, ok := got.State.(*Rejected)
	if !ok {
		t.Fatalf("state is %T, want *Rejected", got.State)
	}
	if rej.Error == nil || rej.Error.Condition != CondInternalError || rej.Error.Description != "boom" {
		t.Fatalf("rejected error mismatch: %+v", rej.Error)
	}

	in.State = &Modified{DeliveryFailed: true, UndeliverableHere: true}
	got = roundtrip(t, in).(*Disposition)
	mod, ok := got.State.(*Modified)
	if !ok || !mod.DeliveryFailed || !mod.UndeliverableHere {
		t.Fatalf("modified mismatch: %+v", got.State)
	}
}

func TestDetachEndCloseCarryError(t *testing.T) {
	d := roundtrip(t, &Detach{Handle: 2, Closed: true, Error: &Error{Condition: CondDetachForced, Description: "go away"}}).(*Detach)
	if d.Handle != 2 || !d.Closed || d.Error == nil || d.Error.Condition != CondDetachForced {
		t.Fatalf("detach mismatch: %+v", d)
	}
	e := roundtrip(t, &End{Error: &Error{Condition: CondWindowViolation}}).(*End)
	if e.Error == nil || e.Error.Condition != CondWindowViolation {
		t.Fatalf("end mismatch: %+v", e)
	}
	c := roundtrip(t, &Close{Error: &Error{Condition: CondConnectionForced, Description: "shutdown"}}).(*Close)
	if c.Error == nil || c.Error.Condition != CondConnectionForced || c.Error.Description != "shutdown" {
		t.Fatalf("close mismatch: %+v", c)
	}
	if c2 := roundtrip(t, &Close{}).(*Close); c2.Error != nil {
		t.Fatalf("clean close grew an error: %+v", c2.Error)
	}
}

func TestSaslRoundtrip(t *testing.T) {
	m := roundtrip(t, &SaslMechanisms{Mechanisms: []symbol{"PLAIN", "ANONYMOUS"}}).(*SaslMechanisms)
	if len(m.Mechanisms) != 2 || m.Mechanisms[0] != "PLAIN" || m.Mechanisms[1] != "ANONYMOUS" {
		t.Fatalf("mechanisms mismatch: %+v", m.Mechanisms)
	}
	single := roundtrip(t, &SaslMechanisms{Mechanisms: []symbol{"PLAIN"}}).(*SaslMechanisms)
	if len(single.Mechanisms) != 1 || single.Mechanisms[0] != "PLAIN" {
		t.Fatalf("single mechanism mismatch: %+v", single.Mechanisms)
	}

	init := roundtrip(t, &SaslInit{Mechanism: "PLAIN", InitialResponse: []byte("\x00user\x00pass"), Hostname: "h"}).(*SaslInit)
	if init.Mechanism != "PLAIN" || !bytes.Equal(init.InitialResponse, []byte("\x00user\x00pass")) || init.Hostname != "h" {
		t.Fatalf("sasl-init mismatch: %+v", init)
	}

	out := roundtrip(t, &SaslOutcome{Code: SaslCodeAuth}).(*SaslOutcome)
	if out.Code != SaslCodeAuth {
		t.Fatalf("sasl-outcome mismatch: %+v", out)
	}
}

func TestListWriterTrimsTrailingNulls(t *testing.T) {
	// a Close with no error encodes as an empty list
	body := Marshal(&Close{})
	want := []byte{ctorDescribed, ctorSmallUlong, descClose, ctorList0}
	if !bytes.Equal(body, want) {
		t.Fatalf("close encoding: want=%x got=%x", want, body)
	}
}

func TestUintEncodingWidths(t *testing.T) {
	cases := []struct {
		v    uint32
		want []byte
	}{
		{0, []byte{ctorUint0}},
		{7, []byte{ctorSmallUint, 7}},
		{255, []byte{ctorSmallUint, 255}},
		{256, []byte{ctorUint, 0, 0, 1, 0}},
	}
	for _, c := range cases {
		var b buffer
		b.writeUint(c.v)
		if !bytes.Equal(b.bytes(), c.want) {
			t.Fatalf("uint %d: want=%x got=%x", c.v, c.want, b.bytes())
		}
		r := reader{b: b.bytes()}
		got, err := r.readValue()
		if err != nil {
			t.Fatalf("uint %d decode: %v", c.v, err)
		}
		if got.(uint32) != c.v {
			t.Fatalf("uint %d decoded as %v", c.v, got)
		}
	}
}

func TestUnmarshalMalformed(t *testing.T) {
	cases := [][]byte{
		{},
		{ctorDescribed},
		{ctorDescribed, ctorSmallUlong, 0x99, ctorList0},
		{ctorUint0},
		{ctorList8, 2, 1},
	}
	for i, body := range cases {
		if _, err := Unmarshal(body); err == nil {
			t.Fatalf("case %d: malformed body accepted", i)
		} else if aerr, ok := err.(*Error); !ok || aerr.Condition != CondFramingError {
			t.Fatalf("case %d: want framing-error, got %v", i, err)
		}
	}
}
