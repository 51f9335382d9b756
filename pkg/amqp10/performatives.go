package amqp10

import (
	"fmt"
	"time"
)

// Composite type descriptors from the OASIS AMQP 1.0 specification.
const (
	descOpen        = 0x10
	descBegin       = 0x11
	descAttach      = 0x12
	descFlow        = 0x13
	descTransfer    = 0x14
	descDisposition = 0x15
	descDetach      = 0x16
	descEnd         = 0x17
	descClose       = 0x18

	descError  = 0x1d
	descSource = 0x28
	descTarget = 0x29

	descReceived = 0x23
	descAccepted = 0x24
	descRejected = 0x25
	descReleased = 0x26
	descModified = 0x27

	descSaslMechanisms = 0x40
	descSaslInit       = 0x41
	descSaslChallenge  = 0x42
	descSaslResponse   = 0x43
	descSaslOutcome    = 0x44
)

// Role values carried in Attach/Flow/Disposition frames.
const (
	RoleSender   = false
	RoleReceiver = true
)

// Settlement modes.
const (
	SenderSettleModeUnsettled uint8 = 0
	SenderSettleModeSettled   uint8 = 1
	SenderSettleModeMixed     uint8 = 2

	ReceiverSettleModeFirst  uint8 = 0
	ReceiverSettleModeSecond uint8 = 1
)

// Performative is a typed AMQP protocol message carried in a frame body.
type Performative interface {
	marshal(b *buffer)
}

// Marshal encodes a performative (plus an optional Transfer payload) into a
// frame body.
func Marshal(p Performative) []byte {
	var b buffer
	p.marshal(&b)
	if t, ok := p.(*Transfer); ok {
		b.write(t.Payload)
	}
	return b.bytes()
}

// Unmarshal decodes a frame body into a typed performative. Transfer
// payload bytes trailing the performative are attached to the Transfer.
// Malformed input yields an *Error with condition
// amqp:connection:framing-error.
func Unmarshal(body []byte) (Performative, error) {
	r := reader{b: body}
	v, err := r.readValue()
	if err != nil {
		return nil, &Error{Condition: CondFramingError, Description: err.Error()}
	}
	d, ok := v.(described)
	if !ok {
		return nil, &Error{Condition: CondFramingError, Description: fmt.Sprintf("frame body is %T, not a described type", v)}
	}
	fields, ok := d.value.([]any)
	if !ok {
		return nil, &Error{Condition: CondFramingError, Description: "performative body is not a list"}
	}
	p, err := performativeFor(d.code)
	if err != nil {
		return nil, err
	}
	if err := p.(interface{ unmarshal([]any) error }).unmarshal(fields); err != nil {
		return nil, &Error{Condition: CondFramingError, Description: err.Error()}
	}
	if t, ok := p.(*Transfer); ok && r.remaining() > 0 {
		t.Payload = append([]byte(nil), r.rest()...)
	}
	return p, nil
}

func performativeFor(code uint64) (Performative, error) {
	switch code {
	case descOpen:
		return &Open{}, nil
	case descBegin:
		return &Begin{}, nil
	case descAttach:
		return &Attach{}, nil
	case descFlow:
		return &Flow{}, nil
	case descTransfer:
		return &Transfer{}, nil
	case descDisposition:
		return &Disposition{}, nil
	case descDetach:
		return &Detach{}, nil
	case descEnd:
		return &End{}, nil
	case descClose:
		return &Close{}, nil
	case descSaslMechanisms:
		return &SaslMechanisms{}, nil
	case descSaslInit:
		return &SaslInit{}, nil
	case descSaslChallenge:
		return &SaslChallenge{}, nil
	case descSaslResponse:
		return &SaslResponse{}, nil
	case descSaslOutcome:
		return &SaslOutcome{}, nil
	default:
		return nil, &Error{Condition: CondFramingError, Description: fmt.Sprintf("unknown performative descriptor 0x%02x", code)}
	}
}

// Open negotiates connection-level limits.
type Open struct {
	ContainerID  string
	Hostname     string
	MaxFrameSize uint32 // 0 means unlimited per spec; we always send a bound
	ChannelMax   uint16
	IdleTimeout  time.Duration
}

func (o *Open) marshal(b *buffer) {
	b.writeDescriptor(descOpen)
	var l listWriter
	l.field().writeString(o.ContainerID)
	if o.Hostname != "" {
		l.field().writeString(o.Hostname)
	} else {
		l.field().writeNull()
	}
	l.field().writeUint(o.MaxFrameSize)
	l.field().writeUshort(o.ChannelMax)
	if o.IdleTimeout > 0 {
		l.field().writeUint(uint32(o.IdleTimeout / time.Millisecond))
	} else {
		l.field().writeNull()
	}
	l.writeTo(b)
}

func (o *Open) unmarshal(fields []any) error {
	o.ContainerID = fieldString(fields, 0)
	o.Hostname = fieldString(fields, 1)
	if v, ok := fieldUint(fields, 2); ok {
		o.MaxFrameSize = v
	} else {
		o.MaxFrameSize = 0xffffffff
	}
	if v, ok := fieldUshort(fields, 3); ok {
		o.ChannelMax = v
	} else {
		o.ChannelMax = 0xffff
	}
	if v, ok := fieldUint(fields, 4); ok {
		o.IdleTimeout = time.Duration(v) * time.Millisecond
	}
	return nil
}

// Begin maps a session onto a channel pair.
type Begin struct {
	RemoteChannel  *uint16 // set only when responding to a peer Begin
	NextOutgoingID uint32
	IncomingWindow uint32
	OutgoingWindow uint32
	HandleMax      uint32
}

func (p *Begin) marshal(b *buffer) {
	b.writeDescriptor(descBegin)
	var l listWriter
	if p.RemoteChannel != nil {
		l.field().writeUshort(*p.RemoteChannel)
	} else {
		l.field().writeNull()
	}
	l.field().writeUint(p.NextOutgoingID)
	l.field().writeUint(p.IncomingWindow)
	l.field().writeUint(p.OutgoingWindow)
	if p.HandleMax != 0 {
		l.field().writeUint(p.HandleMax)
	} else {
		l.field().writeNull()
	}
	l.writeTo(b)
}

func (p *Begin) unmarshal(fields []any) error {
	if v, ok := fieldUshort(fields, 0); ok {
		p.RemoteChannel = &v
	}
	p.NextOutgoingID, _ = fieldUint(fields, 1)
	if v, ok := fieldUint(fields, 2); !ok {
		return fmt.Errorf("begin missing incoming-window")
	} else {
		p.IncomingWindow = v
	}
	if v, ok := fieldUint(fields, 3); !ok {
		return fmt.Errorf("begin missing outgoing-window")
	} else {
		p.OutgoingWindow = v
	}
	if v, ok := fieldUint(fields, 4); ok {
		p.HandleMax = v
	} else {
		p.HandleMax = 0xffffffff
	}
	return nil
}

// Source and Target carry the terminus addresses on an Attach. Only the
// address field is interpreted by the engine; dynamic and filter fields are
// application concerns.
type Source struct {
	Address string
}

func (s *Source) marshal(b *buffer) {
	b.writeDescriptor(descSource)
	var l listWriter
	if s.Address != "" {
		l.field().writeString(s.Address)
	} else {
		l.field().writeNull()
	}
	l.writeTo(b)
}

type Target struct {
	Address string
}

func (t *Target) marshal(b *buffer) {
	b.writeDescriptor(descTarget)
	var l listWriter
	if t.Address != "" {
		l.field().writeString(t.Address)
	} else {
		l.field().writeNull()
	}
	l.writeTo(b)
}

// Attach opens a link over a session.
type Attach struct {
	Name                 string
	Handle               uint32
	Role                 bool // RoleSender or RoleReceiver
	SndSettleMode        *uint8
	RcvSettleMode        *uint8
	Source               *Source
	Target               *Target
	InitialDeliveryCount *uint32 // mandatory when Role == RoleSender
}

func (a *Attach) marshal(b *buffer) {
	b.writeDescriptor(descAttach)
	var l listWriter
	l.field().writeString(a.Name)
	l.field().writeUint(a.Handle)
	l.field().writeBool(a.Role)
	if a.SndSettleMode != nil {
		l.field().writeUbyte(*a.SndSettleMode)
	} else {
		l.field().writeNull()
	}
	if a.RcvSettleMode != nil {
		l.field().writeUbyte(*a.RcvSettleMode)
	} else {
		l.field().writeNull()
	}
	if a.Source != nil {
		a.Source.marshal(l.field())
	} else {
		l.field().writeNull()
	}
	if a.Target != nil {
		a.Target.marshal(l.field())
	} else {
		l.field().writeNull()
	}
	l.field().writeNull() // unsettled map: engine resends from scratch
	l.field().writeNull() // incomplete-unsettled
	if a.InitialDeliveryCount != nil {
		l.field().writeUint(*a.InitialDeliveryCount)
	} else {
		l.field().writeNull()
	}
	l.writeTo(b)
}

func (a *Attach) unmarshal(fields []any) error {
	a.Name = fieldString(fields, 0)
	if a.Name == "" {
		return fmt.Errorf("attach missing link name")
	}
	h, ok := fieldUint(fields, 1)
	if !ok {
		return fmt.Errorf("attach missing handle")
	}
	a.Handle = h
	a.Role = fieldBool(fields, 2)
	if v, ok := fieldUbyte(fields, 3); ok {
		a.SndSettleMode = &v
	}
	if v, ok := fieldUbyte(fields, 4); ok {
		a.RcvSettleMode = &v
	}
	if d, ok := fieldDescribed(fields, 5); ok && d.code == descSource {
		if sf, ok := d.value.([]any); ok {
			a.Source = &Source{Address: fieldString(sf, 0)}
		}
	}
	if d, ok := fieldDescribed(fields, 6); ok && d.code == descTarget {
		if tf, ok := d.value.([]any); ok {
			a.Target = &Target{Address: fieldString(tf, 0)}
		}
	}
	if v, ok := fieldUint(fields, 9); ok {
		a.InitialDeliveryCount = &v
	}
	return nil
}

// Flow updates session windows and, when Handle is set, link credit.
type Flow struct {
	NextIncomingID *uint32
	IncomingWindow uint32
	NextOutgoingID uint32
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
}

func (f *Flow) marshal(b *buffer) {
	b.writeDescriptor(descFlow)
	var l listWriter
	if f.NextIncomingID != nil {
		l.field().writeUint(*f.NextIncomingID)
	} else {
		l.field().writeNull()
	}
	l.field().writeUint(f.IncomingWindow)
	l.field().writeUint(f.NextOutgoingID)
	l.field().writeUint(f.OutgoingWindow)
	if f.Handle != nil {
		l.field().writeUint(*f.Handle)
	} else {
		l.field().writeNull()
	}
	if f.DeliveryCount != nil {
		l.field().writeUint(*f.DeliveryCount)
	} else {
		l.field().writeNull()
	}
	if f.LinkCredit != nil {
		l.field().writeUint(*f.LinkCredit)
	} else {
		l.field().writeNull()
	}
	if f.Available != nil {
		l.field().writeUint(*f.Available)
	} else {
		l.field().writeNull()
	}
	l.field().writeBool(f.Drain)
	l.field().writeBool(f.Echo)
	l.writeTo(b)
}

func (f *Flow) unmarshal(fields []any) error {
	if v, ok := fieldUint(fields, 0); ok {
		f.NextIncomingID = &v
	}
	if v, ok := fieldUint(fields, 1); !ok {
		return fmt.Errorf("flow missing incoming-window")
	} else {
		f.IncomingWindow = v
	}
	if v, ok := fieldUint(fields, 2); !ok {
		return fmt.Errorf("flow missing next-outgoing-id")
	} else {
		f.NextOutgoingID = v
	}
	if v, ok := fieldUint(fields, 3); !ok {
		return fmt.Errorf("flow missing outgoing-window")
	} else {
		f.OutgoingWindow = v
	}
	if v, ok := fieldUint(fields, 4); ok {
		f.Handle = &v
	}
	if v, ok := fieldUint(fields, 5); ok {
		f.DeliveryCount = &v
	}
	if v, ok := fieldUint(fields, 6); ok {
		f.LinkCredit = &v
	}
	if v, ok := fieldUint(fields, 7); ok {
		f.Available = &v
	}
	f.Drain = fieldBool(fields, 8)
	f.Echo = fieldBool(fields, 9)
	return nil
}

// Transfer carries (part of) one delivery. Payload is the frame payload
// following the performative, not a list field.
type Transfer struct {
	Handle        uint32
	DeliveryID    *uint32 // set on the first frame of a delivery
	DeliveryTag   []byte
	MessageFormat *uint32
	Settled       *bool
	More          bool
	State         DeliveryState
	Aborted       bool
	Payload       []byte
}

func (t *Transfer) marshal(b *buffer) {
	b.writeDescriptor(descTransfer)
	var l listWriter
	l.field().writeUint(t.Handle)
	if t.DeliveryID != nil {
		l.field().writeUint(*t.DeliveryID)
	} else {
		l.field().writeNull()
	}
	if t.DeliveryTag != nil {
		l.field().writeBinary(t.DeliveryTag)
	} else {
		l.field().writeNull()
	}
	if t.MessageFormat != nil {
		l.field().writeUint(*t.MessageFormat)
	} else {
		l.field().writeNull()
	}
	if t.Settled != nil {
		l.field().writeBool(*t.Settled)
	} else {
		l.field().writeNull()
	}
	l.field().writeBool(t.More)
	l.field().writeNull() // rcv-settle-mode
	if t.State != nil {
		t.State.marshal(l.field())
	} else {
		l.field().writeNull()
	}
	l.field().writeNull() // resume
	l.field().writeBool(t.Aborted)
	l.writeTo(b)
}

func (t *Transfer) unmarshal(fields []any) error {
	h, ok := fieldUint(fields, 0)
	if !ok {
		return fmt.Errorf("transfer missing handle")
	}
	t.Handle = h
	if v, ok := fieldUint(fields, 1); ok {
		t.DeliveryID = &v
	}
	if v := fieldBinary(fields, 2); v != nil {
		t.DeliveryTag = v
	}
	if v, ok := fieldUint(fields, 3); ok {
		t.MessageFormat = &v
	}
	if v, ok := fieldAt(fields, 4).(bool); ok {
		t.Settled = &v
	}
	t.More = fieldBool(fields, 5)
	if d, ok := fieldDescribed(fields, 7); ok {
		t.State, _ = deliveryStateFor(d)
	}
	t.Aborted = fieldBool(fields, 9)
	return nil
}

// Disposition settles (or updates the state of) a contiguous range of
// delivery-ids.
type Disposition struct {
	Role    bool
	First   uint32
	Last    *uint32
	Settled bool
	State   DeliveryState
}

func (d *Disposition) marshal(b *buffer) {
	b.writeDescriptor(descDisposition)
	var l listWriter
	l.field().writeBool(d.Role)
	l.field().writeUint(d.First)
	if d.Last != nil {
		l.field().writeUint(*d.Last)
	} else {
		l.field().writeNull()
	}
	l.field().writeBool(d.Settled)
	if d.State != nil {
		d.State.marshal(l.field())
	} else {
		l.field().writeNull()
	}
	l.writeTo(b)
}

func (d *Disposition) unmarshal(fields []any) error {
	d.Role = fieldBool(fields, 0)
	f, ok := fieldUint(fields, 1)
	if !ok {
		return fmt.Errorf("disposition missing first")
	}
	d.First = f
	if v, ok := fieldUint(fields, 2); ok {
		d.Last = &v
	}
	d.Settled = fieldBool(fields, 3)
	if ds, ok := fieldDescribed(fields, 4); ok {
		d.State, _ = deliveryStateFor(ds)
	}
	return nil
}

// Detach closes one direction of a link.
type Detach struct {
	Handle uint32
	Closed bool
	Error  *Error
}

func (d *Detach) marshal(b *buffer) {
	b.writeDescriptor(descDetach)
	var l listWriter
	l.field().writeUint(d.Handle)
	l.field().writeBool(d.Closed)
	if d.Error != nil {
		d.Error.marshal(l.field())
	} else {
		l.field().writeNull()
	}
	l.writeTo(b)
}

func (d *Detach) unmarshal(fields []any) error {
	h, ok := fieldUint(fields, 0)
	if !ok {
		return fmt.Errorf("detach missing handle")
	}
	d.Handle = h
	d.Closed = fieldBool(fields, 1)
	d.Error = errorFromField(fields, 2)
	return nil
}

// End unmaps a session.
type End struct {
	Error *Error
}

func (e *End) marshal(b *buffer) {
	b.writeDescriptor(descEnd)
	var l listWriter
	if e.Error != nil {
		e.Error.marshal(l.field())
	} else {
		l.field().writeNull()
	}
	l.writeTo(b)
}

func (e *End) unmarshal(fields []any) error {
	e.Error = errorFromField(fields, 0)
	return nil
}

// Close shuts the connection down.
type Close struct {
	Error *Error
}

func (c *Close) marshal(b *buffer) {
	b.writeDescriptor(descClose)
	var l listWriter
	if c.Error != nil {
		c.Error.marshal(l.field())
	} else {
		l.field().writeNull()
	}
	l.writeTo(b)
}

func (c *Close) unmarshal(fields []any) error {
	c.Error = errorFromField(fields, 0)
	return nil
}

func errorFromField(fields []any, i int) *Error {
	d, ok := fieldDescribed(fields, i)
	if !ok || d.code != descError {
		return nil
	}
	ef, ok := d.value.([]any)
	if !ok {
		return nil
	}
	return &Error{
		Condition:   string(fieldSymbol(ef, 0)),
		Description: fieldString(ef, 1),
	}
}

// DeliveryState is a delivery outcome (or the non-terminal received state)
// carried in Transfer and Disposition frames.
type DeliveryState interface {
	marshal(b *buffer)
	stateName() string
}

type Accepted struct{}

func (Accepted) marshal(b *buffer) {
	b.writeDescriptor(descAccepted)
	var l listWriter
	l.writeTo(b)
}
func (Accepted) stateName() string { return "accepted" }

type Rejected struct {
	Error *Error
}

func (r *Rejected) marshal(b *buffer) {
	b.writeDescriptor(descRejected)
	var l listWriter
	if r.Error != nil {
		r.Error.marshal(l.field())
	} else {
		l.field().writeNull()
	}
	l.writeTo(b)
}
func (*Rejected) stateName() string { return "rejected" }

type Released struct{}

func (Released) marshal(b *buffer) {
	b.writeDescriptor(descReleased)
	var l listWriter
	l.writeTo(b)
}
func (Released) stateName() string { return "released" }

type Modified struct {
	DeliveryFailed    bool
	UndeliverableHere bool
}

func (m *Modified) marshal(b *buffer) {
	b.writeDescriptor(descModified)
	var l listWriter
	l.field().writeBool(m.DeliveryFailed)
	l.field().writeBool(m.UndeliverableHere)
	l.writeTo(b)
}
func (*Modified) stateName() string { return "modified" }

func deliveryStateFor(d described) (DeliveryState, error) {
	fields, _ := d.value.([]any)
	switch d.code {
	case descAccepted:
		return Accepted{}, nil
	case descRejected:
		return &Rejected{Error: errorFromField(fields, 0)}, nil
	case descReleased:
		return Released{}, nil
	case descModified:
		return &Modified{DeliveryFailed: fieldBool(fields, 0), UndeliverableHere: fieldBool(fields, 1)}, nil
	case descReceived:
		// non-terminal; the engine treats it as no outcome yet
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown delivery state 0x%02x", d.code)
	}
}

// SASL frames.

type SaslMechanisms struct {
	Mechanisms []symbol
}

func (s *SaslMechanisms) marshal(b *buffer) {
	b.writeDescriptor(descSaslMechanisms)
	var l listWriter
	if len(s.Mechanisms) == 1 {
		l.field().writeSymbol(s.Mechanisms[0])
	} else {
		l.field().writeSymbolArray(s.Mechanisms)
	}
	l.writeTo(b)
}

func (s *SaslMechanisms) unmarshal(fields []any) error {
	switch v := fieldAt(fields, 0).(type) {
	case symbol:
		s.Mechanisms = []symbol{v}
	case []any:
		for _, m := range v {
			if sym, ok := m.(symbol); ok {
				s.Mechanisms = append(s.Mechanisms, sym)
			}
		}
	default:
		return fmt.Errorf("sasl-mechanisms missing mechanism list")
	}
	return nil
}

type SaslInit struct {
	Mechanism       symbol
	InitialResponse []byte
	Hostname        string
}

func (s *SaslInit) marshal(b *buffer) {
	b.writeDescriptor(descSaslInit)
	var l listWriter
	l.field().writeSymbol(s.Mechanism)
	if s.InitialResponse != nil {
		l.field().writeBinary(s.InitialResponse)
	} else {
		l.field().writeNull()
	}
	if s.Hostname != "" {
		l.field().writeString(s.Hostname)
	} else {
		l.field().writeNull()
	}
	l.writeTo(b)
}

func (s *SaslInit) unmarshal(fields []any) error {
	s.Mechanism = fieldSymbol(fields, 0)
	if s.Mechanism == "" {
		return fmt.Errorf("sasl-init missing mechanism")
	}
	s.InitialResponse = fieldBinary(fields, 1)
	s.Hostname = fieldString(fields, 2)
	return nil
}

type SaslChallenge struct {
	Challenge []byte
}

func (s *SaslChallenge) marshal(b *buffer) {
	b.writeDescriptor(descSaslChallenge)
	var l listWriter
	l.field().writeBinary(s.Challenge)
	l.writeTo(b)
}

func (s *SaslChallenge) unmarshal(fields []any) error {
	s.Challenge = fieldBinary(fields, 0)
	return nil
}

type SaslResponse struct {
	Response []byte
}

func (s *SaslResponse) marshal(b *buffer) {
	b.writeDescriptor(descSaslResponse)
	var l listWriter
	l.field().writeBinary(s.Response)
	l.writeTo(b)
}

func (s *SaslResponse) unmarshal(fields []any) error {
	s.Response = fieldBinary(fields, 0)
	return nil
}

// SASL outcome codes.
const (
	SaslCodeOK      uint8 = 0
	SaslCodeAuth    uint8 = 1
	SaslCodeSys     uint8 = 2
	SaslCodeSysPerm uint8 = 3
	SaslCodeSysTemp uint8 = 4
)

type SaslOutcome struct {
	Code           uint8
	AdditionalData []byte
}

func (s *SaslOutcome) marshal(b *buffer) {
	b.writeDescriptor(descSaslOutcome)
	var l listWriter
	l.field().writeUbyte(s.Code)
	if s.AdditionalData != nil {
		l.field().writeBinary(s.AdditionalData)
	} else {
		l.field().writeNull()
	}
	l.writeTo(b)
}

func (s *SaslOutcome) unmarshal(fields []any) error {
	code, ok := fieldUbyte(fields, 0)
	if !ok {
		return fmt.Errorf("sasl-outcome missing code")
	}
	s.Code = code
	s.AdditionalData = fieldBinary(fields, 1)
	return nil
}
