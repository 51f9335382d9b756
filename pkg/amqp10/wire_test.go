package amqp10

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

// peer drives the remote end of a connection from the test goroutine,
// speaking raw frames while the engine under test runs on the other side
// of a net.Pipe.
type peer struct {
	t  *testing.T
	nc net.Conn
}

func (p *peer) write(channel uint16, pf Performative) {
	p.t.Helper()
	if err := WriteFrame(p.nc, Frame{Type: frameTypeAMQP, Channel: channel, Body: Marshal(pf)}); err != nil {
		p.t.Fatalf("peer write %T: %v", pf, err)
	}
}

// readPerf returns the next non-empty frame's performative.
func (p *peer) readPerf() (Performative, uint16) {
	p.t.Helper()
	for {
		p.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
		f, err := ReadFrame(p.nc, 0)
		if err != nil {
			p.t.Fatalf("peer read: %v", err)
		}
		if len(f.Body) == 0 {
			continue
		}
		pf, err := Unmarshal(f.Body)
		if err != nil {
			p.t.Fatalf("peer unmarshal: %v", err)
		}
		return pf, f.Channel
	}
}

// expectSilence fails if the engine emits anything within d.
func (p *peer) expectSilence(d time.Duration) {
	p.t.Helper()
	p.nc.SetReadDeadline(time.Now().Add(d))
	var b [1]byte
	if _, err := p.nc.Read(b[:]); err == nil {
		p.t.Fatal("unexpected traffic from engine")
	} else if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		p.t.Fatalf("unexpected read error: %v", err)
	}
	p.nc.SetReadDeadline(time.Time{})
}

// dialPair starts a client engine against a scripted peer and completes the
// header/Open exchange. peerOpen customizes the peer's Open frame.
func dialPair(t *testing.T, cfg Config, peerOpen Open) (*Conn, *peer) {
	t.Helper()
	cc, pc := net.Pipe()
	t.Cleanup(func() {
		cc.Close()
		pc.Close()
	})

	type res struct {
		c   *Conn
		err error
	}
	ch := make(chan res, 1)
	go func() {
		c, err := NewConn(context.Background(), cc, cfg)
		ch <- res{c, err}
	}()

	p := &peer{t: t, nc: pc}
	var hdr [8]byte
	if _, err := io.ReadFull(pc, hdr[:]); err != nil {
		t.Fatalf("peer read header: %v", err)
	}
	if hdr != protoHeaderAMQP {
		t.Fatalf("unexpected client header %x", hdr)
	}
	if _, err := pc.Write(protoHeaderAMQP[:]); err != nil {
		t.Fatalf("peer write header: %v", err)
	}
	pf, _ := p.readPerf()
	if _, ok := pf.(*Open); !ok {
		t.Fatalf("expected client open, got %T", pf)
	}
	if peerOpen.ContainerID == "" {
		peerOpen.ContainerID = "peer"
	}
	if peerOpen.MaxFrameSize == 0 {
		peerOpen.MaxFrameSize = DefaultMaxFrameSize
	}
	p.write(0, &peerOpen)

	r := <-ch
	if r.err != nil {
		t.Fatalf("client handshake: %v", r.err)
	}
	return r.c, p
}

// beginSession opens one session, with the peer answering on channel 0 and
// advertising window as both windows.
func beginSession(t *testing.T, c *Conn, p *peer, window uint32) *Session {
	t.Helper()
	ch := make(chan *Session, 1)
	go func() {
		s, err := c.Begin(context.Background())
		if err != nil {
			t.Errorf("begin: %v", err)
		}
		ch <- s
	}()
	pf, channel := p.readPerf()
	if _, ok := pf.(*Begin); !ok {
		t.Fatalf("expected begin, got %T", pf)
	}
	rc := channel
	p.write(0, &Begin{RemoteChannel: &rc, NextOutgoingID: 0, IncomingWindow: window, OutgoingWindow: window})
	s := <-ch
	if s == nil {
		t.Fatal("begin returned no session")
	}
	return s
}

// attachLink completes an attach exchange. The peer answers with the
// complement role on handle 0.
func attachLink(t *testing.T, s *Session, p *peer, attach func() error) (peerHandle uint32) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- attach() }()
	pf, _ := p.readPerf()
	a, ok := pf.(*Attach)
	if !ok {
		t.Fatalf("expected attach, got %T", pf)
	}
	resp := &Attach{Name: a.Name, Handle: 0, Role: !a.Role}
	if resp.Role == RoleSender {
		idc := uint32(0)
		resp.InitialDeliveryCount = &idc
	}
	p.write(0, resp)
	if err := <-done; err != nil {
		t.Fatalf("attach: %v", err)
	}
	return 0
}

func attachTestSender(t *testing.T, s *Session, p *peer, name string, opts ...LinkOption) (*SenderLink, uint32) {
	t.Helper()
	var l *SenderLink
	h := attachLink(t, s, p, func() error {
		var err error
		l, err = s.AttachSender(context.Background(), name, "q-out", opts...)
		return err
	})
	return l, h
}

func attachTestReceiver(t *testing.T, s *Session, p *peer, name string, opts ...LinkOption) (*ReceiverLink, uint32) {
	t.Helper()
	var l *ReceiverLink
	h := attachLink(t, s, p, func() error {
		var err error
		l, err = s.AttachReceiver(context.Background(), name, "q-in", opts...)
		return err
	})
	return l, h
}

// grantCredit sends a link Flow from the peer in its receiver role.
func grantCredit(p *peer, peerHandle, deliveryCount, credit, nextIncomingID, window uint32) {
	p.write(0, &Flow{
		NextIncomingID: &nextIncomingID,
		IncomingWindow: window,
		NextOutgoingID: 0,
		OutgoingWindow: window,
		Handle:         &peerHandle,
		DeliveryCount:  &deliveryCount,
		LinkCredit:     &credit,
	})
}

// setCredit runs ReceiverLink.SetCredit while the peer consumes the Flow it
// emits.
func setCredit(t *testing.T, l *ReceiverLink, p *peer, n uint32) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- l.SetCredit(n) }()
	pf, _ := p.readPerf()
	f, ok := pf.(*Flow)
	if !ok {
		t.Fatalf("expected flow, got %T", pf)
	}
	if f.LinkCredit == nil || *f.LinkCredit != n {
		t.Fatalf("flow credit: %+v", f)
	}
	if err := <-done; err != nil {
		t.Fatalf("set credit: %v", err)
	}
}

// sendAsync starts a Send and returns its completion channel.
func sendAsync(l *SenderLink, payload []byte) chan error {
	done := make(chan error, 1)
	go func() {
		_, err := l.Send(context.Background(), payload)
		done <- err
	}()
	return done
}

func payloadFor(i int) []byte { return []byte(fmt.Sprintf("message-%d", i)) }
