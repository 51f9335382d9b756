package amqp10

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDialContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Dial(ctx, "127.0.0.1:5672", Config{})
	require.Error(t, err)
	_, err = DialTLS(ctx, "127.0.0.1:5671", &tls.Config{InsecureSkipVerify: true}, Config{})
	require.Error(t, err)
}

func TestCloseExchange(t *testing.T) {
	c, p := dialPair(t, Config{}, Open{})

	done := make(chan struct{})
	go func() {
		c.Close(nil)
		close(done)
	}()
	pf, _ := p.readPerf()
	cl, ok := pf.(*Close)
	if !ok {
		t.Fatalf("expected close, got %T", pf)
	}
	require.Nil(t, cl.Error)
	p.write(0, &Close{})
	<-done

	require.ErrorIs(t, c.Err(), ErrConnClosed)
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed after close exchange")
	}
}

func TestPeerCloseWithErrorResolvesPending(t *testing.T) {
	c, p := dialPair(t, Config{}, Open{})
	s := beginSession(t, c, p, 100)
	rl, _ := attachTestReceiver(t, s, p, "r1")
	setCredit(t, rl, p, 1)

	recv := make(chan error, 1)
	go func() {
		_, err := rl.Receive(context.Background())
		recv <- err
	}()

	p.write(0, &Close{Error: &Error{Condition: CondConnectionForced, Description: "restarting"}})
	pf, _ := p.readPerf()
	if _, ok := pf.(*Close); !ok {
		t.Fatalf("expected close reply, got %T", pf)
	}

	<-c.Done()
	var cerr *ConnError
	require.ErrorAs(t, c.Err(), &cerr)
	require.NotNil(t, cerr.RemoteErr)
	require.Equal(t, CondConnectionForced, cerr.RemoteErr.Condition)

	require.Error(t, <-recv, "blocked receive resolves on connection loss")

	_, err := c.Begin(context.Background())
	require.Error(t, err)
}

// With a local idle-timeout announced, peer silence past the deadline
// closes the connection with amqp:resource-limit-exceeded.
func TestIdleTimeoutClosesConnection(t *testing.T) {
	c, p := dialPair(t, Config{IdleTimeout: 80 * time.Millisecond}, Open{})

	pf, _ := p.readPerf()
	cl, ok := pf.(*Close)
	if !ok {
		t.Fatalf("expected close, got %T", pf)
	}
	require.NotNil(t, cl.Error)
	require.Equal(t, CondResourceLimitExceeded, cl.Error.Condition)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not terminate after idle timeout")
	}
	require.Error(t, c.Err())
}

// When the peer announces an idle-timeout, the engine emits heartbeat
// frames during outbound silence.
func TestHeartbeatFramesEmitted(t *testing.T) {
	c, p := dialPair(t, Config{}, Open{IdleTimeout: 200 * time.Millisecond})
	_ = c

	p.nc.SetReadDeadline(time.Now().Add(time.Second))
	f, err := ReadFrame(p.nc, 0)
	require.NoError(t, err)
	require.Empty(t, f.Body, "keepalive frame must be empty")
}

// Frames on a channel with no mapped session are connection-fatal.
func TestUnmappedChannelAbortsConnection(t *testing.T) {
	c, p := dialPair(t, Config{}, Open{})

	p.write(42, &Flow{IncomingWindow: 1, NextOutgoingID: 0, OutgoingWindow: 1})
	pf, _ := p.readPerf()
	cl, ok := pf.(*Close)
	if !ok {
		t.Fatalf("expected close, got %T", pf)
	}
	require.NotNil(t, cl.Error)
	require.Equal(t, CondFramingError, cl.Error.Condition)
	<-c.Done()
}

// A malformed frame body aborts the connection without touching session
// state.
func TestMalformedFrameAbortsConnection(t *testing.T) {
	c, p := dialPair(t, Config{}, Open{})

	if err := WriteFrame(p.nc, Frame{Type: frameTypeAMQP, Channel: 0, Body: []byte{0xff, 0xff}}); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	pf, _ := p.readPerf()
	cl, ok := pf.(*Close)
	if !ok {
		t.Fatalf("expected close, got %T", pf)
	}
	require.Equal(t, CondFramingError, cl.Error.Condition)
	<-c.Done()
}

// A write failure while the read loop holds a session mutex must still
// terminate the connection.
func TestWriteFailureDuringDispatchTearsDown(t *testing.T) {
	c, p := dialPair(t, Config{}, Open{})
	_ = beginSession(t, c, p, 100)

	// the End reply write fails: the peer is gone before the engine answers
	p.write(0, &End{})
	p.nc.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not terminate after write failure")
	}
	require.Error(t, c.Err())
}

// The channel pool is re-bounded by the peer's announced channel-max.
func TestBeginHonorsPeerChannelMax(t *testing.T) {
	c, p := dialPair(t, Config{}, Open{ChannelMax: 1})

	for i := 0; i < 2; i++ {
		ch := make(chan *Session, 1)
		go func() {
			s, err := c.Begin(context.Background())
			if err != nil {
				t.Errorf("begin %d: %v", i, err)
			}
			ch <- s
		}()
		pf, channel := p.readPerf()
		if _, ok := pf.(*Begin); !ok {
			t.Fatalf("expected begin, got %T", pf)
		}
		rc := channel
		p.write(uint16(i), &Begin{RemoteChannel: &rc, NextOutgoingID: 0, IncomingWindow: 100, OutgoingWindow: 100})
		<-ch
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Begin(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		var aerr *Error
		require.ErrorAs(t, err, &aerr)
		require.Equal(t, CondResourceLimitExceeded, aerr.Condition)
	case <-time.After(2 * time.Second):
		t.Fatal("begin above the peer's channel-max neither failed nor completed")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := (&Config{}).withDefaults()
	require.NotEmpty(t, cfg.ContainerID)
	require.Equal(t, uint32(DefaultMaxFrameSize), cfg.MaxFrameSize)
	require.Equal(t, uint16(255), cfg.ChannelMax)
	require.Equal(t, uint32(5000), cfg.WindowSize)

	small := (&Config{MaxFrameSize: 100}).withDefaults()
	require.Equal(t, uint32(MinMaxFrameSize), small.MaxFrameSize, "max-frame-size has a protocol floor")
}

func TestNegotiationTakesMinimum(t *testing.T) {
	c, _ := dialPair(t, Config{MaxFrameSize: 8192}, Open{MaxFrameSize: 4096, ChannelMax: 7})
	require.Equal(t, uint32(4096), c.MaxFrameSize())
}
