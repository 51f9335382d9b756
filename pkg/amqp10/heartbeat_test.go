package amqp10

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHeartbeatClosesOnLocalSilence(t *testing.T) {
	start := time.Now()
	h := newHeartbeat(time.Second, 0, start)

	require.Equal(t, heartbeatNone, h.check(start.Add(500*time.Millisecond)))
	require.Equal(t, heartbeatClose, h.check(start.Add(1100*time.Millisecond)))

	// traffic resets the deadline
	h.markRecv(start.Add(time.Second))
	require.Equal(t, heartbeatNone, h.check(start.Add(1500*time.Millisecond)))
}

func TestHeartbeatSendsBeforeRemoteDeadline(t *testing.T) {
	start := time.Now()
	h := newHeartbeat(0, time.Second, start)

	require.Equal(t, heartbeatNone, h.check(start.Add(400*time.Millisecond)))
	require.Equal(t, heartbeatSend, h.check(start.Add(600*time.Millisecond)))

	h.markSent(start.Add(600 * time.Millisecond))
	require.Equal(t, heartbeatNone, h.check(start.Add(1000*time.Millisecond)))
}

func TestHeartbeatClosePrecedesSend(t *testing.T) {
	start := time.Now()
	h := newHeartbeat(time.Second, time.Second, start)
	require.Equal(t, heartbeatClose, h.check(start.Add(2*time.Second)))
}

func TestHeartbeatInterval(t *testing.T) {
	require.Equal(t, time.Duration(0), newHeartbeat(0, 0, time.Now()).interval())
	require.Equal(t, 250*time.Millisecond, newHeartbeat(0, time.Second, time.Now()).interval())
	require.Equal(t, 250*time.Millisecond, newHeartbeat(time.Second, 4*time.Second, time.Now()).interval())
	// floor keeps the ticker sane for tiny timeouts
	require.Equal(t, 5*time.Millisecond, newHeartbeat(time.Millisecond, 0, time.Now()).interval())
}
