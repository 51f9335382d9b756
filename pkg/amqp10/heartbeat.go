package amqp10

import (
	"sync"
	"time"
)

type heartbeatAction int

const (
	heartbeatNone heartbeatAction = iota
	heartbeatSend
	heartbeatClose
)

// heartbeat tracks the two idle-timeout deadlines of a connection: local
// (we announced an idle-timeout in our Open, so the peer must keep frames
// coming) and remote (the peer announced one, so we must emit a frame
// before half of it elapses with no outgoing traffic).
type heartbeat struct {
	mu       sync.Mutex
	local    time.Duration
	remote   time.Duration
	lastRecv time.Time
	lastSent time.Time
}

func newHeartbeat(local, remote time.Duration, now time.Time) *heartbeat {
	return &heartbeat{local: local, remote: remote, lastRecv: now, lastSent: now}
}

func (h *heartbeat) markRecv(now time.Time) {
	h.mu.Lock()
	h.lastRecv = now
	h.mu.Unlock()
}

func (h *heartbeat) markSent(now time.Time) {
	h.mu.Lock()
	h.lastSent = now
	h.mu.Unlock()
}

// check reports what the keepalive loop should do at time now. Close takes
// precedence over sending.
func (h *heartbeat) check(now time.Time) heartbeatAction {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.local > 0 && now.Sub(h.lastRecv) > h.local {
		return heartbeatClose
	}
	if h.remote > 0 && now.Sub(h.lastSent) >= h.remote/2 {
		return heartbeatSend
	}
	return heartbeatNone
}

// interval picks the keepalive tick period from the two deadlines.
func (h *heartbeat) interval() time.Duration {
	d := time.Duration(0)
	if h.remote > 0 {
		d = h.remote / 4
	}
	if h.local > 0 && (d == 0 || h.local/4 < d) {
		d = h.local / 4
	}
	if d > 0 && d < 5*time.Millisecond {
		d = 5 * time.Millisecond
	}
	return d
}
