package rpcclient

import (
	"time"

	"github.com/stonegate/slgcore/pkg/wire"
)

// maxMissedHeartbeats is how many unacknowledged HB_REQ frames a
// connection tolerates before it is considered dead (spec.md §4.5:
// "missing several replies closes the channel").
const maxMissedHeartbeats = 3

// heartbeatLoop sends an HB_REQ whenever the connection has been idle
// (no outbound write) for idleWriteTimeout, and closes the connection once
// maxMissedHeartbeats replies in a row go unanswered. Runs until the
// connection closes.
func heartbeatLoop(c *connection, idleWriteTimeout time.Duration) {
	if idleWriteTimeout <= 0 {
		idleWriteTimeout = 30 * time.Second
	}

	ticker := time.NewTicker(idleWriteTimeout)
	defer ticker.Stop()

	for range ticker.C {
		if c.closed.Load() {
			return
		}

		idleFor := time.Since(time.Unix(0, c.lastWrite.Load()))
		if idleFor < idleWriteTimeout {
			continue
		}

		if c.missedHB.Add(1) > maxMissedHeartbeats {
			c.close()
			return
		}

		h := wire.Header{Magic: wire.Magic, MsgType: wire.MsgHeartbeat, MsgID: c.reqID.Add(1)}
		_ = c.write(h.Encode())
	}
}

// onHeartbeatReply resets the missed-heartbeat counter; called by the read
// loop whenever an MsgHeartbeat frame arrives from the remote.
func (c *connection) onHeartbeatReply() {
	c.missedHB.Store(0)
}
