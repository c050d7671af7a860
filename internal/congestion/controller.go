// Package congestion implements the AIMD congestion controller (C5):
// additive increase on new cumulative ACKs, fast retransmit on the third
// duplicate ACK, fast recovery inflation on further duplicates, and a loss
// reset to InitialWindow on timeout.
//
// The controller never touches the transport or the file; it only mutates
// cwnd and dup_ack_count and tells the sender loop when to trigger a
// resend of base. It deliberately does not track a persistent ssthresh —
// see DESIGN.md for why this divergence from textbook TCP Reno is kept.
package congestion

import (
	"github.com/nullbyte-dev/rudpxfer/internal/config"
)

// Action tells the sender loop what, if anything, it must do in response
// to a duplicate-ACK event.
type Action int

const (
	// ActionNone means no resend is triggered by this event.
	ActionNone Action = iota
	// ActionFastRetransmit means the third duplicate ACK for base just
	// arrived: resend base now, without waiting for RTO.
	ActionFastRetransmit
	// ActionFastRecoveryInflate means cwnd was inflated by one; no
	// resend is triggered (fast retransmit already happened).
	ActionFastRecoveryInflate
)

// Controller holds the congestion window and the duplicate-ACK bookkeeping
// needed to drive AIMD, fast retransmit, and fast recovery.
type Controller struct {
	maxWindow int

	cwnd              int
	dupAckCount       int
	lastCwndChangeAck uint32
}

// New creates a controller seeded at config.InitialWindow, with
// lastCwndChangeAck at initialAck (the seqnum the window starts counting
// increases from — typically 0, right before the first data seqnum 1).
func New(maxWindow int, initialAck uint32) *Controller {
	return &Controller{
		maxWindow:         maxWindow,
		cwnd:              config.InitialWindow,
		lastCwndChangeAck: initialAck,
	}
}

// Cwnd returns the current congestion window.
func (c *Controller) Cwnd() int { return c.cwnd }

// ClampTo caps cwnd at limit without otherwise disturbing controller state.
// The sender loop uses this to enforce cwnd <= N-next_seq+1 so the window
// never grows past what's left to send.
func (c *Controller) ClampTo(limit int) {
	if c.cwnd > limit {
		c.cwnd = limit
	}
}

// DupAckCount returns the number of consecutive duplicate ACKs seen for the
// current base.
func (c *Controller) DupAckCount() int { return c.dupAckCount }

func (c *Controller) clamp() {
	if c.cwnd < 1 {
		c.cwnd = 1
	}
	if c.cwnd > c.maxWindow {
		c.cwnd = c.maxWindow
	}
}

// OnNewAck handles a fresh cumulative ACK that advanced base. It applies
// per-window additive increase and resets the duplicate-ACK counter.
func (c *Controller) OnNewAck(newAck uint32) {
	if newAck-c.lastCwndChangeAck >= uint32(c.cwnd) {
		c.cwnd++
		c.clamp()
		c.lastCwndChangeAck = newAck
	}
	c.dupAckCount = 0
}

// OnDuplicateAck handles a repeated ACK for the current base. It returns
// the action the sender loop must take.
func (c *Controller) OnDuplicateAck(base uint32) Action {
	c.dupAckCount++

	switch {
	case c.dupAckCount == 3:
		c.cwnd /= 2
		c.clamp()
		c.lastCwndChangeAck = base
		return ActionFastRetransmit
	case c.dupAckCount > 3:
		c.cwnd++
		c.clamp()
		return ActionFastRecoveryInflate
	default:
		return ActionNone
	}
}

// OnTimeout handles a retransmission timeout: collapse cwnd back to
// InitialWindow and anchor the next additive increase at base. The sender
// loop is responsible for resending base and must not feed the estimator
// from the resulting ACK (Karn's rule), since this isn't a congestion event
// OnTimeout can express through Action.
func (c *Controller) OnTimeout(base uint32) {
	c.cwnd = config.InitialWindow
	c.dupAckCount = 0
	c.lastCwndChangeAck = base
}
