// Package sendwindow implements the sender's send buffer (C3): a bounded
// ring of in-flight packets indexed by sequence number relative to the
// cumulative-ACK base.
//
// This trades the reference implementation's fixed array plus memmove on
// every cumulative ACK for a true ring buffer addressed by seqnum modulo
// the window size. Because the window invariant guarantees
// next_seq - base <= MaxWindow at all times, a seqnum's physical slot is
// never reused while it's still live, so slide is O(k) in the number of
// newly-acknowledged entries rather than O(window) for a shift.
package sendwindow

import (
	"fmt"
	"time"
)

// Entry is the bookkeeping record for one buffered, transmitted packet.
type Entry struct {
	Seqnum         uint32
	Datagram       []byte
	TimeSent       time.Time
	TimeoutDeadline time.Time
	Resent         bool
}

// Window holds packets transmitted but not yet cumulatively acknowledged.
type Window struct {
	maxWindow uint32
	base      uint32
	nextSeq   uint32
	slots     []Entry
	valid     []bool
}

// New creates an empty window with base and nextSeq both at startSeq. The
// sender starts its window at 2, since seqnum 1's payload is delivered by
// the handshake rather than through the window.
func New(maxWindow int, startSeq uint32) *Window {
	return &Window{
		maxWindow: uint32(maxWindow),
		base:      startSeq,
		nextSeq:   startSeq,
		slots:     make([]Entry, maxWindow),
		valid:     make([]bool, maxWindow),
	}
}

// Base returns the smallest unacknowledged seqnum.
func (w *Window) Base() uint32 { return w.base }

// NextSeq returns the next seqnum that Store will accept.
func (w *Window) NextSeq() uint32 { return w.nextSeq }

// InFlight returns next_seq - base: the number of outstanding packets.
func (w *Window) InFlight() int { return int(w.nextSeq - w.base) }

func (w *Window) slot(seqnum uint32) int {
	return int(seqnum % w.maxWindow)
}

// Store records a freshly transmitted packet. Precondition:
// seqnum == NextSeq() and InFlight() < maxWindow; violating either is a
// caller bug and panics rather than returning an error, per the sender
// loop's invariant-vs-protocol-error split.
func (w *Window) Store(seqnum uint32, datagram []byte, now time.Time, rto time.Duration) {
	if seqnum != w.nextSeq {
		panic(fmt.Sprintf("sendwindow: Store(%d) but next_seq is %d", seqnum, w.nextSeq))
	}
	if w.InFlight() >= int(w.maxWindow) {
		panic(fmt.Sprintf("sendwindow: Store(%d) would exceed max window %d", seqnum, w.maxWindow))
	}

	idx := w.slot(seqnum)
	w.slots[idx] = Entry{
		Seqnum:          seqnum,
		Datagram:        datagram,
		TimeSent:        now,
		TimeoutDeadline: now.Add(rto),
		Resent:          false,
	}
	w.valid[idx] = true
	w.nextSeq++
}

// Slide advances base past newAck, clearing every vacated slot.
// new_ack < base is a harmless no-op (stale ACK, already handled by the
// caller before reaching here). new_ack > next_seq-1 is a broken
// precondition — by the time Slide is called the caller must already have
// rejected out-of-range ACKs as a ProtocolViolation — so it panics.
func (w *Window) Slide(newAck uint32) {
	if newAck < w.base {
		return
	}
	if newAck > w.nextSeq-1 {
		panic(fmt.Sprintf("sendwindow: Slide(%d) exceeds next_seq-1 (%d)", newAck, w.nextSeq-1))
	}

	for s := w.base; s <= newAck; s++ {
		idx := w.slot(s)
		w.slots[idx] = Entry{}
		w.valid[idx] = false
	}
	w.base = newAck + 1
}

// Get returns the buffered entry for seqnum, if it is currently held.
func (w *Window) Get(seqnum uint32) (*Entry, bool) {
	if seqnum < w.base || seqnum >= w.nextSeq {
		return nil, false
	}
	idx := w.slot(seqnum)
	if !w.valid[idx] {
		return nil, false
	}
	return &w.slots[idx], true
}

// MarkResent flags seqnum's entry as having been retransmitted, so the RTT
// estimator discards any sample taken against it (Karn's rule).
func (w *Window) MarkResent(seqnum uint32) {
	if entry, ok := w.Get(seqnum); ok {
		entry.Resent = true
	}
}
