package transport

import (
	"math/rand"
	"time"
)

// FakeLink is a single-direction in-memory channel standing in for a real
// UDP path between two peers. It supports the loss and reordering policies
// the end-to-end test scenarios need: drop the Nth datagram once, drop with
// a random probability, or hold the Nth datagram back until some number of
// later datagrams have already been delivered.
type FakeLink struct {
	ch chan []byte

	sent int

	dropOnce    map[int]bool
	dropProb    float64
	rng         *rand.Rand
	reorderFrom int
	reorderWait int

	held []heldDatagram
}

type heldDatagram struct {
	datagram   []byte
	releaseAt  int
}

// NewFakeLink creates a link with a generously buffered channel so Send
// never blocks the caller's loop.
func NewFakeLink() *FakeLink {
	return &FakeLink{
		ch:       make(chan []byte, 4096),
		dropOnce: make(map[int]bool),
	}
}

// DropOnce marks the index-th (1-based) datagram sent on this link to be
// dropped exactly once.
func (l *FakeLink) DropOnce(index int) {
	l.dropOnce[index] = true
}

// DropRandom drops each datagram independently with probability p, using
// the supplied seed for reproducibility.
func (l *FakeLink) DropRandom(p float64, seed int64) {
	l.dropProb = p
	l.rng = rand.New(rand.NewSource(seed))
}

// ReorderAfter holds the index-th (1-based) datagram back until wait
// further datagrams on this link have been delivered, then releases it.
// This reproduces S4: packet 5 arrives after packet 9.
func (l *FakeLink) ReorderAfter(index, wait int) {
	l.reorderFrom = index
	l.reorderWait = wait
}

// Send enqueues datagram for delivery, applying whatever loss/reorder
// policy is configured.
func (l *FakeLink) Send(datagram []byte) error {
	l.sent++
	idx := l.sent

	if l.dropOnce[idx] {
		delete(l.dropOnce, idx)
		return nil
	}
	if l.rng != nil && l.rng.Float64() < l.dropProb {
		return nil
	}

	if idx == l.reorderFrom {
		cp := append([]byte(nil), datagram...)
		l.held = append(l.held, heldDatagram{datagram: cp, releaseAt: idx + l.reorderWait})
		return nil
	}

	l.deliver(datagram)
	l.releaseDue(idx)
	return nil
}

func (l *FakeLink) deliver(datagram []byte) {
	cp := append([]byte(nil), datagram...)
	l.ch <- cp
}

func (l *FakeLink) releaseDue(deliveredIdx int) {
	remaining := l.held[:0]
	for _, h := range l.held {
		if deliveredIdx >= h.releaseAt {
			l.deliver(h.datagram)
			continue
		}
		remaining = append(remaining, h)
	}
	l.held = remaining
}

// Recv blocks until a datagram is available or the deadline passes.
func (l *FakeLink) Recv(buf []byte, deadline time.Duration) (int, error) {
	if deadline <= 0 {
		datagram := <-l.ch
		return copy(buf, datagram), nil
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case datagram := <-l.ch:
		return copy(buf, datagram), nil
	case <-timer.C:
		return 0, ErrTimeout
	}
}

// FakeTransport implements Transport over a pair of FakeLinks: one carrying
// datagrams toward the peer, one carrying datagrams back.
type FakeTransport struct {
	out     *FakeLink
	in      *FakeLink
	timeout time.Duration
}

// NewFakeTransportPair builds two FakeTransports wired to each other: a's
// outbound link is b's inbound link and vice versa.
func NewFakeTransportPair() (a, b *FakeTransport) {
	aToB := NewFakeLink()
	bToA := NewFakeLink()
	a = &FakeTransport{out: aToB, in: bToA}
	b = &FakeTransport{out: bToA, in: aToB}
	return a, b
}

// Outbound returns the link this transport sends on, so tests can install a
// loss or reordering policy before the protocol loop starts sending.
func (f *FakeTransport) Outbound() *FakeLink { return f.out }

// Send implements Transport.
func (f *FakeTransport) Send(datagram []byte) error {
	return f.out.Send(datagram)
}

// Recv implements Transport.
func (f *FakeTransport) Recv(buf []byte) (int, error) {
	return f.in.Recv(buf, f.timeout)
}

// SetReceiveTimeout implements Transport.
func (f *FakeTransport) SetReceiveTimeout(d time.Duration) {
	if d <= minSettableTimeout {
		return
	}
	f.timeout = d
}

// Close implements Transport. FakeTransport holds no OS resources.
func (f *FakeTransport) Close() error {
	return nil
}
