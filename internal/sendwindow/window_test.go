package sendwindow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreAndGet(t *testing.T) {
	w := New(4, 1)
	now := time.Now()

	w.Store(1, []byte("a"), now, time.Second)
	w.Store(2, []byte("b"), now, time.Second)

	assert.Equal(t, uint32(1), w.Base())
	assert.Equal(t, uint32(3), w.NextSeq())
	assert.Equal(t, 2, w.InFlight())

	entry, ok := w.Get(1)
	require.True(t, ok)
	assert.Equal(t, []byte("a"), entry.Datagram)
	assert.False(t, entry.Resent)

	_, ok = w.Get(3)
	assert.False(t, ok)
}

func TestSlideAdvancesBaseAndClearsSlots(t *testing.T) {
	w := New(4, 1)
	now := time.Now()
	w.Store(1, []byte("a"), now, time.Second)
	w.Store(2, []byte("b"), now, time.Second)
	w.Store(3, []byte("c"), now, time.Second)

	w.Slide(2)
	assert.Equal(t, uint32(3), w.Base())
	_, ok := w.Get(1)
	assert.False(t, ok)
	_, ok = w.Get(2)
	assert.False(t, ok)
	entry, ok := w.Get(3)
	require.True(t, ok)
	assert.Equal(t, []byte("c"), entry.Datagram)
}

func TestSlideStaleAckIsNoOp(t *testing.T) {
	w := New(4, 1)
	now := time.Now()
	w.Store(1, []byte("a"), now, time.Second)
	w.Slide(1)
	base := w.Base()

	w.Slide(0)
	assert.Equal(t, base, w.Base())
}

func TestSlideBeyondNextSeqPanics(t *testing.T) {
	w := New(4, 1)
	now := time.Now()
	w.Store(1, []byte("a"), now, time.Second)

	assert.Panics(t, func() { w.Slide(5) })
}

func TestStoreWrongSeqnumPanics(t *testing.T) {
	w := New(4, 1)
	assert.Panics(t, func() { w.Store(2, []byte("a"), time.Now(), time.Second) })
}

func TestStoreBeyondMaxWindowPanics(t *testing.T) {
	w := New(2, 1)
	now := time.Now()
	w.Store(1, []byte("a"), now, time.Second)
	w.Store(2, []byte("b"), now, time.Second)

	assert.Panics(t, func() { w.Store(3, []byte("c"), now, time.Second) })
}

func TestMarkResent(t *testing.T) {
	w := New(4, 1)
	now := time.Now()
	w.Store(1, []byte("a"), now, time.Second)

	w.MarkResent(1)
	entry, ok := w.Get(1)
	require.True(t, ok)
	assert.True(t, entry.Resent)
}

func TestRingReuseAfterSlide(t *testing.T) {
	w := New(2, 1)
	now := time.Now()
	w.Store(1, []byte("a"), now, time.Second)
	w.Store(2, []byte("b"), now, time.Second)
	w.Slide(1)

	w.Store(3, []byte("c"), now, time.Second)
	entry, ok := w.Get(3)
	require.True(t, ok)
	assert.Equal(t, []byte("c"), entry.Datagram)

	entry2, ok := w.Get(2)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), entry2.Datagram)
}
