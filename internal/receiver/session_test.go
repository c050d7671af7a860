package receiver

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullbyte-dev/rudpxfer/internal/config"
	"github.com/nullbyte-dev/rudpxfer/internal/filestore"
	"github.com/nullbyte-dev/rudpxfer/internal/transport"
	"github.com/nullbyte-dev/rudpxfer/internal/wire"
)

func newSink(t *testing.T) (filestore.Sink, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	sink, err := filestore.CreateSink(fs, "out.bin")
	require.NoError(t, err)
	return sink, fs
}

func readAck(t *testing.T, tp *transport.FakeTransport) uint32 {
	t.Helper()
	buf := make([]byte, config.AckSize)
	tp.SetReceiveTimeout(200 * time.Millisecond)
	n, err := tp.Recv(buf)
	require.NoError(t, err)
	ack, err := wire.DecodeAck(buf[:n])
	require.NoError(t, err)
	return ack
}

func TestReceiveFileSinglePacket(t *testing.T) {
	sink, fs := newSink(t)
	peer, us := transport.NewFakeTransportPair()

	done := make(chan error, 1)
	go func() { done <- ReceiveFile(sink, us, Options{}) }()

	payload := []byte("hello")
	datagram, err := wire.EncodeData(1, uint16(len(payload)), append(payload, make([]byte, config.PayloadSize-len(payload))...))
	require.NoError(t, err)
	require.NoError(t, peer.Send(datagram))

	assert.Equal(t, uint32(1), readAck(t, peer))

	require.NoError(t, sink.Close())
	contents, err := afero.ReadFile(fs, "out.bin")
	require.NoError(t, err)
	assert.Equal(t, payload, contents)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ReceiveFile did not return")
	}
}

func padTo(payload []byte) []byte {
	return append(append([]byte(nil), payload...), make([]byte, config.PayloadSize-len(payload))...)
}

func TestReceiveFileInOrderAndOutOfOrder(t *testing.T) {
	sink, fs := newSink(t)
	peer, us := transport.NewFakeTransportPair()

	done := make(chan error, 1)
	go func() { done <- ReceiveFile(sink, us, Options{}) }()

	chunks := [][]byte{[]byte("first-"), []byte("second"), []byte("third-")}

	handshake, err := wire.EncodeData(uint32(len(chunks)), uint16(len(chunks[0])), padTo(chunks[0]))
	require.NoError(t, err)
	require.NoError(t, peer.Send(handshake))
	assert.Equal(t, uint32(1), readAck(t, peer))

	pkt3, err := wire.EncodeData(3, uint16(len(chunks[2])), padTo(chunks[2]))
	require.NoError(t, err)
	require.NoError(t, peer.Send(pkt3))
	assert.Equal(t, uint32(1), readAck(t, peer), "out-of-order packet 3 re-acks base 1")

	pkt2, err := wire.EncodeData(2, uint16(len(chunks[1])), padTo(chunks[1]))
	require.NoError(t, err)
	require.NoError(t, peer.Send(pkt2))
	assert.Equal(t, uint32(3), readAck(t, peer), "packet 2 arriving drains the buffered packet 3 too")

	require.NoError(t, sink.Close())
	contents, err := afero.ReadFile(fs, "out.bin")
	require.NoError(t, err)
	assert.Equal(t, "first-secondthird-", string(contents))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ReceiveFile did not return")
	}
}

func TestReceiveFileDuplicatePacketReAcksWithoutRewriting(t *testing.T) {
	sink, fs := newSink(t)
	peer, us := transport.NewFakeTransportPair()

	done := make(chan error, 1)
	go func() { done <- ReceiveFile(sink, us, Options{}) }()

	handshake, err := wire.EncodeData(2, 1, padTo([]byte("a")))
	require.NoError(t, err)
	require.NoError(t, peer.Send(handshake))
	assert.Equal(t, uint32(1), readAck(t, peer))

	pkt2, err := wire.EncodeData(2, 1, padTo([]byte("b")))
	require.NoError(t, err)
	require.NoError(t, peer.Send(pkt2))
	assert.Equal(t, uint32(2), readAck(t, peer))

	// Duplicate of packet 2, already delivered: must not be rewritten.
	require.NoError(t, peer.Send(pkt2))
	assert.Equal(t, uint32(2), readAck(t, peer))

	require.NoError(t, sink.Close())
	contents, err := afero.ReadFile(fs, "out.bin")
	require.NoError(t, err)
	assert.Equal(t, "ab", string(contents))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ReceiveFile did not return")
	}
}

// TestStaleHandshakeRetransmitDoesNotCorruptFinalPacket exercises the one
// case where a retransmitted handshake datagram and the genuine final data
// packet share the same wire seqnum (N == 2): a late handshake duplicate
// must not be mistaken for packet 2.
func TestStaleHandshakeRetransmitDoesNotCorruptFinalPacket(t *testing.T) {
	sink, fs := newSink(t)
	peer, us := transport.NewFakeTransportPair()

	done := make(chan error, 1)
	go func() { done <- ReceiveFile(sink, us, Options{}) }()

	handshakePayload := padTo([]byte("chunk-one"))
	handshake, err := wire.EncodeData(2, 9, handshakePayload)
	require.NoError(t, err)
	require.NoError(t, peer.Send(handshake))
	assert.Equal(t, uint32(1), readAck(t, peer))

	// A stale duplicate of the handshake straggles in before the genuine
	// packet 2. It carries seqnum 2 (== N) and the handshake's own
	// payload, so it must be recognized as a duplicate, not delivered.
	require.NoError(t, peer.Send(handshake))
	assert.Equal(t, uint32(1), readAck(t, peer), "stale handshake dup re-acks base, does not advance")

	realPkt2, err := wire.EncodeData(2, 9, padTo([]byte("chunk-two")))
	require.NoError(t, err)
	require.NoError(t, peer.Send(realPkt2))
	assert.Equal(t, uint32(2), readAck(t, peer))

	require.NoError(t, sink.Close())
	contents, err := afero.ReadFile(fs, "out.bin")
	require.NoError(t, err)
	assert.Equal(t, "chunk-onechunk-two", string(contents))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ReceiveFile did not return")
	}
}

func TestReceiveFileOutOfOrderBeyondWindowDropped(t *testing.T) {
	sink, _ := newSink(t)
	peer, us := transport.NewFakeTransportPair()

	done := make(chan error, 1)
	go func() { done <- ReceiveFile(sink, us, Options{}) }()

	n := uint32(config.MaxWindow + 10)
	handshake, err := wire.EncodeData(n, 1, padTo([]byte("a")))
	require.NoError(t, err)
	require.NoError(t, peer.Send(handshake))
	assert.Equal(t, uint32(1), readAck(t, peer))

	farAhead, err := wire.EncodeData(uint32(config.MaxWindow+5), 1, padTo([]byte("z")))
	require.NoError(t, err)
	require.NoError(t, peer.Send(farAhead))
	assert.Equal(t, uint32(1), readAck(t, peer), "packet far beyond window is dropped, not buffered")

	_ = done
}
