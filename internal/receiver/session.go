// Package receiver implements the receiver loop (C7): accept the handshake,
// then deliver data packets in order, buffering a bounded amount of
// out-of-order arrivals and re-emitting the current cumulative ACK for
// anything that isn't the next expected packet.
package receiver

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nullbyte-dev/rudpxfer/internal/config"
	"github.com/nullbyte-dev/rudpxfer/internal/filestore"
	"github.com/nullbyte-dev/rudpxfer/internal/metrics"
	"github.com/nullbyte-dev/rudpxfer/internal/transport"
	"github.com/nullbyte-dev/rudpxfer/internal/wire"
)

// Options configures a Session beyond the two required collaborators.
type Options struct {
	Log     *logrus.Entry
	Metrics *metrics.Receiver
}

// Session drives one receiver-side transfer over tp.
type Session struct {
	tp      transport.Transport
	sink    filestore.Sink
	log     *logrus.Entry
	metrics *metrics.Receiver

	n            uint32
	expectedSeq  uint32
	pending      map[uint32]wire.DataPacket

	// handshakePayload is the exact bytes accepted during the handshake.
	// A later arrival carrying seqnum == n is only treated as a stale
	// handshake retransmit (rather than the genuine final packet) if its
	// payload matches this byte-for-byte — see DESIGN.md for why seqnum
	// alone can't disambiguate the two.
	handshakePayload []byte
}

// ReceiveFile runs the full handshake-to-completion protocol over tp,
// writing delivered bytes to sink in order. It returns nil once every byte
// through packet N has been written and the final ACK has been sent.
func ReceiveFile(sink filestore.Sink, tp transport.Transport, opts Options) error {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Session{
		tp:          tp,
		sink:        sink,
		log:         log,
		metrics:     opts.Metrics,
		expectedSeq: 1,
		pending:     make(map[uint32]wire.DataPacket),
	}

	if err := s.awaitHandshake(); err != nil {
		return err
	}
	s.log = s.log.WithField("n", s.n)
	s.log.Info("handshake accepted")

	if err := s.steadyState(); err != nil {
		return err
	}

	s.log.Info("transfer complete")
	return s.linger()
}

// awaitHandshake blocks (no deadline: the handshake has no predecessor RTT
// sample to build a timeout from) until a well-formed handshake datagram
// arrives, writes its payload as packet 1, and ACKs it.
func (s *Session) awaitHandshake() error {
	buf := make([]byte, config.PacketSize)
	s.tp.SetReceiveTimeout(0)

	for {
		recvLen, err := s.tp.Recv(buf)
		if err != nil {
			return errors.Wrap(err, "receiver: recv handshake")
		}

		pkt, err := wire.DecodeData(buf[:recvLen])
		if err != nil {
			s.log.WithError(err).Warn("malformed handshake datagram, ignoring")
			continue
		}

		if pkt.Seqnum == 0 {
			s.log.Warn("handshake declared N=0, ignoring")
			continue
		}

		s.n = pkt.Seqnum
		s.handshakePayload = append([]byte(nil), pkt.Payload...)

		if err := s.deliver(1, pkt.Payload); err != nil {
			return err
		}
		s.expectedSeq = 2

		if err := s.ack(1); err != nil {
			return err
		}
		return nil
	}
}

func (s *Session) steadyState() error {
	buf := make([]byte, config.PacketSize)

	for s.expectedSeq <= s.n {
		s.reportGauges()

		recvLen, err := s.tp.Recv(buf)
		if err != nil {
			return errors.Wrap(err, "receiver: recv data")
		}

		pkt, err := wire.DecodeData(buf[:recvLen])
		if err != nil {
			s.log.WithError(err).Warn("malformed data datagram, ignoring")
			continue
		}

		if err := s.handle(pkt); err != nil {
			return err
		}
	}
	return nil
}

// handle dispatches one decoded data packet against expected_seq. A
// seqnum==N datagram whose payload matches the handshake's byte-for-byte is
// treated as a stale handshake retransmit and only re-ACKed, and this check
// runs before the in-order check: a handshake duplicate that straggles in
// while expected_seq == N is therefore never written as packet N. This is
// the one case where two distinct wire events can share a seqnum value (see
// DESIGN.md); a genuine packet N whose payload is byte-identical to the
// handshake's is indistinguishable from such a duplicate and is re-ACKed,
// not delivered.
func (s *Session) handle(pkt wire.DataPacket) error {
	switch {
	case pkt.Seqnum == s.n && s.expectedSeq > 1 && bytes.Equal(pkt.Payload, s.handshakePayload):
		s.log.Debug("stale handshake retransmit, re-acking")
		return s.ackDuplicate(s.expectedSeq - 1)

	case pkt.Seqnum == s.expectedSeq:
		if err := s.deliver(pkt.Seqnum, pkt.Payload); err != nil {
			return err
		}
		s.expectedSeq++
		s.drainPending()
		return s.ack(s.expectedSeq - 1)

	case pkt.Seqnum > s.expectedSeq:
		if pkt.Seqnum-s.expectedSeq >= uint32(config.MaxWindow) {
			s.log.WithField("seqnum", pkt.Seqnum).Warn("out-of-order packet beyond window, dropping")
			return s.ackDuplicate(s.expectedSeq - 1)
		}
		if _, buffered := s.pending[pkt.Seqnum]; !buffered {
			s.pending[pkt.Seqnum] = wire.DataPacket{
				Seqnum:  pkt.Seqnum,
				Length:  pkt.Length,
				Payload: append([]byte(nil), pkt.Payload...),
			}
			s.incOutOfOrderBuffered()
		}
		return s.ackDuplicate(s.expectedSeq - 1)

	default: // pkt.Seqnum < s.expectedSeq: already delivered, re-ack
		return s.ackDuplicate(s.expectedSeq - 1)
	}
}

// drainPending flushes any run of already-buffered packets that's become
// contiguous with expected_seq after the most recent in-order delivery.
func (s *Session) drainPending() {
	for {
		pkt, ok := s.pending[s.expectedSeq]
		if !ok {
			return
		}
		if err := s.deliver(pkt.Seqnum, pkt.Payload); err != nil {
			s.log.WithError(err).Error("write failed draining buffered packet")
			return
		}
		delete(s.pending, pkt.Seqnum)
		s.expectedSeq++
	}
}

func (s *Session) deliver(seqnum uint32, payload []byte) error {
	if _, err := s.sink.Write(payload); err != nil {
		return errors.Wrapf(err, "receiver: write seqnum %d", seqnum)
	}
	s.incBytesWritten(len(payload))
	return nil
}

func (s *Session) ack(n uint32) error {
	datagram := wire.EncodeAck(n)
	if err := s.tp.Send(datagram); err != nil {
		return errors.Wrap(err, "receiver: send ack")
	}
	return nil
}

// ackDuplicate sends the same ACK as ack but additionally counts it as a
// re-emission: a response to a packet that didn't advance expected_seq.
func (s *Session) ackDuplicate(n uint32) error {
	if err := s.ack(n); err != nil {
		return err
	}
	s.incDuplicateAcksSent()
	return nil
}

// linger keeps responding to straggling duplicates of the last data packet
// for a bounded number of rounds, so a sender whose own final retransmit
// races our completion still gets an ACK instead of timing out its last
// retry. It never blocks the caller for long: config.ReceiverLingerTimeout
// bounds each round and config.ReceiverLingerRounds bounds the total.
func (s *Session) linger() error {
	buf := make([]byte, config.PacketSize)
	s.tp.SetReceiveTimeout(config.ReceiverLingerTimeout)

	for i := 0; i < config.ReceiverLingerRounds; i++ {
		recvLen, err := s.tp.Recv(buf)
		if errors.Is(err, transport.ErrTimeout) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "receiver: recv during linger")
		}

		if _, err := wire.DecodeData(buf[:recvLen]); err == nil {
			if err := s.ack(s.n); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) reportGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.ExpectedSeq.Set(float64(s.expectedSeq))
}

func (s *Session) incBytesWritten(n int) {
	if s.metrics != nil {
		s.metrics.BytesWritten.Add(float64(n))
	}
}

func (s *Session) incDuplicateAcksSent() {
	if s.metrics != nil {
		s.metrics.DuplicateAcksSent.Inc()
	}
}

func (s *Session) incOutOfOrderBuffered() {
	if s.metrics != nil {
		s.metrics.OutOfOrderBuffered.Inc()
	}
}
