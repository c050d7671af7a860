// Package sender implements the sender loop (C6): handshake, fill the
// window from the file, process ACKs against the congestion controller and
// RTT estimator, drive retransmits, and terminate once base passes N.
package sender

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nullbyte-dev/rudpxfer/internal/config"
	"github.com/nullbyte-dev/rudpxfer/internal/congestion"
	"github.com/nullbyte-dev/rudpxfer/internal/metrics"
	"github.com/nullbyte-dev/rudpxfer/internal/rttestimator"
	"github.com/nullbyte-dev/rudpxfer/internal/sendwindow"
	"github.com/nullbyte-dev/rudpxfer/internal/transport"
	"github.com/nullbyte-dev/rudpxfer/internal/wire"
)

// Source is the file collaborator: a byte stream plus a way to learn its
// total size up front, so N can be computed before the handshake, exactly
// as the reference client does with fseek/ftell.
type Source interface {
	io.Reader
	Size() (int64, error)
}

// Options configures a Session beyond the two required collaborators.
type Options struct {
	Log *logrus.Entry
	// Metrics is optional; a nil Metrics disables instrumentation.
	Metrics *metrics.Sender
	// Cancel, if non-nil, is checked between loop iterations so a caller
	// can interrupt an otherwise unbounded transfer.
	Cancel <-chan struct{}
}

// measurement tracks the single in-flight RTT sample permitted at a time,
// mirroring the one-slot rttMeasureSeqNum/rttMeasureTime pattern: only the
// first freshly-sent packet in a batch arms a measurement, and it's
// consumed (or discarded, per Karn's rule) by the first ACK that covers it.
type measurement struct {
	active bool
	seq    uint32
	sentAt time.Time
}

// Session drives one sender-side transfer over tp.
type Session struct {
	tp         transport.Transport
	estimator  *rttestimator.Estimator
	controller *congestion.Controller
	window     *sendwindow.Window
	log        *logrus.Entry
	metrics    *metrics.Sender
	cancel     <-chan struct{}

	n          uint32
	measure    measurement
}

// ErrCanceled is returned when Options.Cancel fires mid-transfer.
var ErrCanceled = errors.New("sender: canceled")

// SendFile runs the full handshake-to-completion protocol for source over
// tp. It returns nil only once the receiver has cumulatively ACKed every
// data packet.
func SendFile(source Source, tp transport.Transport, opts Options) error {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	size, err := source.Size()
	if err != nil {
		return errors.Wrap(err, "sender: stat source")
	}

	n := uint32((size + config.PayloadSize - 1) / config.PayloadSize)
	if n == 0 {
		n = 1
	}

	handshakePayload := make([]byte, config.PayloadSize)
	handshakeLen, err := readChunk(source, handshakePayload)
	if err != nil {
		return errors.Wrap(err, "sender: read first chunk for handshake")
	}

	s := &Session{
		tp:         tp,
		estimator:  rttestimator.New(),
		controller: congestion.New(config.MaxWindow, 0),
		window:     sendwindow.New(config.MaxWindow, 2),
		log:        log.WithField("n", n),
		metrics:    opts.Metrics,
		cancel:     opts.Cancel,
		n:          n,
	}

	if err := s.handshake(n, uint16(handshakeLen), handshakePayload); err != nil {
		return err
	}
	s.log.Info("handshake acknowledged")

	if s.window.Base() > n {
		s.log.Info("transfer complete after handshake")
		return nil
	}

	return s.steadyState(source, n)
}

func readChunk(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return n, nil
	}
	return n, err
}

func (s *Session) handshake(n uint32, length uint16, payload []byte) error {
	datagram, err := wire.EncodeData(n, length, payload)
	if err != nil {
		return errors.Wrap(err, "sender: encode handshake")
	}

	ackBuf := make([]byte, config.AckSize)
	for {
		if err := s.checkCanceled(); err != nil {
			return err
		}

		if err := s.tp.Send(datagram); err != nil {
			return errors.Wrap(err, "sender: send handshake")
		}
		s.tp.SetReceiveTimeout(s.estimator.RTO())

		recvLen, err := s.tp.Recv(ackBuf)
		if errors.Is(err, transport.ErrTimeout) {
			s.incTimeouts()
			s.log.Debug("handshake timed out, retrying")
			continue
		}
		if err != nil {
			return errors.Wrap(err, "sender: recv handshake ack")
		}

		ack, err := wire.DecodeAck(ackBuf[:recvLen])
		if err != nil {
			s.log.WithError(err).Warn("malformed handshake ack, ignoring")
			continue
		}
		if ack == 1 {
			return nil
		}
		s.log.WithField("ack", ack).Debug("unexpected handshake ack, retrying")
	}
}

func (s *Session) steadyState(source io.Reader, n uint32) error {
	ackBuf := make([]byte, config.AckSize)

	for s.window.Base() <= n {
		if err := s.checkCanceled(); err != nil {
			return err
		}

		s.applyCwndClamp(n)

		if err := s.fillWindow(source); err != nil {
			return err
		}

		s.tp.SetReceiveTimeout(s.estimator.RTO())
		s.reportGauges()

		recvLen, err := s.tp.Recv(ackBuf)
		switch {
		case errors.Is(err, transport.ErrTimeout):
			s.onTimeout()
			continue
		case err != nil:
			return errors.Wrap(err, "sender: recv ack")
		}

		ack, err := wire.DecodeAck(ackBuf[:recvLen])
		if err != nil {
			s.log.WithError(err).Warn("malformed ack, ignoring")
			continue
		}

		s.onAck(ack)
	}

	s.log.Info("transfer complete")
	return nil
}

// applyCwndClamp enforces cwnd <= min(cwnd, N-next_seq+1, MaxWindow). The
// N-next_seq+1 term stops the window from growing past what's left to send.
func (s *Session) applyCwndClamp(n uint32) {
	remaining := int(n) - int(s.window.NextSeq()) + 1
	if remaining < 1 {
		remaining = 1
	}
	if s.controller.Cwnd() > remaining {
		s.controller.ClampTo(remaining)
	}
	if s.controller.Cwnd() > config.MaxWindow {
		s.controller.ClampTo(config.MaxWindow)
	}
}

func (s *Session) fillWindow(source io.Reader) error {
	buf := make([]byte, config.PayloadSize)

	for s.window.InFlight() < s.controller.Cwnd() && s.window.NextSeq() <= s.n {
		seq := s.window.NextSeq()

		chunkLen, err := readChunk(source, buf)
		if err != nil {
			return errors.Wrapf(err, "sender: read chunk for seqnum %d", seq)
		}

		datagram, err := wire.EncodeData(seq, uint16(chunkLen), buf)
		if err != nil {
			return errors.Wrapf(err, "sender: encode packet %d", seq)
		}

		if err := s.tp.Send(datagram); err != nil {
			return errors.Wrapf(err, "sender: send packet %d", seq)
		}
		s.incPacketsSent()

		now := time.Now()
		s.window.Store(seq, datagram, now, s.estimator.RTO())

		if !s.measure.active {
			s.measure = measurement{active: true, seq: seq, sentAt: now}
		}
	}
	return nil
}

func (s *Session) onTimeout() {
	s.incTimeouts()
	base := s.window.Base()
	s.resend(base)
	if s.metrics != nil {
		s.metrics.Retransmits.Inc()
	}
	s.controller.OnTimeout(base)
	s.log.WithField("base", base).Debug("timeout, resent base, cwnd reset")
}

// onAck dispatches an incoming cumulative ACK. The receiver always ACKs the
// highest seqnum it has delivered (expected_seq-1), so a fresh in-order
// delivery of base itself arrives as ack == base, not ack > base: base only
// ever trails one behind what's been fully delivered. A duplicate ACK for
// the same reason carries base-1 (the receiver re-announcing the last thing
// it delivered before base, because base itself hasn't arrived yet).
func (s *Session) onAck(ack uint32) {
	base := s.window.Base()

	switch {
	case ack >= base:
		if ack > s.window.NextSeq()-1 {
			s.log.WithField("ack", ack).Warn("ack exceeds next_seq, ignoring as protocol violation")
			return
		}

		s.sampleRTTIfDue(ack)
		s.window.Slide(ack)
		s.controller.OnNewAck(ack)

	case ack == base-1:
		s.incDuplicateAcks()
		action := s.controller.OnDuplicateAck(base)
		if action == congestion.ActionFastRetransmit {
			s.resend(base)
			s.incFastRetransmits()
			s.log.WithField("base", base).Debug("fast retransmit")
		}

	default: // ack < base-1
		s.log.WithField("ack", ack).Debug("stale ack, discarding")
	}
}

func (s *Session) sampleRTTIfDue(ack uint32) {
	if !s.measure.active || ack < s.measure.seq {
		return
	}

	if entry, ok := s.window.Get(s.measure.seq); ok && !entry.Resent {
		s.estimator.Sample(time.Since(s.measure.sentAt))
	}
	s.measure.active = false
}

func (s *Session) resend(seqnum uint32) {
	entry, ok := s.window.Get(seqnum)
	if !ok {
		return
	}
	if err := s.tp.Send(entry.Datagram); err != nil {
		s.log.WithError(err).Error("resend failed")
		return
	}
	s.incPacketsSent()
	s.window.MarkResent(seqnum)
	if s.measure.active && s.measure.seq == seqnum {
		s.measure.active = false
	}
	entry.TimeSent = time.Now()
}

func (s *Session) checkCanceled() error {
	if s.cancel == nil {
		return nil
	}
	select {
	case <-s.cancel:
		return ErrCanceled
	default:
		return nil
	}
}

func (s *Session) reportGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.Cwnd.Set(float64(s.controller.Cwnd()))
	s.metrics.EstRTT.Set(s.estimator.EstRTT().Seconds())
	s.metrics.DevRTT.Set(s.estimator.DevRTT().Seconds())
	s.metrics.RTO.Set(s.estimator.RTO().Seconds())
	s.metrics.Base.Set(float64(s.window.Base()))
}

func (s *Session) incPacketsSent() {
	if s.metrics != nil {
		s.metrics.PacketsSent.Inc()
	}
}

func (s *Session) incTimeouts() {
	if s.metrics != nil {
		s.metrics.Timeouts.Inc()
	}
}

func (s *Session) incDuplicateAcks() {
	if s.metrics != nil {
		s.metrics.DuplicateAcks.Inc()
	}
}

func (s *Session) incFastRetransmits() {
	if s.metrics != nil {
		s.metrics.FastRetransmits.Inc()
	}
}
