// Package transport implements the datagram transport collaborator (C2):
// send a buffer, receive up to N bytes with a deadline, and a settable
// receive timeout. It is otherwise stateless — it never reorders, buffers,
// or retries on the caller's behalf.
package transport

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout is returned by Recv when no datagram arrives before the
// currently configured receive timeout elapses. The sender loop treats this
// as the retransmission trigger, never as a fatal error.
var ErrTimeout = errors.New("transport: receive timed out")

// minSettableTimeout is the floor below which SetReceiveTimeout is treated
// as "do not change", guarding against a pathologically short OS deadline.
const minSettableTimeout = 10 * time.Millisecond

// Transport is the capability interface the sender and receiver loops
// depend on. A real implementation wraps a pair of UDP sockets; tests
// inject a lossy/reordering fake instead.
type Transport interface {
	// Send transmits datagram to the peer. A non-timeout OS error is
	// fatal and aborts the caller's loop.
	Send(datagram []byte) error

	// Recv blocks for up to the current receive timeout and returns the
	// bytes written into buf. It returns ErrTimeout on expiry, or a
	// wrapped OS error for anything else.
	Recv(buf []byte) (n int, err error)

	// SetReceiveTimeout installs the deadline used by the next and all
	// subsequent Recv calls. A value at or below 10ms is ignored.
	SetReceiveTimeout(d time.Duration)

	// Close releases the underlying sockets.
	Close() error
}

// UDPTransport is the production Transport: one unconnected socket used
// only to send toward a fixed peer address, and one socket bound to a fixed
// local address used only to receive. Mirrors the reference client/server's
// two-socket layout (a send_sockfd and a listen_sockfd).
type UDPTransport struct {
	sendConn *net.UDPConn
	peerAddr *net.UDPAddr
	recvConn *net.UDPConn
	timeout  time.Duration
}

// NewUDPTransport binds a receive socket at localAddr and opens an ephemeral
// socket for sending datagrams to peerAddr.
func NewUDPTransport(localAddr, peerAddr *net.UDPAddr) (*UDPTransport, error) {
	recvConn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: bind receive socket on %s", localAddr)
	}

	sendConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		recvConn.Close()
		return nil, errors.Wrap(err, "transport: open send socket")
	}

	return &UDPTransport{
		sendConn: sendConn,
		peerAddr: peerAddr,
		recvConn: recvConn,
	}, nil
}

// Send implements Transport.
func (t *UDPTransport) Send(datagram []byte) error {
	_, err := t.sendConn.WriteToUDP(datagram, t.peerAddr)
	if err != nil {
		return errors.Wrap(err, "transport: send")
	}
	return nil
}

// Recv implements Transport.
func (t *UDPTransport) Recv(buf []byte) (int, error) {
	if t.timeout > 0 {
		if err := t.recvConn.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
			return 0, errors.Wrap(err, "transport: set read deadline")
		}
	}

	n, _, err := t.recvConn.ReadFromUDP(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return 0, ErrTimeout
		}
		return 0, errors.Wrap(err, "transport: recv")
	}
	return n, nil
}

// SetReceiveTimeout implements Transport.
func (t *UDPTransport) SetReceiveTimeout(d time.Duration) {
	if d <= minSettableTimeout {
		return
	}
	t.timeout = d
}

// Close implements Transport.
func (t *UDPTransport) Close() error {
	sendErr := t.sendConn.Close()
	recvErr := t.recvConn.Close()
	if sendErr != nil {
		return errors.Wrap(sendErr, "transport: close send socket")
	}
	if recvErr != nil {
		return errors.Wrap(recvErr, "transport: close receive socket")
	}
	return nil
}
