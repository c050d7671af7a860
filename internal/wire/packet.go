// Package wire implements the fixed-layout on-wire codec (C1): data packets
// and ACK datagrams. All fields are read and written at fixed byte offsets;
// there is no variable framing, and each encode call allocates only the
// one fixed-size datagram it returns.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/nullbyte-dev/rudpxfer/internal/config"
)

const (
	offsetLength = 0
	offsetSeqnum = 2
	offsetPayload = 6
)

// byteOrder is little-endian on the wire; this is the resolution of the
// source's ambiguous host-order framing (see DESIGN.md).
var byteOrder = binary.LittleEndian

// DataPacket is a decoded data datagram: seqnum, the number of meaningful
// payload bytes, and the payload itself. Payload is a view into the decoded
// buffer's fixed-size region, not a fresh copy.
type DataPacket struct {
	Seqnum  uint32
	Length  uint16
	Payload []byte
}

// EncodeData serializes a data packet into a freshly-allocated
// config.PacketSize-byte datagram. It fails if length exceeds PayloadSize.
func EncodeData(seqnum uint32, length uint16, payload []byte) ([]byte, error) {
	if int(length) > config.PayloadSize {
		return nil, fmt.Errorf("wire: length %d exceeds payload size %d", length, config.PayloadSize)
	}
	if len(payload) < int(length) {
		return nil, fmt.Errorf("wire: payload shorter than declared length %d", length)
	}

	buf := make([]byte, config.PacketSize)
	byteOrder.PutUint16(buf[offsetLength:], length)
	byteOrder.PutUint32(buf[offsetSeqnum:], seqnum)
	copy(buf[offsetPayload:], payload[:length])
	return buf, nil
}

// DecodeData parses a data datagram. It fails if the datagram isn't exactly
// config.PacketSize bytes, or if the declared length exceeds PayloadSize.
func DecodeData(datagram []byte) (DataPacket, error) {
	if len(datagram) != config.PacketSize {
		return DataPacket{}, fmt.Errorf("wire: data datagram is %d bytes, want %d", len(datagram), config.PacketSize)
	}

	length := byteOrder.Uint16(datagram[offsetLength:])
	if int(length) > config.PayloadSize {
		return DataPacket{}, fmt.Errorf("wire: declared length %d exceeds payload size %d", length, config.PayloadSize)
	}
	seqnum := byteOrder.Uint32(datagram[offsetSeqnum:])

	return DataPacket{
		Seqnum:  seqnum,
		Length:  length,
		Payload: datagram[offsetPayload : offsetPayload+int(length)],
	}, nil
}

// EncodeAck serializes a cumulative ACK number into a fresh 4-byte datagram.
func EncodeAck(n uint32) []byte {
	buf := make([]byte, config.AckSize)
	byteOrder.PutUint32(buf, n)
	return buf
}

// DecodeAck parses an ACK datagram. It fails if the datagram isn't exactly
// 4 bytes.
func DecodeAck(datagram []byte) (uint32, error) {
	if len(datagram) != config.AckSize {
		return 0, fmt.Errorf("wire: ack datagram is %d bytes, want %d", len(datagram), config.AckSize)
	}
	return byteOrder.Uint32(datagram), nil
}
