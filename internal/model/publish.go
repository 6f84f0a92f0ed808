package model

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var ErrMalformedPacket = errors.New("malformed packet")

// Publish is a view of a PUBLISH packet held in a Buffer.
// Topic and Payload alias the buffer and are only valid until it is reused.
type Publish struct {
	Topic    []byte
	Payload  []byte
	PacketID uint16 // QoS > 0
	QoS      uint8
	Retain   bool
	Dup      bool
}

// DecodePublish splits a complete PUBLISH packet. lengthBytes is the number
// of remaining length bytes following the control byte.
func DecodePublish(pkt []byte, lengthBytes int) (Publish, error) {
	if len(pkt) < 1 || pkt[0]&0xF0 != PUBLISH {
		return Publish{}, errors.Wrap(ErrMalformedPacket, "not a PUBLISH")
	}

	flags := pkt[0] & 0x0F
	p := Publish{
		QoS:    (flags & QoSMask) >> 1,
		Retain: flags&FlagRetain > 0,
		Dup:    flags&FlagDup > 0,
	}

	i := 1 + lengthBytes
	if len(pkt) < i+2 {
		return p, errors.Wrap(ErrMalformedPacket, "PUBLISH without topic length")
	}
	tLen := int(binary.BigEndian.Uint16(pkt[i:]))
	i += 2
	if len(pkt) < i+tLen {
		return p, errors.Wrap(ErrMalformedPacket, "PUBLISH topic truncated")
	}
	p.Topic = pkt[i : i+tLen]
	i += tLen

	if p.QoS > 0 {
		if len(pkt) < i+2 {
			return p, errors.Wrap(ErrMalformedPacket, "PUBLISH without packet id")
		}
		p.PacketID = binary.BigEndian.Uint16(pkt[i:])
		i += 2
	}

	p.Payload = pkt[i:]
	return p, nil
}
