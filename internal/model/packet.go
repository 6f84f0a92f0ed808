package model

import (
	"io"

	"github.com/pkg/errors"
)

// Control Packets
const (
	CONNECT     = 1 << 4
	CONNACK     = 2 << 4
	PUBLISH     = 3 << 4
	PUBACK      = 4 << 4
	PUBREC      = 5 << 4
	PUBREL      = 6 << 4
	PUBCOMP     = 7 << 4
	SUBSCRIBE   = 8 << 4
	SUBACK      = 9 << 4
	UNSUBSCRIBE = 10 << 4
	UNSUBACK    = 11 << 4
	PINGREQ     = 12 << 4
	PINGRESP    = 13 << 4
	DISCONNECT  = 14 << 4
)

// Fixed header flags
const (
	FlagRetain = 0x01
	FlagQoS1   = 0x02
	FlagQoS2   = 0x04
	FlagDup    = 0x08
	QoSMask    = 0x06
)

// Connect flags
const (
	ConnectCleanSession = 0x02
	ConnectWill         = 0x04
	ConnectWillRetain   = 0x20
	ConnectPassword     = 0x40
	ConnectUsername     = 0x80
)

// MaxHeaderSize is the fixed header byte plus the longest remaining length.
const MaxHeaderSize = 5

// MaxRemainingLength is the largest value a 4 byte remaining length can hold.
const MaxRemainingLength = 268435455

// MaxStringLength is the longest string a 2 byte length prefix can carry.
const MaxStringLength = 0xFFFF

var ErrMalformedLength = errors.New("malformed remaining length")

var protoVersionToName = map[uint8]string{
	3: "MQIsdp",
	4: "MQTT",
}

// ProtocolName returns the CONNECT protocol name for level 3 or 4.
func ProtocolName(version uint8) (string, bool) {
	n, ok := protoVersionToName[version]
	return n, ok
}

func VariableLengthEncode(packet []byte, l int) []byte {
	for {
		eb := l % 128
		l /= 128
		if l > 0 {
			eb |= 128
		}
		packet = append(packet, byte(eb))
		if l <= 0 {
			break
		}
	}
	return packet
}

// VariableLengthDecode reads a remaining length from r.
// It returns the value and the number of length bytes consumed.
func VariableLengthDecode(r io.ByteReader) (int, int, error) {
	var l, n int
	mul := 1
	for {
		if n == 4 { // [MQTT-2.2.3]
			return 0, n, ErrMalformedLength
		}
		b, err := r.ReadByte()
		if err != nil {
			return 0, n, err
		}
		n++
		l += int(b&127) * mul
		mul *= 128
		if b&128 == 0 {
			return l, n, nil
		}
	}
}

func LengthToNumberOfVariableLengthBytes(l int) int {
	switch {
	case l < 128:
		return 1
	case l < 16384:
		return 2
	case l < 2097152:
		return 3
	default:
		return 4
	}
}

// BuildHeader writes the control byte and remaining length so they end
// exactly at MaxHeaderSize, right before a body built from that offset.
// Returns the index where the packet starts.
func BuildHeader(buf []byte, header byte, remaining int) int {
	ll := LengthToNumberOfVariableLengthBytes(remaining)
	start := MaxHeaderSize - 1 - ll
	buf[start] = header
	for i := start + 1; i < MaxHeaderSize; i++ {
		eb := byte(remaining % 128)
		remaining /= 128
		if remaining > 0 {
			eb |= 128
		}
		buf[i] = eb
	}
	return start
}

// PutString writes s as a 2 byte big endian length followed by its bytes.
func PutString(buf []byte, pos int, s string) (int, error) {
	if len(s) > MaxStringLength || pos+2+len(s) > len(buf) {
		return pos, ErrBufferOverflow
	}
	buf[pos], buf[pos+1] = byte(len(s)>>8), byte(len(s))
	pos += 2
	return pos + copy(buf[pos:], s), nil
}
