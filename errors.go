package gopubsub

import (
	"strconv"

	"github.com/pkg/errors"
)

var (
	ErrTransportConnectFailed = errors.New("transport connect failed")
	ErrConnectionTimeout      = errors.New("connection timeout")
	ErrConnectionLost         = errors.New("connection lost")
	ErrProtocolViolation      = errors.New("broker protocol violation")
	ErrMessageTooLarge        = errors.New("message too large for packet buffer")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrNotConnected           = errors.New("not connected")
)

var connackReasons = map[byte]string{
	1: "unacceptable protocol version",
	2: "identifier rejected",
	3: "server unavailable",
	4: "bad user name or password",
	5: "not authorized",
}

// ConnectRefusedError carries a non-zero CONNACK return code.
type ConnectRefusedError struct {
	Code byte
}

func (e *ConnectRefusedError) Error() string {
	if r, ok := connackReasons[e.Code]; ok {
		return "connection refused: " + r
	}
	return "connection refused: return code " + strconv.Itoa(int(e.Code))
}

func protocolViolation(msg string) error {
	return errors.Wrap(ErrProtocolViolation, msg)
}
