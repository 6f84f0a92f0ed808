package gopubsub

import "strconv"

// State of the connection to the broker. Positive values are CONNACK
// return codes reported by the broker.
type State int

const (
	ConnectInProgress State = -5
	ConnectionTimeout State = -4
	ConnectionLost    State = -3
	ConnectFailed     State = -2
	Disconnected      State = -1
	Connected         State = 0
	BadProtocol       State = 1
	BadClientID       State = 2
	Unavailable       State = 3
	BadCredentials    State = 4
	Unauthorized      State = 5
)

var stateNames = map[State]string{
	ConnectInProgress: "connect in progress",
	ConnectionTimeout: "connection timeout",
	ConnectionLost:    "connection lost",
	ConnectFailed:     "connect failed",
	Disconnected:      "disconnected",
	Connected:         "connected",
	BadProtocol:       "bad protocol",
	BadClientID:       "bad client id",
	Unavailable:       "unavailable",
	BadCredentials:    "bad credentials",
	Unauthorized:      "unauthorized",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "connack code " + strconv.Itoa(int(s))
}

// err maps a failed state to the error reported by Connect.
func (s State) err() error {
	switch {
	case s == ConnectionTimeout:
		return ErrConnectionTimeout
	case s == ConnectionLost:
		return ErrConnectionLost
	case s == ConnectFailed:
		return ErrTransportConnectFailed
	case s == Disconnected:
		return ErrProtocolViolation
	case s > 0:
		return &ConnectRefusedError{Code: byte(s)}
	}
	return nil
}
