package gopubsub

import (
	"io"
	"time"

	"github.com/RoanBrand/gopubsub/internal/clock"
	"github.com/RoanBrand/gopubsub/internal/model"
	"github.com/RoanBrand/gopubsub/internal/transport"
	"github.com/pkg/errors"
)

// Default configuration values.
const (
	DefaultKeepAlive       = 15 * time.Second
	DefaultSocketTimeout   = 15 * time.Second
	DefaultMaxPacketSize   = 256
	DefaultProtocolVersion = 4

	minPacketSize       = 16
	defaultPollInterval = time.Millisecond
)

// MessageHandler is called from Loop for every PUBLISH received.
// payload aliases the client's packet buffer: it is only valid until the
// handler returns or the client sends something.
type MessageHandler func(topic string, payload []byte)

type options struct {
	transport Transport
	websocket bool

	handler MessageHandler
	sink    io.Writer
	clock   clock.Clock

	keepAlive     time.Duration
	socketTimeout time.Duration
	pollInterval  time.Duration

	maxPacketSize   int
	maxTransferSize int
	protocolVersion uint8
}

type Option func(*options)

// WithTransport replaces the default TCP transport.
func WithTransport(t Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithWebsocket carries MQTT over a websocket instead of plain TCP.
func WithWebsocket() Option {
	return func(o *options) {
		o.websocket = true
	}
}

func WithHandler(h MessageHandler) Option {
	return func(o *options) {
		o.handler = h
	}
}

// WithStream attaches an overflow sink that receives the payload bytes of
// every incoming PUBLISH, including those too large for the packet buffer.
func WithStream(w io.Writer) Option {
	return func(o *options) {
		o.sink = w
	}
}

// WithKeepAlive sets the keepalive interval sent in CONNECT. 0 disables it.
func WithKeepAlive(d time.Duration) Option {
	return func(o *options) {
		o.keepAlive = d
	}
}

// WithSocketTimeout bounds the wait for the next byte of a packet and for
// CONNACK.
func WithSocketTimeout(d time.Duration) Option {
	return func(o *options) {
		o.socketTimeout = d
	}
}

// WithMaxPacketSize sets the largest packet body the client can build or
// receive. The buffer is allocated once and never grows.
func WithMaxPacketSize(n int) Option {
	return func(o *options) {
		o.maxPacketSize = n
	}
}

// WithMaxTransferSize splits outbound packets into writes of at most n bytes.
func WithMaxTransferSize(n int) Option {
	return func(o *options) {
		o.maxTransferSize = n
	}
}

// WithProtocolVersion selects MQTT 3.1 (3) or 3.1.1 (4).
func WithProtocolVersion(v uint8) Option {
	return func(o *options) {
		o.protocolVersion = v
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func checkOptions(o *options) error {
	if o.keepAlive < 0 || o.keepAlive > 0xFFFF*time.Second {
		return errors.Wrap(ErrInvalidArgument, "keepalive out of range")
	}

	if o.socketTimeout <= 0 {
		o.socketTimeout = DefaultSocketTimeout
	}
	if o.pollInterval <= 0 {
		o.pollInterval = defaultPollInterval
	}

	if o.maxPacketSize == 0 {
		o.maxPacketSize = DefaultMaxPacketSize
	}
	if o.maxPacketSize < minPacketSize || o.maxPacketSize > model.MaxRemainingLength {
		return errors.Wrapf(ErrInvalidArgument, "max packet size %d", o.maxPacketSize)
	}
	if o.maxTransferSize < 0 {
		return errors.Wrap(ErrInvalidArgument, "negative max transfer size")
	}

	if o.protocolVersion == 0 {
		o.protocolVersion = DefaultProtocolVersion
	}
	if _, ok := model.ProtocolName(o.protocolVersion); !ok {
		return errors.Wrapf(ErrInvalidArgument, "unsupported protocol version %d", o.protocolVersion)
	}

	if o.clock == nil {
		o.clock = clock.Real
	}

	if o.transport == nil {
		if o.websocket {
			o.transport = transport.NewWebsocket(o.socketTimeout)
		} else {
			o.transport = transport.NewTCP(o.socketTimeout)
		}
	}

	return nil
}
