// Package gopubsub is a small MQTT 3.1/3.1.1 client driven from a single
// goroutine. All packets are built and parsed in one fixed size buffer.
package gopubsub

import (
	"io"
	"time"

	"github.com/RoanBrand/gopubsub/internal/clock"
	"github.com/RoanBrand/gopubsub/internal/model"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Client is not safe for concurrent use.
type Client struct {
	address string
	opts    options

	transport Transport
	clock     clock.Clock
	handler   MessageHandler

	buf    *model.Buffer
	reader packetReader

	state           State
	msgID           uint16
	lastIn, lastOut time.Time
	pingOutstanding bool

	clientID   string
	pubPending int // payload bytes still owed by a streamed PUBLISH

	// replies held back until a streamed PUBLISH ends
	owedAcks     []uint16
	owedPingResp bool
}

// NewClient prepares a client for the broker at address. Nothing is sent
// until BeginConnect or Connect.
func NewClient(address string, opts ...Option) (*Client, error) {
	o := options{keepAlive: DefaultKeepAlive}
	for _, opt := range opts {
		opt(&o)
	}
	if err := checkOptions(&o); err != nil {
		return nil, err
	}

	c := Client{
		address:   address,
		opts:      o,
		transport: o.transport,
		clock:     o.clock,
		handler:   o.handler,
		buf:       model.NewBuffer(o.maxPacketSize),
		state:     Disconnected,
	}
	c.reader.buf = c.buf.Bytes()
	c.reader.sink = o.sink

	now := c.clock.Now()
	c.lastIn, c.lastOut = now, now
	return &c, nil
}

// SetHandler replaces the PUBLISH handler. nil drops incoming messages.
func (c *Client) SetHandler(h MessageHandler) {
	c.handler = h
}

// SetStream replaces the overflow sink. nil detaches it.
func (c *Client) SetStream(w io.Writer) {
	c.reader.sink = w
}

func (c *Client) State() State {
	return c.state
}

// Connected reports whether the transport is open and the broker accepted
// the connection. A transport found closed while connected moves the client
// to ConnectionLost.
func (c *Client) Connected() bool {
	ok := c.transport.Connected()
	if !ok && c.state == Connected {
		c.fail(ConnectionLost, "transport closed")
	}
	return ok && c.state == Connected
}

// Disconnect sends DISCONNECT if it can and closes the transport.
func (c *Client) Disconnect() {
	if c.transport.Connected() && c.pubPending == 0 {
		c.buf.Reset()
		if err := c.write(c.buf.Packet(model.DISCONNECT)); err != nil {
			log.WithFields(log.Fields{
				"clientId": c.clientID,
				"err":      err,
			}).Debug("unable to send DISCONNECT")
		}
	}

	if c.state == Connected {
		log.WithFields(log.Fields{
			"clientId": c.clientID,
		}).Info("Disconnected from broker")
	}

	c.state = Disconnected
	c.closeTransport()
	now := c.clock.Now()
	c.lastIn, c.lastOut = now, now
}

// fail moves the client to a terminal state and closes the transport.
func (c *Client) fail(s State, reason string) {
	log.WithFields(log.Fields{
		"clientId": c.clientID,
		"state":    s,
	}).Warn(reason)

	c.state = s
	c.closeTransport()
}

func (c *Client) closeTransport() {
	c.reader.reset()
	c.pubPending = 0
	c.owedAcks = c.owedAcks[:0]
	c.owedPingResp = false
	if err := c.transport.Close(); err != nil {
		log.WithFields(log.Fields{
			"clientId": c.clientID,
			"err":      err,
		}).Debug("transport close")
	}
}

// write sends p in chunks of at most MaxTransferSize bytes.
func (c *Client) write(p []byte) error {
	for len(p) > 0 {
		chunk := p
		if m := c.opts.maxTransferSize; m > 0 && len(chunk) > m {
			chunk = chunk[:m]
		}
		n, err := c.transport.Write(chunk)
		if err != nil {
			return err
		}
		if n != len(chunk) {
			return io.ErrShortWrite
		}
		p = p[n:]
	}

	c.lastOut = c.clock.Now()
	return nil
}

// send writes the body in the buffer as a packet of the given type.
// A failed write is fatal for the connection.
func (c *Client) send(header byte) error {
	if err := c.write(c.buf.Packet(header)); err != nil {
		c.fail(ConnectionLost, "write failed: "+err.Error())
		return errors.Wrap(ErrConnectionLost, err.Error())
	}
	return nil
}

func (c *Client) nextID() uint16 {
	c.msgID++
	if c.msgID == 0 {
		c.msgID = 1
	}
	return c.msgID
}
