package gopubsub

import (
	"context"
	"time"

	"github.com/RoanBrand/gopubsub/internal/model"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Will is the message the broker publishes if the client goes away
// without sending DISCONNECT.
type Will struct {
	Topic   string
	Message []byte
	QoS     uint8
	Retain  bool
}

type ConnectOptions struct {
	ClientID string
	// Empty Username and Password are left out of CONNECT.
	// A Password needs a Username.
	Username string
	Password string
	Will     *Will
	// KeepSession asks the broker to resume the previous session instead
	// of starting clean.
	KeepSession bool
}

func (o *ConnectOptions) check() error {
	if o.Password != "" && o.Username == "" {
		return errors.Wrap(ErrInvalidArgument, "password without username")
	}
	if w := o.Will; w != nil {
		if w.Topic == "" {
			return errors.Wrap(ErrInvalidArgument, "empty will topic")
		}
		if w.QoS > 2 {
			return errors.Wrapf(ErrInvalidArgument, "will QoS %d", w.QoS)
		}
	}
	return nil
}

func (c *Client) encodeConnect(o *ConnectOptions) error {
	name, _ := model.ProtocolName(c.opts.protocolVersion)

	var flags byte
	if !o.KeepSession {
		flags |= model.ConnectCleanSession
	}
	if w := o.Will; w != nil {
		flags |= model.ConnectWill | w.QoS<<3
		if w.Retain {
			flags |= model.ConnectWillRetain
		}
	}
	if o.Username != "" {
		flags |= model.ConnectUsername
		if o.Password != "" {
			flags |= model.ConnectPassword
		}
	}

	b := c.buf
	b.Reset()
	if err := b.WriteString(name); err != nil {
		return err
	}
	if err := b.WriteByte(c.opts.protocolVersion); err != nil {
		return err
	}
	if err := b.WriteByte(flags); err != nil {
		return err
	}
	if err := b.WriteUint16(uint16(c.opts.keepAlive / time.Second)); err != nil {
		return err
	}
	if err := b.WriteString(o.ClientID); err != nil {
		return err
	}
	if w := o.Will; w != nil {
		if err := b.WriteString(w.Topic); err != nil {
			return err
		}
		if err := b.WriteString(string(w.Message)); err != nil {
			return err
		}
	}
	if o.Username != "" {
		if err := b.WriteString(o.Username); err != nil {
			return err
		}
		if o.Password != "" {
			if err := b.WriteString(o.Password); err != nil {
				return err
			}
		}
	}
	return nil
}

// BeginConnect opens the transport and sends CONNECT without waiting for
// CONNACK. Drive the handshake with PollConnect.
func (c *Client) BeginConnect(ctx context.Context, o ConnectOptions) error {
	if c.Connected() {
		return nil
	}
	if err := o.check(); err != nil {
		return err
	}
	if err := c.encodeConnect(&o); err != nil {
		return errors.Wrap(ErrMessageTooLarge, "CONNECT")
	}

	if c.transport.Connected() {
		c.closeTransport()
	}
	c.reader.reset()
	c.clientID = o.ClientID

	if err := c.transport.Connect(ctx, c.address); err != nil {
		c.state = ConnectFailed
		log.WithFields(log.Fields{
			"clientId": c.clientID,
			"address":  c.address,
			"err":      err,
		}).Warn("unable to reach broker")
		return errors.Wrapf(ErrTransportConnectFailed, "%s: %v", c.address, err)
	}

	c.msgID = 0
	if err := c.write(c.buf.Packet(model.CONNECT)); err != nil {
		c.fail(ConnectFailed, "unable to send CONNECT: "+err.Error())
		return errors.Wrap(ErrTransportConnectFailed, err.Error())
	}

	now := c.clock.Now()
	c.lastIn, c.lastOut = now, now
	c.pingOutstanding = false
	c.state = ConnectInProgress

	log.WithFields(log.Fields{
		"clientId": c.clientID,
		"address":  c.address,
	}).Debug("Sent CONNECT")
	return nil
}

// PollConnect advances a connection attempt started by BeginConnect and
// returns the resulting state. It does nothing outside ConnectInProgress.
func (c *Client) PollConnect() State {
	if c.state != ConnectInProgress {
		return c.state
	}

	if c.transport.Available() == 0 {
		if !c.transport.Connected() {
			c.fail(ConnectionLost, "connection closed before CONNACK")
		} else if c.clock.Since(c.lastIn) >= c.opts.socketTimeout {
			c.fail(ConnectionTimeout, "timed out waiting for CONNACK")
		}
		return c.state
	}

	n, err := c.readPacket()
	if err != nil {
		c.failRead(err)
		return c.state
	}

	pkt := c.buf.Bytes()[:n]
	if n != 4 || pkt[0] != model.CONNACK || pkt[1] != 2 {
		c.fail(ConnectFailed, "expected CONNACK")
		return c.state
	}

	if code := pkt[3]; code != 0 {
		c.fail(State(code), "broker refused connection")
		return c.state
	}

	c.lastIn = c.clock.Now()
	c.pingOutstanding = false
	c.state = Connected

	log.WithFields(log.Fields{
		"clientId":       c.clientID,
		"sessionPresent": pkt[2]&0x01 > 0,
	}).Info("Connected to broker")
	return c.state
}

// ConnectStatus is PollConnect.
func (c *Client) ConnectStatus() State {
	return c.PollConnect()
}

// Connect runs BeginConnect and PollConnect until the broker answers, the
// socket timeout passes or ctx is done.
func (c *Client) Connect(ctx context.Context, o ConnectOptions) error {
	if err := c.BeginConnect(ctx, o); err != nil {
		return err
	}

	for {
		switch s := c.PollConnect(); s {
		case Connected:
			return nil
		case ConnectInProgress:
		default:
			return s.err()
		}

		select {
		case <-ctx.Done():
			c.fail(Disconnected, "connect cancelled")
			return ctx.Err()
		default:
		}
		c.clock.Sleep(c.opts.pollInterval)
	}
}
