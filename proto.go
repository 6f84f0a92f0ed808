package gopubsub

import (
	"github.com/RoanBrand/gopubsub/internal/model"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var errStalled = errors.New("packet stalled")

// readPacket reads one packet into the buffer. It waits for each byte for
// at most the socket timeout, counted from the previous byte.
// It returns the number of buffered packet bytes, 0 for a packet that was
// too large to keep.
func (c *Client) readPacket() (int, error) {
	c.reader.reset()
	last := c.clock.Now()

	for {
		if c.transport.Available() == 0 {
			if !c.transport.Connected() {
				return 0, ErrConnectionLost
			}
			if c.clock.Since(last) >= c.opts.socketTimeout {
				return 0, errStalled
			}
			c.clock.Sleep(c.opts.pollInterval)
			continue
		}

		b, err := c.transport.ReadByte()
		if err != nil {
			return 0, errors.Wrap(ErrConnectionLost, err.Error())
		}
		last = c.clock.Now()

		done, err := c.reader.feed(b)
		if err != nil {
			return 0, protocolViolation(err.Error())
		}
		if done {
			n := c.reader.packetLen()
			if n == 0 {
				log.WithFields(log.Fields{
					"clientId":        c.clientID,
					"remainingLength": c.reader.remainingLength(),
				}).Warn("dropped packet larger than buffer")
			}
			return n, nil
		}
	}
}

// failRead turns a readPacket error into the matching terminal state.
func (c *Client) failRead(err error) error {
	switch {
	case errors.Is(err, ErrProtocolViolation):
		c.fail(Disconnected, err.Error())
		return err
	case errors.Is(err, errStalled):
		c.fail(ConnectionTimeout, "packet stalled mid-stream")
		return ErrConnectionTimeout
	default:
		c.fail(ConnectionLost, err.Error())
		return err
	}
}

// Loop keeps the connection alive and handles at most one incoming packet.
// It must be called regularly while connected. Message handlers run on the
// calling goroutine.
func (c *Client) Loop() error {
	if !c.Connected() {
		return ErrNotConnected
	}

	if ka := c.opts.keepAlive; ka > 0 && c.pubPending == 0 {
		now := c.clock.Now()
		if now.Sub(c.lastIn) > ka || now.Sub(c.lastOut) > ka {
			if c.pingOutstanding {
				c.fail(ConnectionTimeout, "no PINGRESP within keepalive")
				return ErrConnectionTimeout
			}

			c.buf.Reset()
			if err := c.send(model.PINGREQ); err != nil {
				return err
			}
			c.lastIn = now
			c.pingOutstanding = true
		}
	}

	if c.transport.Available() == 0 {
		return nil
	}

	n, err := c.readPacket()
	if err != nil {
		return c.failRead(err)
	}
	if n == 0 {
		return nil
	}
	c.lastIn = c.clock.Now()

	pkt := c.buf.Bytes()[:n]
	switch pkt[0] & 0xF0 {
	case model.PUBLISH:
		return c.handlePublish(pkt)
	case model.PINGREQ:
		if c.pubPending > 0 {
			c.owedPingResp = true
			return nil
		}
		c.buf.Reset()
		return c.send(model.PINGRESP)
	case model.PINGRESP:
		c.pingOutstanding = false
	default:
		if log.IsLevelEnabled(log.DebugLevel) {
			log.WithFields(log.Fields{
				"clientId": c.clientID,
				"type":     pkt[0] >> 4,
			}).Debug("ignoring packet")
		}
	}
	return nil
}

func (c *Client) handlePublish(pkt []byte) error {
	p, err := model.DecodePublish(pkt, c.reader.lenLen)
	if err != nil {
		log.WithFields(log.Fields{
			"clientId": c.clientID,
			"err":      err,
		}).Warn("dropping PUBLISH")
		return nil
	}

	if p.QoS > 1 {
		log.WithFields(log.Fields{
			"clientId": c.clientID,
			"topic":    string(p.Topic),
			"QoS":      p.QoS,
		}).Debug("PUBLISH QoS not supported, dropping")
		return nil
	}

	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{
			"clientId": c.clientID,
			"topic":    string(p.Topic),
			"QoS":      p.QoS,
			"retain":   p.Retain,
			"len":      c.reader.remainingLength(),
		}).Debug("Got PUBLISH packet")
	}

	id := p.PacketID
	if c.handler != nil {
		c.handler(string(p.Topic), p.Payload)
	}

	if p.QoS == 1 && c.Connected() {
		if c.pubPending > 0 {
			c.owedAcks = append(c.owedAcks, id)
			return nil
		}
		return c.sendPuback(id)
	}
	return nil
}

func (c *Client) sendPuback(id uint16) error {
	c.buf.Reset()
	c.buf.WriteUint16(id)
	return c.send(model.PUBACK)
}

// flushOwed sends the PUBACKs and PINGRESP held back during a streamed
// PUBLISH, in arrival order.
func (c *Client) flushOwed() error {
	for len(c.owedAcks) > 0 {
		id := c.owedAcks[0]
		c.owedAcks = c.owedAcks[1:]
		if err := c.sendPuback(id); err != nil {
			return err
		}
	}
	if c.owedPingResp {
		c.owedPingResp = false
		c.buf.Reset()
		return c.send(model.PINGRESP)
	}
	return nil
}
