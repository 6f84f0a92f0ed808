package gopubsub

import (
	"github.com/RoanBrand/gopubsub/internal/model"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Publish sends a QoS 0 PUBLISH. The whole packet must fit the buffer; use
// BeginPublish for larger payloads.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	if topic == "" {
		return errors.Wrap(ErrInvalidArgument, "empty topic")
	}
	if len(topic) > model.MaxStringLength || model.MaxHeaderSize+2+len(topic)+len(payload) > c.buf.Cap() {
		return ErrMessageTooLarge
	}
	if !c.Connected() {
		return ErrNotConnected
	}
	if err := c.checkStreamIdle(); err != nil {
		return err
	}

	c.buf.Reset()
	if err := c.buf.WriteString(topic); err != nil {
		return errors.Wrap(ErrMessageTooLarge, err.Error())
	}
	if _, err := c.buf.Write(payload); err != nil {
		return errors.Wrap(ErrMessageTooLarge, err.Error())
	}

	header := byte(model.PUBLISH)
	if retained {
		header |= model.FlagRetain
	}
	return c.send(header)
}

// BeginPublish starts a QoS 0 PUBLISH whose payload of exactly payloadLen
// bytes follows through Write or WriteByte. EndPublish completes it.
func (c *Client) BeginPublish(topic string, payloadLen int, retained bool) error {
	if topic == "" || payloadLen < 0 {
		return errors.Wrap(ErrInvalidArgument, "BeginPublish")
	}
	if err := c.checkStreamIdle(); err != nil {
		return err
	}
	remaining := 2 + len(topic) + payloadLen
	if len(topic) > model.MaxStringLength || len(topic) > c.buf.MaxPacketSize()-2 || remaining > model.MaxRemainingLength {
		return ErrMessageTooLarge
	}
	if !c.Connected() {
		return ErrNotConnected
	}

	header := byte(model.PUBLISH)
	if retained {
		header |= model.FlagRetain
	}

	c.buf.Reset()
	if err := c.buf.WriteString(topic); err != nil {
		return errors.Wrap(ErrMessageTooLarge, err.Error())
	}
	start := model.BuildHeader(c.buf.Bytes(), header, remaining)
	hdr := c.buf.Bytes()[start : model.MaxHeaderSize+c.buf.Len()]
	if err := c.write(hdr); err != nil {
		c.fail(ConnectionLost, "write failed: "+err.Error())
		return errors.Wrap(ErrConnectionLost, err.Error())
	}

	c.pubPending = payloadLen
	return nil
}

// Write sends payload bytes of the publish started by BeginPublish.
func (c *Client) Write(p []byte) (int, error) {
	if len(p) > c.pubPending {
		return 0, errors.Wrapf(ErrInvalidArgument, "%d bytes past announced payload length", len(p)-c.pubPending)
	}
	if err := c.write(p); err != nil {
		c.fail(ConnectionLost, "write failed: "+err.Error())
		return 0, errors.Wrap(ErrConnectionLost, err.Error())
	}
	c.pubPending -= len(p)
	return len(p), nil
}

func (c *Client) WriteByte(b byte) error {
	_, err := c.Write([]byte{b})
	return err
}

// EndPublish checks that the announced payload was written in full. A short
// payload leaves the stream unusable, so the connection is dropped.
// Replies owed to the broker while the payload was open are sent now.
func (c *Client) EndPublish() error {
	if c.pubPending != 0 {
		missing := c.pubPending
		c.fail(Disconnected, "publish payload incomplete")
		return errors.Wrapf(ErrInvalidArgument, "publish payload short by %d bytes", missing)
	}
	return c.flushOwed()
}

// checkStreamIdle refuses to start a packet inside an open streamed publish.
func (c *Client) checkStreamIdle() error {
	if c.pubPending > 0 {
		return errors.Wrapf(ErrInvalidArgument, "streamed publish owes %d payload bytes", c.pubPending)
	}
	return nil
}

// Subscribe requests topic at qos 0 or 1. It does not wait for SUBACK.
func (c *Client) Subscribe(topic string, qos uint8) error {
	if topic == "" {
		return errors.Wrap(ErrInvalidArgument, "empty topic")
	}
	if qos > 1 {
		return errors.Wrapf(ErrInvalidArgument, "QoS %d", qos)
	}
	if len(topic) > model.MaxStringLength || 2+2+len(topic)+1 > c.buf.MaxPacketSize() {
		return ErrMessageTooLarge
	}
	if !c.Connected() {
		return ErrNotConnected
	}
	if err := c.checkStreamIdle(); err != nil {
		return err
	}

	c.buf.Reset()
	if err := c.buf.WriteUint16(c.nextID()); err != nil {
		return errors.Wrap(ErrMessageTooLarge, err.Error())
	}
	if err := c.buf.WriteString(topic); err != nil {
		return errors.Wrap(ErrMessageTooLarge, err.Error())
	}
	if err := c.buf.WriteByte(qos); err != nil {
		return errors.Wrap(ErrMessageTooLarge, err.Error())
	}

	log.WithFields(log.Fields{
		"clientId": c.clientID,
		"topic":    topic,
		"QoS":      qos,
	}).Debug("Sending SUBSCRIBE")
	return c.send(model.SUBSCRIBE | model.FlagQoS1)
}

// Unsubscribe removes a subscription. It does not wait for UNSUBACK.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return errors.Wrap(ErrInvalidArgument, "empty topic")
	}
	if len(topic) > model.MaxStringLength || 2+2+len(topic) > c.buf.MaxPacketSize() {
		return ErrMessageTooLarge
	}
	if !c.Connected() {
		return ErrNotConnected
	}
	if err := c.checkStreamIdle(); err != nil {
		return err
	}

	c.buf.Reset()
	if err := c.buf.WriteUint16(c.nextID()); err != nil {
		return errors.Wrap(ErrMessageTooLarge, err.Error())
	}
	if err := c.buf.WriteString(topic); err != nil {
		return errors.Wrap(ErrMessageTooLarge, err.Error())
	}

	log.WithFields(log.Fields{
		"clientId": c.clientID,
		"topic":    topic,
	}).Debug("Sending UNSUBSCRIBE")
	return c.send(model.UNSUBSCRIBE | model.FlagQoS1)
}
