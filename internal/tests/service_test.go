package tests_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/RoanBrand/gopubsub"
	"github.com/RoanBrand/gopubsub/internal/device"
	paho "github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func TestService(t *testing.T) {
	logrus.SetLevel(logrus.ErrorLevel)

	t.Run("connect", testConnect)
	t.Run("refused", testRefused)
	t.Run("qos0", testQoS0)
	t.Run("qos1", testQoS1)
	t.Run("subscribe", testSubscribe)
	t.Run("keepalive", testKeepAlive)
	t.Run("lost", testLost)
	t.Run("websocket", testWebsocket)
	t.Run("device", testDevice)
}

func dial(t *testing.T, b *fakeBroker, opts ...gopubsub.Option) (*gopubsub.Client, *peer) {
	t.Helper()

	c, err := gopubsub.NewClient(b.addr, opts...)
	if err != nil {
		t.Fatal(err)
	}
	if err = c.BeginConnect(context.Background(), gopubsub.ConnectOptions{ClientID: generateNewClientID()}); err != nil {
		t.Fatal(err)
	}

	p := b.accept(t)
	p.connack(t, 0)

	deadline := time.Now().Add(2 * time.Second)
	for c.PollConnect() == gopubsub.ConnectInProgress {
		if time.Now().After(deadline) {
			t.Fatal("no CONNACK")
		}
		time.Sleep(time.Millisecond)
	}
	if !c.Connected() {
		t.Fatal(c.State())
	}
	return c, p
}

func testConnect(t *testing.T) {
	t.Parallel()

	b := newTCPBroker(t)
	c, err := gopubsub.NewClient(b.addr)
	if err != nil {
		t.Fatal(err)
	}

	cID := generateNewClientID()
	errs := make(chan error, 1)
	go func() {
		errs <- c.Connect(context.Background(), gopubsub.ConnectOptions{ClientID: cID, Username: "u", Password: "p"})
	}()

	p := b.accept(t)
	cp := p.connack(t, 0)
	if cp.ClientIdentifier != cID || cp.Username != "u" || string(cp.Password) != "p" || !cp.CleanSession {
		t.Fatal(cp)
	}

	select {
	case err := <-errs:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return")
	}

	c.Disconnect()
	if _, ok := p.expect(t).(*paho.DisconnectPacket); !ok {
		t.Fatal("expected DISCONNECT")
	}
	select {
	case <-p.dead:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after DISCONNECT")
	}
}

func testRefused(t *testing.T) {
	t.Parallel()

	b := newTCPBroker(t)
	c, err := gopubsub.NewClient(b.addr)
	if err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 1)
	go func() {
		errs <- c.Connect(context.Background(), gopubsub.ConnectOptions{ClientID: generateNewClientID()})
	}()
	b.accept(t).connack(t, 4)

	var refused *gopubsub.ConnectRefusedError
	if err = <-errs; !errors.As(err, &refused) || refused.Code != 4 {
		t.Fatal(err)
	}
}

func testQoS0(t *testing.T) {
	t.Parallel()

	b := newTCPBroker(t)
	var got [][]byte
	c, p := dial(t, b, gopubsub.WithHandler(func(topic string, payload []byte) {
		if topic == "sensors/42" {
			got = append(got, append([]byte(nil), payload...))
		}
	}))
	defer c.Disconnect()

	if err := c.Publish("sensors/42", []byte("ACTIVE"), true); err != nil {
		t.Fatal(err)
	}
	pub := p.expect(t).(*paho.PublishPacket)
	if pub.TopicName != "sensors/42" || string(pub.Payload) != "ACTIVE" || !pub.Retain || pub.Qos != 0 {
		t.Fatal(pub)
	}

	// echo back, split over several TCP segments
	var w bytes.Buffer
	if err := publish("sensors/42", 0, 0, []byte("INACTIVE")).Write(&w); err != nil {
		t.Fatal(err)
	}
	raw := w.Bytes()
	for i := range raw {
		if _, err := p.rwc.Write(raw[i : i+1]); err != nil {
			t.Fatal(err)
		}
	}

	loopUntil(t, c, func() bool { return len(got) == 1 })
	if string(got[0]) != "INACTIVE" {
		t.Fatal(string(got[0]))
	}
}

func testQoS1(t *testing.T) {
	t.Parallel()

	b := newTCPBroker(t)
	var n int
	c, p := dial(t, b, gopubsub.WithHandler(func(string, []byte) { n++ }))
	defer c.Disconnect()

	for i := uint16(1); i <= 20; i++ {
		p.send(t, publish("a/b", 1, i, bytes.Repeat([]byte{byte(i)}, int(i)*10)))
	}
	loopUntil(t, c, func() bool { return n == 20 })

	for i := uint16(1); i <= 20; i++ {
		ack, ok := p.expect(t).(*paho.PubackPacket)
		if !ok || ack.MessageID != i {
			t.Fatal("expected PUBACK", i)
		}
	}
}

func testSubscribe(t *testing.T) {
	t.Parallel()

	b := newTCPBroker(t)
	c, p := dial(t, b)
	defer c.Disconnect()

	if err := c.Subscribe("/trains/track/sensor/#", 1); err != nil {
		t.Fatal(err)
	}
	if err := c.Unsubscribe("/trains/track/sensor/#"); err != nil {
		t.Fatal(err)
	}

	sub := p.expect(t).(*paho.SubscribePacket)
	if sub.MessageID != 1 || sub.Topics[0] != "/trains/track/sensor/#" || sub.Qoss[0] != 1 {
		t.Fatal(sub)
	}
	unsub := p.expect(t).(*paho.UnsubscribePacket)
	if unsub.MessageID != 2 || unsub.Topics[0] != "/trains/track/sensor/#" {
		t.Fatal(unsub)
	}

	// acks are accepted and ignored
	suback := paho.NewControlPacket(paho.Suback).(*paho.SubackPacket)
	suback.MessageID, suback.ReturnCodes = 1, []byte{1}
	p.send(t, suback)
	unsuback := paho.NewControlPacket(paho.Unsuback).(*paho.UnsubackPacket)
	unsuback.MessageID = 2
	p.send(t, unsuback)

	for i := 0; i < 50; i++ {
		if err := c.Loop(); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}
	if !c.Connected() {
		t.Fatal(c.State())
	}
}

func testKeepAlive(t *testing.T) {
	t.Parallel()

	b := newTCPBroker(t)
	start := time.Now()
	c, p := dial(t, b, gopubsub.WithKeepAlive(time.Second))
	defer c.Disconnect()

	for {
		if err := c.Loop(); err != nil {
			t.Fatal(err)
		}

		select {
		case cp := <-p.packets:
			if _, ok := cp.(*paho.PingreqPacket); !ok {
				t.Fatalf("expected PINGREQ, got %T", cp)
			}
			if time.Since(start) < time.Second {
				t.Fatal("PINGREQ too early")
			}
			p.send(t, paho.NewControlPacket(paho.Pingresp))
			loopUntil(t, c, func() bool { return time.Since(start) > 1500*time.Millisecond })
			return
		default:
		}

		if time.Since(start) > 3*time.Second {
			t.Fatal("no PINGREQ")
		}
		time.Sleep(time.Millisecond)
	}
}

func testLost(t *testing.T) {
	t.Parallel()

	b := newTCPBroker(t)
	c, p := dial(t, b)
	p.rwc.Close()

	deadline := time.Now().Add(2 * time.Second)
	for c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("connection loss not detected")
		}
		c.Loop()
		time.Sleep(time.Millisecond)
	}
	if c.State() != gopubsub.ConnectionLost {
		t.Fatal(c.State())
	}
	if err := c.Publish("t", nil, false); err != gopubsub.ErrNotConnected {
		t.Fatal(err)
	}
}

func testWebsocket(t *testing.T) {
	t.Parallel()

	b := newWSBroker(t)
	var got string
	c, p := dial(t, b, gopubsub.WithWebsocket(), gopubsub.WithHandler(func(topic string, payload []byte) {
		got = topic + "=" + string(payload)
	}))
	defer c.Disconnect()

	if err := c.Publish("ws/out", []byte("hello"), false); err != nil {
		t.Fatal(err)
	}
	if pub := p.expect(t).(*paho.PublishPacket); pub.TopicName != "ws/out" || string(pub.Payload) != "hello" {
		t.Fatal(pub)
	}

	p.send(t, publish("ws/in", 0, 0, []byte("world")))
	loopUntil(t, c, func() bool { return got != "" })
	if got != "ws/in=world" {
		t.Fatal(got)
	}
}

func testDevice(t *testing.T) {
	t.Parallel()

	b := newTCPBroker(t)
	c, err := gopubsub.NewClient(b.addr)
	if err != nil {
		t.Fatal(err)
	}
	d, err := device.New(device.Config{
		Name:         "layout",
		FirstVpin:    100,
		NPins:        4,
		NTurnouts:    2,
		NSensors:     2,
		TurnoutTopic: "t/",
		SensorTopic:  "s/",
		PollInterval: time.Millisecond,
		Connect:      gopubsub.ConnectOptions{ClientID: generateNewClientID()},
	}, c)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err = d.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	p := b.accept(t)
	p.connack(t, 0)

	deadline := time.Now().Add(2 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("device did not connect")
		}
		d.Loop(ctx)
		time.Sleep(time.Millisecond)
	}

	for _, want := range []string{"s/102", "s/103"} {
		if sub := p.expect(t).(*paho.SubscribePacket); sub.Topics[0] != want {
			t.Fatal(sub.Topics)
		}
	}

	p.send(t, publish("s/103", 0, 0, []byte("ACTIVE")))
	for d.Read(103) != 1 {
		if time.Now().After(deadline.Add(time.Second)) {
			t.Fatal("sensor not set")
		}
		if err = d.Loop(ctx); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}

	if err = d.Write(101, 1); err != nil {
		t.Fatal(err)
	}
	pub := p.expect(t).(*paho.PublishPacket)
	if pub.TopicName != "t/101" || string(pub.Payload) != "THROWN" || !pub.Retain {
		t.Fatal(pub)
	}
	c.Disconnect()
}
