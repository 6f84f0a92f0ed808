package tests_test

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RoanBrand/gopubsub"
	paho "github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// fakeBroker accepts connections and hands every one to the test, which
// plays the broker side packet by packet.
type fakeBroker struct {
	addr  string
	conns chan *peer
}

type peer struct {
	rwc     io.ReadWriteCloser
	packets chan paho.ControlPacket
	dead    chan struct{}
}

func newPeer(rwc io.ReadWriteCloser) *peer {
	p := peer{
		rwc:     rwc,
		packets: make(chan paho.ControlPacket, 64),
		dead:    make(chan struct{}),
	}

	go func() {
		defer close(p.dead)
		for {
			cp, err := paho.ReadPacket(rwc)
			if err != nil {
				return
			}
			p.packets <- cp
		}
	}()

	return &p
}

func newTCPBroker(t *testing.T) *fakeBroker {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	b := fakeBroker{addr: ln.Addr().String(), conns: make(chan *peer, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			b.conns <- newPeer(conn)
		}
	}()

	return &b
}

// wsStream reads binary websocket messages as one byte stream.
type wsStream struct {
	*websocket.Conn
	r io.Reader
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			_, r, err := s.NextReader()
			if err != nil {
				return 0, err
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if err == io.EOF {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func newWSBroker(t *testing.T) *fakeBroker {
	t.Helper()

	b := fakeBroker{conns: make(chan *peer, 4)}
	upgrader := websocket.Upgrader{Subprotocols: []string{"mqtt"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.conns <- newPeer(&wsStream{Conn: conn})
	}))
	t.Cleanup(srv.Close)

	b.addr = strings.TrimPrefix(srv.URL, "http://")
	return &b
}

func (b *fakeBroker) accept(t *testing.T) *peer {
	t.Helper()

	select {
	case p := <-b.conns:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
	}
	return nil
}

func (p *peer) expect(t *testing.T) paho.ControlPacket {
	t.Helper()

	select {
	case cp := <-p.packets:
		return cp
	case <-p.dead:
		// the reader queues everything it read before closing dead
		select {
		case cp := <-p.packets:
			return cp
		default:
		}
		t.Fatal("connection closed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
	return nil
}

func (p *peer) send(t *testing.T, cp paho.ControlPacket) {
	t.Helper()

	if err := cp.Write(p.rwc); err != nil {
		t.Fatal(err)
	}
}

func (p *peer) connack(t *testing.T, code byte) *paho.ConnectPacket {
	t.Helper()

	c, ok := p.expect(t).(*paho.ConnectPacket)
	if !ok {
		t.Fatal("first packet not CONNECT")
	}

	ack := paho.NewControlPacket(paho.Connack).(*paho.ConnackPacket)
	ack.ReturnCode = code
	p.send(t, ack)
	return c
}

func publish(topic string, qos byte, id uint16, payload []byte) *paho.PublishPacket {
	pub := paho.NewControlPacket(paho.Publish).(*paho.PublishPacket)
	pub.TopicName, pub.Qos, pub.MessageID, pub.Payload = topic, qos, id, payload
	return pub
}

// loopUntil runs the client loop until cond holds.
func loopUntil(t *testing.T, c *gopubsub.Client, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached, state", c.State())
		}
		if err := c.Loop(); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}
}

func generateNewClientID() string {
	return uuid.NewString()[:23]
}
