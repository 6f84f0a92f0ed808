package transport

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// NewWebsocket returns a transport carrying MQTT in binary websocket
// messages. Addresses without a scheme are dialed as ws://address/mqtt.
func NewWebsocket(timeout time.Duration) *Conn {
	d := websocket.Dialer{
		Subprotocols:     []string{"mqtt"}, // [MQTT-6.0.0-4]
		HandshakeTimeout: timeout,
	}

	return &Conn{
		network: "ws",
		dial: func(ctx context.Context, address string) (io.ReadWriteCloser, error) {
			conn, _, err := d.DialContext(ctx, websocketURL(address), nil)
			if err != nil {
				return nil, err
			}
			if conn.Subprotocol() != "mqtt" {
				conn.Close()
				return nil, errors.New("server did not accept websocket sub protocol 'mqtt'")
			}
			return &wsConn{Conn: conn}, nil
		},
	}
}

func websocketURL(address string) string {
	if strings.Contains(address, "://") {
		return address
	}
	return "ws://" + address + "/mqtt"
}

type wsConn struct {
	*websocket.Conn
	r io.Reader
}

func (c *wsConn) Write(p []byte) (int, error) {
	err := c.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			var err error
			var mt int
			if mt, c.r, err = c.NextReader(); err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage { // [MQTT-6.0.0-1]
				return 0, errors.New("not binary message")
			}
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}
