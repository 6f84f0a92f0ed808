// Package transport provides the byte stream connections the client runs on.
//
// Every Conn runs one reader goroutine per connection that moves received
// bytes into a local buffer, so Available and ReadByte never block.
package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	ErrClosed = errors.New("transport closed")
	ErrNoData = errors.New("no data available")
)

type dialFunc func(ctx context.Context, address string) (io.ReadWriteCloser, error)

// Conn is a duplex byte stream to a broker.
type Conn struct {
	network string
	dial    dialFunc

	mu     sync.Mutex
	rwc    io.ReadWriteCloser
	rx     bytes.Buffer
	rxErr  error
	pumped chan struct{}
}

// NewTCP returns a plain TCP transport. timeout bounds the dial.
func NewTCP(timeout time.Duration) *Conn {
	return &Conn{
		network: "tcp",
		dial: func(ctx context.Context, address string) (io.ReadWriteCloser, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "tcp", address)
		},
	}
}

// Connect dials address, dropping any previous connection first.
func (c *Conn) Connect(ctx context.Context, address string) error {
	c.Close()

	rwc, err := c.dial(ctx, address)
	if err != nil {
		return errors.Wrapf(err, "%s dial %s", c.network, address)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.rwc, c.rxErr, c.pumped = rwc, nil, done
	c.rx.Reset()
	c.mu.Unlock()

	go c.pump(rwc, done)
	return nil
}

func (c *Conn) pump(rwc io.ReadWriteCloser, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 1024)

	for {
		n, err := rwc.Read(buf)

		c.mu.Lock()
		if c.rwc != rwc {
			c.mu.Unlock()
			return // closed locally
		}
		c.rx.Write(buf[:n])
		if err != nil {
			c.rxErr = err
			c.mu.Unlock()

			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.WithFields(log.Fields{
					"network": c.network,
					"err":     err,
				}).Debug("transport RX error")
			}
			return
		}
		c.mu.Unlock()
	}
}

// Connected reports whether the stream is open or still holds unread bytes.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rwc != nil && (c.rxErr == nil || c.rx.Len() > 0)
}

// Available is the number of bytes that can be read without blocking.
func (c *Conn) Available() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rx.Len()
}

// ReadByte returns ErrNoData instead of blocking when nothing is buffered.
func (c *Conn) ReadByte() (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rx.Len() == 0 {
		if c.rwc == nil {
			return 0, ErrClosed
		}
		if c.rxErr != nil {
			return 0, c.rxErr
		}
		return 0, ErrNoData
	}
	return c.rx.ReadByte()
}

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	w := c.rwc
	c.mu.Unlock()

	if w == nil {
		return 0, ErrClosed
	}
	n, err := w.Write(p)
	if err != nil {
		return n, errors.Wrap(err, c.network+" write")
	}
	return n, nil
}

// Close is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	rwc, done := c.rwc, c.pumped
	c.rwc, c.pumped = nil, nil
	c.rx.Reset()
	c.mu.Unlock()

	if rwc == nil {
		return nil
	}

	err := rwc.Close()
	if done != nil {
		<-done
	}
	return err
}
