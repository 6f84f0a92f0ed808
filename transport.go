package gopubsub

import "context"

// Transport is the byte stream a Client runs over. Implementations must not
// block in Available or ReadByte.
type Transport interface {
	Connect(ctx context.Context, address string) error
	// Connected reports whether the stream is open or still has unread bytes.
	Connected() bool
	// Available is the number of bytes ReadByte can return right now.
	Available() int
	ReadByte() (byte, error)
	Write(p []byte) (int, error)
	Close() error
}
