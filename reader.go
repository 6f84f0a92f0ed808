package gopubsub

import (
	"io"

	"github.com/RoanBrand/gopubsub/internal/model"
	log "github.com/sirupsen/logrus"
)

// rx states
const (
	controlAndFlags = iota
	length
	body
)

// packetReader assembles one inbound packet into the shared buffer, a byte
// at a time. Bytes past the end of the buffer are counted but dropped.
type packetReader struct {
	buf  []byte
	sink io.Writer

	rxState   uint8
	n         int // bytes stored in buf
	lenLen    int
	lenMul    int
	remaining int
	read      int // body bytes consumed
	skip      int // body bytes in front of a PUBLISH payload
	publish   bool
	overflow  bool
	sinkErr   error
}

func (r *packetReader) reset() {
	r.rxState = controlAndFlags
	r.n = 0
}

// feed consumes the next byte of the stream and reports whether it
// completed a packet.
func (r *packetReader) feed(b byte) (bool, error) {
	switch r.rxState {
	case controlAndFlags:
		r.buf[0] = b
		r.n = 1
		r.publish = b&0xF0 == model.PUBLISH
		r.lenLen, r.lenMul, r.remaining = 0, 1, 0
		r.read, r.skip = 0, 0
		r.overflow = false
		r.sinkErr = nil
		r.rxState = length
	case length:
		r.buf[r.n] = b
		r.n++
		r.lenLen++
		r.remaining += int(b&127) * r.lenMul
		r.lenMul *= 128
		if b&128 != 0 {
			if r.lenLen == 4 { // a 5th length byte would follow
				r.reset()
				return false, model.ErrMalformedLength
			}
			return false, nil
		}
		if r.remaining == 0 {
			r.rxState = controlAndFlags
			return true, nil
		}
		r.rxState = body
	case body:
		r.read++
		if r.n < len(r.buf) {
			r.buf[r.n] = b
			r.n++
		} else {
			r.overflow = true
		}

		if r.publish {
			if r.read == 2 {
				topicLen := int(r.buf[1+r.lenLen])<<8 | int(r.buf[2+r.lenLen])
				r.skip = 2 + topicLen
				if r.buf[0]&model.QoSMask != 0 {
					r.skip += 2
				}
			} else if r.read > 2 && r.read > r.skip {
				r.toSink(b)
			}
		}

		if r.read == r.remaining {
			r.rxState = controlAndFlags
			return true, nil
		}
	}
	return false, nil
}

func (r *packetReader) toSink(b byte) {
	if r.sink == nil || r.sinkErr != nil {
		return
	}
	if _, err := r.sink.Write([]byte{b}); err != nil {
		r.sinkErr = err
		log.WithFields(log.Fields{
			"err": err,
		}).Warn("overflow stream write failed, dropping rest of payload")
	}
}

// packetLen is the number of buffered bytes of the completed packet to
// dispatch, or 0 if the packet did not fit and must be dropped.
func (r *packetReader) packetLen() int {
	if !r.overflow {
		return r.n
	}
	if r.publish && r.sink != nil && r.n >= 1+r.lenLen+r.skip {
		return r.n
	}
	return 0
}

// remainingLength of the completed packet as announced in its header.
func (r *packetReader) remainingLength() int {
	return r.remaining
}
