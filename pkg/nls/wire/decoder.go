package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gobwas/ws"
)

var (
	ErrMalformedFrame  = errors.New("wire: malformed frame")
	ErrPayloadTooLarge = errors.New("wire: frame payload too large")
)

// Frame is one complete application message. Fragmented data messages
// are reassembled before they are returned.
type Frame struct {
	OpCode  ws.OpCode
	Payload []byte
}

// IsControl reports whether the frame is a close, ping or pong.
func (f Frame) IsControl() bool {
	return f.OpCode.IsControl()
}

type decodeStage uint8

const (
	stageHeader decodeStage = iota
	stageExtended
	stagePayload
)

// Decoder is an incremental frame parser. Bytes are pushed with Write and
// frames pulled with Next. Each parse stage only advances when enough
// bytes are buffered; a partial frame resumes at the stage where it
// stopped.
type Decoder struct {
	// MaxPayload bounds a single frame and a reassembled message.
	// Zero means unbounded.
	MaxPayload int64

	buf []byte
	r   int

	stage  decodeStage
	fin    bool
	op     ws.OpCode
	masked bool
	extLen int
	length int64
	mask   [4]byte

	fragmenting bool
	fragOp      ws.OpCode
	fragments   []byte
}

// NewDecoder returns a decoder that rejects payloads above maxPayload.
func NewDecoder(maxPayload int64) *Decoder {
	return &Decoder{MaxPayload: maxPayload}
}

// Write buffers p for parsing. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.r > 0 {
		if d.r == len(d.buf) {
			d.buf = d.buf[:0]
			d.r = 0
		} else if d.r > len(d.buf)/2 {
			n := copy(d.buf, d.buf[d.r:])
			d.buf = d.buf[:n]
			d.r = 0
		}
	}
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes not yet consumed by a frame.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.r
}

// Next returns the next complete message. ok is false when more bytes are
// needed. After an error the decoder must not be used again.
func (d *Decoder) Next() (f Frame, ok bool, err error) {
	for {
		fin, op, payload, ok, err := d.step()
		if err != nil || !ok {
			return Frame{}, false, err
		}

		switch {
		case op.IsControl():
			return Frame{OpCode: op, Payload: payload}, true, nil

		case op == ws.OpContinuation:
			if !d.fragmenting {
				return Frame{}, false, fmt.Errorf("%w: continuation without initial frame", ErrMalformedFrame)
			}
			d.fragments = append(d.fragments, payload...)
			if d.MaxPayload > 0 && int64(len(d.fragments)) > d.MaxPayload {
				return Frame{}, false, ErrPayloadTooLarge
			}
			if !fin {
				continue
			}
			f = Frame{OpCode: d.fragOp, Payload: d.fragments}
			d.fragmenting = false
			d.fragments = nil
			return f, true, nil

		default:
			if d.fragmenting {
				return Frame{}, false, fmt.Errorf("%w: data frame inside fragmented message", ErrMalformedFrame)
			}
			if fin {
				return Frame{OpCode: op, Payload: payload}, true, nil
			}
			d.fragmenting = true
			d.fragOp = op
			d.fragments = payload
		}
	}
}

func (d *Decoder) step() (fin bool, op ws.OpCode, payload []byte, ok bool, err error) {
	for {
		avail := len(d.buf) - d.r

		switch d.stage {
		case stageHeader:
			if avail < 2 {
				return
			}
			b0, b1 := d.buf[d.r], d.buf[d.r+1]
			if b0&0x70 != 0 {
				err = fmt.Errorf("%w: reserved bits set", ErrMalformedFrame)
				return
			}
			d.fin = b0&0x80 != 0
			d.op = ws.OpCode(b0 & 0x0f)
			if !knownOpCode(d.op) {
				err = fmt.Errorf("%w: unknown opcode %#x", ErrMalformedFrame, byte(d.op))
				return
			}
			d.masked = b1&0x80 != 0
			l7 := b1 & 0x7f
			switch l7 {
			case 126:
				d.extLen = 2
			case 127:
				d.extLen = 8
			default:
				d.extLen = 0
				d.length = int64(l7)
			}
			if d.op.IsControl() && (!d.fin || l7 > maxControlPayloadSize) {
				err = fmt.Errorf("%w: invalid control frame", ErrMalformedFrame)
				return
			}
			d.r += 2
			d.stage = stageExtended

		case stageExtended:
			need := d.extLen
			if d.masked {
				need += 4
			}
			if avail < need {
				return
			}
			p := d.buf[d.r:]
			switch d.extLen {
			case 2:
				d.length = int64(binary.BigEndian.Uint16(p))
			case 8:
				v := binary.BigEndian.Uint64(p)
				if v>>63 != 0 {
					err = fmt.Errorf("%w: length overflow", ErrMalformedFrame)
					return
				}
				d.length = int64(v)
			}
			if d.masked {
				copy(d.mask[:], p[d.extLen:d.extLen+4])
			}
			if d.MaxPayload > 0 && d.length > d.MaxPayload {
				err = ErrPayloadTooLarge
				return
			}
			d.r += need
			d.stage = stagePayload

		case stagePayload:
			if int64(avail) < d.length {
				return
			}
			n := int(d.length)
			payload = make([]byte, n)
			copy(payload, d.buf[d.r:d.r+n])
			d.r += n
			if d.masked {
				ws.Cipher(payload, d.mask, 0)
			}
			d.stage = stageHeader
			return d.fin, d.op, payload, true, nil
		}
	}
}

func knownOpCode(op ws.OpCode) bool {
	switch op {
	case ws.OpContinuation, ws.OpText, ws.OpBinary, ws.OpClose, ws.OpPing, ws.OpPong:
		return true
	}
	return false
}
