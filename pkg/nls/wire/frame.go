// Package wire implements the upgrade handshake and masked frame codec
// spoken with the speech gateway. It performs no I/O.
package wire

import (
	"github.com/gobwas/ws"
	"github.com/valyala/bytebufferpool"
)

// MaskKey is applied to every outbound payload. It is fixed by the
// service protocol and is not a secret.
var MaskKey = [4]byte{0x12, 0x34, 0x56, 0x78}

// Opcodes understood by the codec.
const (
	OpContinuation = ws.OpContinuation
	OpText         = ws.OpText
	OpBinary       = ws.OpBinary
	OpClose        = ws.OpClose
	OpPing         = ws.OpPing
	OpPong         = ws.OpPong
)

// Close status codes used by the engine.
const (
	StatusNormalClosure   = ws.StatusNormalClosure
	StatusGoingAway       = ws.StatusGoingAway
	StatusProtocolError   = ws.StatusProtocolError
	StatusNoStatusRcvd    = ws.StatusNoStatusRcvd
	StatusInternalError   = ws.StatusInternalServerError
	maxControlPayloadSize = 125
)

var encodePool bytebufferpool.Pool

// AppendFrame appends a single final, masked frame carrying payload to dst
// and returns the extended slice. The shortest length form is chosen.
func AppendFrame(dst []byte, op ws.OpCode, payload []byte) []byte {
	h := ws.Header{
		Fin:    true,
		OpCode: op,
		Masked: true,
		Mask:   MaskKey,
		Length: int64(len(payload)),
	}

	bb := encodePool.Get()
	defer encodePool.Put(bb)

	// Writes into a ByteBuffer never fail.
	_ = ws.WriteHeader(bb, h)
	hl := len(bb.B)
	bb.B = append(bb.B, payload...)
	ws.Cipher(bb.B[hl:], MaskKey, 0)

	return append(dst, bb.B...)
}

// EncodeFrame is AppendFrame into a fresh slice.
func EncodeFrame(op ws.OpCode, payload []byte) []byte {
	return AppendFrame(make([]byte, 0, len(payload)+14), op, payload)
}

// Mask XORs p in place with key, starting at payload index offset.
// Applying it twice with the same key and offset restores p.
func Mask(p []byte, key [4]byte, offset int) {
	ws.Cipher(p, key, offset)
}

// CloseFrame encodes a masked close frame with the given status code and
// optional reason.
func CloseFrame(code ws.StatusCode, reason string) []byte {
	body := ws.NewCloseFrameBody(code, reason)
	if len(body) > maxControlPayloadSize {
		body = body[:maxControlPayloadSize]
	}
	return EncodeFrame(OpClose, body)
}

// PingFrame encodes a masked ping frame.
func PingFrame(payload []byte) []byte {
	if len(payload) > maxControlPayloadSize {
		payload = payload[:maxControlPayloadSize]
	}
	return EncodeFrame(OpPing, payload)
}

// PongFrame encodes a masked pong echoing payload.
func PongFrame(payload []byte) []byte {
	if len(payload) > maxControlPayloadSize {
		payload = payload[:maxControlPayloadSize]
	}
	return EncodeFrame(OpPong, payload)
}

// ParseClose extracts the big-endian status code and reason of a close
// frame payload. A payload shorter than two bytes yields
// StatusNoStatusRcvd.
func ParseClose(payload []byte) (ws.StatusCode, string) {
	if len(payload) < 2 {
		return StatusNoStatusRcvd, ""
	}
	return ws.ParseCloseFrameData(payload)
}
