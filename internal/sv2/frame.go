// Package sv2 encodes and decodes the Stratum V2 frames the proxy bridges:
// the common connection setup messages and a subset of the mining protocol.
package sv2

import (
	"encoding/binary"
	"fmt"
)

const (
	HeaderLen = 6

	CoreExtensionType = uint16(0x0000)
	ChannelMsgBit     = uint16(0x8000)
	MaxPayloadLen     = 0xFFFFFF
)

// Header is the plaintext 6-byte frame header.
type Header struct {
	ExtensionType uint16
	MsgType       uint8
	Length        uint32
}

func (h Header) IsChannelMessage() bool {
	return h.ExtensionType&ChannelMsgBit != 0
}

// BaseExtensionType strips the channel bit.
func (h Header) BaseExtensionType() uint16 {
	return h.ExtensionType &^ ChannelMsgBit
}

// Put writes the header into dst, which must hold HeaderLen bytes.
func (h Header) Put(dst []byte) {
	binary.LittleEndian.PutUint16(dst[0:2], h.ExtensionType)
	dst[2] = h.MsgType
	PutUint24LE(dst[3:6], h.Length)
}

func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("sv2 header too short: %d", len(b))
	}
	return Header{
		ExtensionType: binary.LittleEndian.Uint16(b[0:2]),
		MsgType:       b[2],
		Length:        ReadUint24LE(b[3:6]),
	}, nil
}

// EncodeFrame prepends a header to payload.
func EncodeFrame(extensionType uint16, msgType uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("sv2 payload too large: %d", len(payload))
	}
	out := make([]byte, HeaderLen+len(payload))
	Header{ExtensionType: extensionType, MsgType: msgType, Length: uint32(len(payload))}.Put(out)
	copy(out[HeaderLen:], payload)
	return out, nil
}

// DecodeFrame splits a complete frame into header and payload.
func DecodeFrame(b []byte) (Header, []byte, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Header{}, nil, err
	}
	if len(b)-HeaderLen != int(h.Length) {
		return Header{}, nil, fmt.Errorf("sv2 frame payload length mismatch: header=%d actual=%d", h.Length, len(b)-HeaderLen)
	}
	payload := make([]byte, h.Length)
	copy(payload, b[HeaderLen:])
	return h, payload, nil
}

func PutUint24LE(dst []byte, v uint32) {
	if len(dst) < 3 {
		return
	}
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
}

func ReadUint24LE(src []byte) uint32 {
	if len(src) < 3 {
		return 0
	}
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16
}
