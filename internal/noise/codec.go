package noise

import (
	"errors"
	"fmt"
)

const (
	// FrameHeaderLen is the plaintext SV2 header.
	FrameHeaderLen = 6
	// EncryptedHeaderLen is the header sealed as its own AEAD message.
	EncryptedHeaderLen = FrameHeaderLen + MacLen

	MaxCiphertextChunk = 65535
	MaxPlaintextChunk  = MaxCiphertextChunk - MacLen
)

// FrameKind tags a decoded frame.
type FrameKind uint8

const (
	FrameHandshake FrameKind = iota
	FrameTransport
)

func (k FrameKind) String() string {
	switch k {
	case FrameHandshake:
		return "handshake"
	case FrameTransport:
		return "transport"
	}
	return fmt.Sprintf("FrameKind(%d)", uint8(k))
}

// Frame is a handshake message or a plaintext SV2 frame (6-byte header
// followed by the payload).
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// EncryptedLen is the wire size of an n-byte payload.
func EncryptedLen(n int) int {
	chunks := (n + MaxPlaintextChunk - 1) / MaxPlaintextChunk
	return n + chunks*MacLen
}

type decoderState uint8

const (
	decodeHandshake decoderState = iota
	decodeHeader
	decodePayload
)

// Decoder turns wire bytes into frames. The caller feeds exactly
// WritableLen bytes to each Decode call.
type Decoder struct {
	state        decoderState
	handshakeLen int
	cs           *CipherState
	header       []byte
	payloadLen   int
}

func (d *Decoder) expectHandshake(n int) {
	d.state = decodeHandshake
	d.handshakeLen = n
}

func (d *Decoder) startTransport(cs *CipherState) {
	d.cs = cs
	d.state = decodeHeader
	d.header = nil
}

// WritableLen is the number of bytes the next Decode call needs.
func (d *Decoder) WritableLen() int {
	switch d.state {
	case decodeHandshake:
		return d.handshakeLen
	case decodePayload:
		return EncryptedLen(d.payloadLen)
	default:
		return EncryptedHeaderLen
	}
}

// Decode consumes buf. After an encrypted header announcing a payload it
// returns ErrMissingBytes and expects the payload next.
func (d *Decoder) Decode(buf []byte) (Frame, error) {
	if len(buf) != d.WritableLen() {
		return Frame{}, codecError("decode", fmt.Errorf("got %d bytes, want %d", len(buf), d.WritableLen()))
	}
	switch d.state {
	case decodeHandshake:
		return Frame{Kind: FrameHandshake, Payload: append([]byte(nil), buf...)}, nil

	case decodeHeader:
		header, err := d.cs.Decrypt(nil, buf)
		if err != nil {
			return Frame{}, codecError("decrypt header", err)
		}
		n := int(uint32(header[3]) | uint32(header[4])<<8 | uint32(header[5])<<16)
		if n == 0 {
			return Frame{Kind: FrameTransport, Payload: header}, nil
		}
		d.header = header
		d.payloadLen = n
		d.state = decodePayload
		return Frame{}, ErrMissingBytes

	case decodePayload:
		out := make([]byte, 0, FrameHeaderLen+d.payloadLen)
		out = append(out, d.header...)
		for off := 0; off < len(buf); {
			end := min(off+MaxCiphertextChunk, len(buf))
			pt, err := d.cs.Decrypt(nil, buf[off:end])
			if err != nil {
				return Frame{}, codecError("decrypt payload", err)
			}
			out = append(out, pt...)
			off = end
		}
		d.header = nil
		d.state = decodeHeader
		return Frame{Kind: FrameTransport, Payload: out}, nil
	}
	return Frame{}, codecError("decode", errors.New("unknown decoder state"))
}

// Encoder seals plaintext SV2 frames.
type Encoder struct {
	cs *CipherState
}

// Encode encrypts a complete plaintext frame: header, then payload chunks.
func (e *Encoder) Encode(frame []byte) ([]byte, error) {
	if e.cs == nil {
		return nil, codecError("encode", errors.New("transport not established"))
	}
	if len(frame) < FrameHeaderLen {
		return nil, codecError("encode", fmt.Errorf("frame too short: %d", len(frame)))
	}
	n := int(uint32(frame[3]) | uint32(frame[4])<<8 | uint32(frame[5])<<16)
	if n != len(frame)-FrameHeaderLen {
		return nil, codecError("encode", fmt.Errorf("header length %d, payload %d", n, len(frame)-FrameHeaderLen))
	}
	out := make([]byte, 0, EncryptedHeaderLen+EncryptedLen(n))
	header, err := e.cs.Encrypt(nil, frame[:FrameHeaderLen])
	if err != nil {
		return nil, codecError("encrypt header", err)
	}
	out = append(out, header...)
	payload := frame[FrameHeaderLen:]
	for off := 0; off < len(payload); {
		end := min(off+MaxPlaintextChunk, len(payload))
		ct, err := e.cs.Encrypt(nil, payload[off:end])
		if err != nil {
			return nil, codecError("encrypt payload", err)
		}
		out = append(out, ct...)
		off = end
	}
	return out, nil
}
