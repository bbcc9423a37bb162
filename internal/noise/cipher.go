package noise

import (
	"crypto/cipher"
	"encoding/binary"
	"io"
	"math"

	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// CipherState is a ChaCha20-Poly1305 key with its nonce counter.
type CipherState struct {
	aead cipher.AEAD
	n    uint64
}

func newCipherState(key []byte) (*CipherState, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &CipherState{aead: aead}, nil
}

func (c *CipherState) nonce() []byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], c.n)
	return nonce[:]
}

// Encrypt seals plaintext and advances the nonce.
func (c *CipherState) Encrypt(ad, plaintext []byte) ([]byte, error) {
	if c.n == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	out := c.aead.Seal(nil, c.nonce(), plaintext, ad)
	c.n++
	return out, nil
}

// Decrypt opens ciphertext and advances the nonce.
func (c *CipherState) Decrypt(ad, ciphertext []byte) ([]byte, error) {
	if c.n == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	out, err := c.aead.Open(nil, c.nonce(), ciphertext, ad)
	if err != nil {
		return nil, err
	}
	c.n++
	return out, nil
}

// symmetricState is the handshake hash and chaining key.
type symmetricState struct {
	h  [32]byte
	ck [32]byte
	k  *CipherState
}

func newSymmetricState() *symmetricState {
	s := &symmetricState{h: sha256.Sum256([]byte(ProtocolName))}
	s.ck = s.h
	s.mixHash(nil)
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	hh := sha256.New()
	hh.Write(s.h[:])
	hh.Write(data)
	copy(s.h[:], hh.Sum(nil))
}

func (s *symmetricState) mixKey(ikm []byte) error {
	ck, k, err := hkdf2(s.ck[:], ikm)
	if err != nil {
		return err
	}
	s.ck = ck
	s.k, err = newCipherState(k[:])
	return err
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	out := plaintext
	if s.k != nil {
		var err error
		out, err = s.k.Encrypt(s.h[:], plaintext)
		if err != nil {
			return nil, err
		}
	}
	s.mixHash(out)
	return out, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	out := ciphertext
	if s.k != nil {
		var err error
		out, err = s.k.Decrypt(s.h[:], ciphertext)
		if err != nil {
			return nil, err
		}
	}
	s.mixHash(ciphertext)
	return out, nil
}

// split derives the initiator-to-responder and responder-to-initiator keys.
func (s *symmetricState) split() (*CipherState, *CipherState, error) {
	k1, k2, err := hkdf2(s.ck[:], nil)
	if err != nil {
		return nil, nil, err
	}
	c1, err := newCipherState(k1[:])
	if err != nil {
		return nil, nil, err
	}
	c2, err := newCipherState(k2[:])
	if err != nil {
		return nil, nil, err
	}
	return c1, c2, nil
}

// hkdf2 is the two-output Noise HKDF keyed by the chaining key.
func hkdf2(ck, ikm []byte) (out1, out2 [32]byte, err error) {
	r := hkdf.New(sha256.New, ikm, ck, nil)
	if _, err = io.ReadFull(r, out1[:]); err != nil {
		return
	}
	_, err = io.ReadFull(r, out2[:])
	return
}
