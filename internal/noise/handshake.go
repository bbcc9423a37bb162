// Package noise implements the Stratum V2 secure transport: a Noise NX
// handshake over secp256k1 ElligatorSwift keys followed by ChaCha20-Poly1305
// framed transport encryption.
package noise

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ellswift"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/minio/sha256-simd"
)

const (
	ProtocolName = "Noise_NX_Secp256k1+EllSwift_ChaChaPoly_SHA256"

	EllswiftKeyLen = 64
	MacLen         = 16
	CertificateLen = 2 + 4 + 4 + schnorr.SignatureSize

	// Act1Len is the initiator's first message: its ephemeral key.
	Act1Len = EllswiftKeyLen
	// Act2Len is the responder's reply: ephemeral key, encrypted static key and
	// encrypted certificate.
	Act2Len = EllswiftKeyLen + EllswiftKeyLen + MacLen + CertificateLen + MacLen

	DefaultCertValidity = time.Hour
)

// Role selects the side of the handshake a Channel plays.
type Role interface {
	handshake(r *ReadHalf, w *WriteHalf) (recv, send *CipherState, err error)
}

// Certificate binds the responder's static key to the authority key.
type Certificate struct {
	Version       uint16
	ValidFrom     uint32
	NotValidAfter uint32
	Signature     [schnorr.SignatureSize]byte
}

func (c *Certificate) Marshal() []byte {
	out := make([]byte, CertificateLen)
	binary.LittleEndian.PutUint16(out[0:2], c.Version)
	binary.LittleEndian.PutUint32(out[2:6], c.ValidFrom)
	binary.LittleEndian.PutUint32(out[6:10], c.NotValidAfter)
	copy(out[10:], c.Signature[:])
	return out
}

func ParseCertificate(b []byte) (*Certificate, error) {
	if len(b) != CertificateLen {
		return nil, fmt.Errorf("certificate len=%d want %d", len(b), CertificateLen)
	}
	c := &Certificate{
		Version:       binary.LittleEndian.Uint16(b[0:2]),
		ValidFrom:     binary.LittleEndian.Uint32(b[2:6]),
		NotValidAfter: binary.LittleEndian.Uint32(b[6:10]),
	}
	copy(c.Signature[:], b[10:])
	return c, nil
}

// digest is SHA256(version || valid_from || not_valid_after || static x-only key).
func (c *Certificate) digest(staticKey []byte) [32]byte {
	msg := make([]byte, 0, 10+len(staticKey))
	msg = binary.LittleEndian.AppendUint16(msg, c.Version)
	msg = binary.LittleEndian.AppendUint32(msg, c.ValidFrom)
	msg = binary.LittleEndian.AppendUint32(msg, c.NotValidAfter)
	msg = append(msg, staticKey...)
	return sha256.Sum256(msg)
}

func signCertificate(authority *btcec.PrivateKey, staticKey []byte, from time.Time, validity time.Duration) (*Certificate, error) {
	c := &Certificate{
		ValidFrom:     uint32(from.Unix()),
		NotValidAfter: uint32(from.Add(validity).Unix()),
	}
	hash := c.digest(staticKey)
	sig, err := schnorr.Sign(authority, hash[:])
	if err != nil {
		return nil, err
	}
	copy(c.Signature[:], sig.Serialize())
	return c, nil
}

// Verify checks the signature and that now lies within the validity window.
func (c *Certificate) Verify(authority *btcec.PublicKey, staticKey []byte, now time.Time) error {
	if c.Version != 0 {
		return fmt.Errorf("%w: version %d", ErrInvalidCertificate, c.Version)
	}
	ts := now.Unix()
	if ts < int64(c.ValidFrom) || ts > int64(c.NotValidAfter) {
		return fmt.Errorf("%w: outside validity window [%d, %d]", ErrInvalidCertificate, c.ValidFrom, c.NotValidAfter)
	}
	sig, err := schnorr.ParseSignature(c.Signature[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	hash := c.digest(staticKey)
	if !sig.Verify(hash[:], authority) {
		return fmt.Errorf("%w: bad signature", ErrInvalidCertificate)
	}
	return nil
}

// Responder is the side that waits for act1. It is shared by all inbound
// connections; per-handshake state lives on the stack.
type Responder struct {
	authority *btcec.PrivateKey
	static    *btcec.PrivateKey
	staticPub [EllswiftKeyLen]byte
	validity  time.Duration
	now       func() time.Time
}

// NewResponder generates a static key and certifies it with authority on
// every handshake.
func NewResponder(authority *btcec.PrivateKey, validity time.Duration) (*Responder, error) {
	static, staticPub, err := ellswift.EllswiftCreate()
	if err != nil {
		return nil, fmt.Errorf("generate static key: %w", err)
	}
	if validity <= 0 {
		validity = DefaultCertValidity
	}
	return &Responder{
		authority: authority,
		static:    static,
		staticPub: staticPub,
		validity:  validity,
		now:       time.Now,
	}, nil
}

// AuthorityPublicKey is what initiators must be configured with.
func (r *Responder) AuthorityPublicKey() *btcec.PublicKey {
	return r.authority.PubKey()
}

func (r *Responder) handshake(rh *ReadHalf, wh *WriteHalf) (*CipherState, *CipherState, error) {
	rh.dec.expectHandshake(Act1Len)
	f, err := rh.ReadFrame()
	if err != nil {
		return nil, nil, err
	}
	act2, c1, c2, err := r.respond(f.Payload)
	if err != nil {
		return nil, nil, err
	}
	if err := wh.writeRaw(act2); err != nil {
		return nil, nil, err
	}
	return c1, c2, nil
}

// respond consumes act1 and produces act2 plus the split cipher states.
func (r *Responder) respond(act1 []byte) ([]byte, *CipherState, *CipherState, error) {
	if len(act1) != Act1Len {
		return nil, nil, nil, fmt.Errorf("%w: act1 len=%d", ErrHandshakeRemoteInvalidMessage, len(act1))
	}
	var theirE [EllswiftKeyLen]byte
	copy(theirE[:], act1)

	s := newSymmetricState()
	s.mixHash(theirE[:])
	if _, err := s.decryptAndHash(nil); err != nil {
		return nil, nil, nil, codecError("act1", err)
	}

	ePriv, ePub, err := ellswift.EllswiftCreate()
	if err != nil {
		return nil, nil, nil, codecError("ephemeral key", err)
	}
	out := make([]byte, 0, Act2Len)
	out = append(out, ePub[:]...)
	s.mixHash(ePub[:])

	ee, err := ellswift.V2Ecdh(ePriv, theirE, ePub, false)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrHandshakeRemoteInvalidMessage, err)
	}
	if err := s.mixKey(ee[:]); err != nil {
		return nil, nil, nil, codecError("mix ee", err)
	}
	encStatic, err := s.encryptAndHash(r.staticPub[:])
	if err != nil {
		return nil, nil, nil, codecError("encrypt static", err)
	}
	out = append(out, encStatic...)

	es, err := ellswift.V2Ecdh(r.static, theirE, r.staticPub, false)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrHandshakeRemoteInvalidMessage, err)
	}
	if err := s.mixKey(es[:]); err != nil {
		return nil, nil, nil, codecError("mix es", err)
	}
	cert, err := signCertificate(r.authority, schnorr.SerializePubKey(r.static.PubKey()), r.now(), r.validity)
	if err != nil {
		return nil, nil, nil, codecError("sign certificate", err)
	}
	encCert, err := s.encryptAndHash(cert.Marshal())
	if err != nil {
		return nil, nil, nil, codecError("encrypt certificate", err)
	}
	out = append(out, encCert...)

	c1, c2, err := s.split()
	if err != nil {
		return nil, nil, nil, codecError("split", err)
	}
	return out, c1, c2, nil
}

// Initiator sends act1 and authenticates the responder against a known
// authority key.
type Initiator struct {
	authority *btcec.PublicKey
	now       func() time.Time
}

func NewInitiator(authority *btcec.PublicKey) *Initiator {
	return &Initiator{authority: authority, now: time.Now}
}

// NewInitiatorFromString parses a base58check authority key.
func NewInitiatorFromString(authority string) (*Initiator, error) {
	pub, err := ParsePublicKey(authority)
	if err != nil {
		return nil, err
	}
	return NewInitiator(pub), nil
}

type initiatorState struct {
	s     *symmetricState
	ePriv *btcec.PrivateKey
	ePub  [EllswiftKeyLen]byte
}

func (i *Initiator) handshake(rh *ReadHalf, wh *WriteHalf) (*CipherState, *CipherState, error) {
	st, act1, err := i.start()
	if err != nil {
		return nil, nil, err
	}
	if err := wh.writeRaw(act1); err != nil {
		return nil, nil, err
	}
	rh.dec.expectHandshake(Act2Len)
	f, err := rh.ReadFrame()
	if err != nil {
		return nil, nil, err
	}
	c1, c2, err := i.finish(st, f.Payload)
	if err != nil {
		return nil, nil, err
	}
	return c2, c1, nil
}

func (i *Initiator) start() (*initiatorState, []byte, error) {
	ePriv, ePub, err := ellswift.EllswiftCreate()
	if err != nil {
		return nil, nil, codecError("ephemeral key", err)
	}
	s := newSymmetricState()
	s.mixHash(ePub[:])
	if _, err := s.encryptAndHash(nil); err != nil {
		return nil, nil, codecError("act1", err)
	}
	return &initiatorState{s: s, ePriv: ePriv, ePub: ePub}, append([]byte(nil), ePub[:]...), nil
}

func (i *Initiator) finish(st *initiatorState, act2 []byte) (*CipherState, *CipherState, error) {
	if len(act2) != Act2Len {
		return nil, nil, fmt.Errorf("%w: act2 len=%d", ErrHandshakeRemoteInvalidMessage, len(act2))
	}
	s := st.s
	var theirE [EllswiftKeyLen]byte
	copy(theirE[:], act2[:EllswiftKeyLen])
	s.mixHash(theirE[:])

	ee, err := ellswift.V2Ecdh(st.ePriv, theirE, st.ePub, true)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeRemoteInvalidMessage, err)
	}
	if err := s.mixKey(ee[:]); err != nil {
		return nil, nil, codecError("mix ee", err)
	}

	off := EllswiftKeyLen
	staticRaw, err := s.decryptAndHash(act2[off : off+EllswiftKeyLen+MacLen])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decrypt static key: %v", ErrHandshakeRemoteInvalidMessage, err)
	}
	off += EllswiftKeyLen + MacLen
	var theirS [EllswiftKeyLen]byte
	copy(theirS[:], staticRaw)

	es, err := ellswift.V2Ecdh(st.ePriv, theirS, st.ePub, true)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeRemoteInvalidMessage, err)
	}
	if err := s.mixKey(es[:]); err != nil {
		return nil, nil, codecError("mix es", err)
	}
	certRaw, err := s.decryptAndHash(act2[off:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decrypt certificate: %v", ErrHandshakeRemoteInvalidMessage, err)
	}
	cert, err := ParseCertificate(certRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeRemoteInvalidMessage, err)
	}
	staticKey, err := xOnlyFromEllswift(theirS)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeRemoteInvalidMessage, err)
	}
	if err := cert.Verify(i.authority, staticKey, i.now()); err != nil {
		return nil, nil, err
	}
	return s.split()
}

// xOnlyFromEllswift decodes an ElligatorSwift encoding to the 32-byte x-only key.
func xOnlyFromEllswift(enc [EllswiftKeyLen]byte) ([]byte, error) {
	var u, t btcec.FieldVal
	if u.SetByteSlice(enc[:32]) {
		u.Normalize()
	}
	if t.SetByteSlice(enc[32:]) {
		t.Normalize()
	}
	x, err := ellswift.XSwiftEC(&u, &t)
	if err != nil {
		return nil, err
	}
	x.Normalize()
	xb := x.Bytes()
	return append([]byte(nil), xb[:]...), nil
}
