package noise

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/base58"
)

// Authority keys are encoded as base58check([u16 LE version][32-byte x-only key]).
const keyEncodingVersion = uint16(1)

// ParsePublicKey decodes an authority public key string.
func ParsePublicKey(s string) (*btcec.PublicKey, error) {
	result, version, err := base58.CheckDecode(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode authority key: %w", err)
	}
	// CheckDecode strips the first byte as the version; together with
	// result[0] it is the little-endian u16.
	v := uint16(version) | uint16(firstByte(result))<<8
	if v != keyEncodingVersion {
		return nil, fmt.Errorf("authority key version %d unsupported", v)
	}
	if len(result) != 1+schnorr.PubKeyBytesLen {
		return nil, fmt.Errorf("authority key length %d", len(result)+1)
	}
	pub, err := schnorr.ParsePubKey(result[1:])
	if err != nil {
		return nil, fmt.Errorf("parse authority key: %w", err)
	}
	return pub, nil
}

// FormatPublicKey is the inverse of ParsePublicKey.
func FormatPublicKey(pub *btcec.PublicKey) string {
	payload := make([]byte, 0, 1+schnorr.PubKeyBytesLen)
	payload = append(payload, byte(keyEncodingVersion>>8))
	payload = append(payload, schnorr.SerializePubKey(pub)...)
	return base58.CheckEncode(payload, byte(keyEncodingVersion))
}

// GenerateKeys creates a fresh authority key.
func GenerateKeys() (*btcec.PrivateKey, error) {
	return btcec.NewPrivateKey()
}

// KeyFromHex parses a 32-byte hex secret key.
func KeyFromHex(s string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("secret key length %d, want %d", len(raw), btcec.PrivKeyBytesLen)
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

func firstByte(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}
