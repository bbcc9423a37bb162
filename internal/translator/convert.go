package translator

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"github.com/minio/sha256-simd"
)

// HeaderPrefixLen is a block header without its trailing nonce.
const HeaderPrefixLen = 76

// TargetToV2 widens a V1 hex target to the 256-bit little-endian form. The
// hex digits are the most significant digits of the wide target, so an
// 8-digit target is shifted left by 224 bits.
func TargetToV2(targetHex string) ([32]byte, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(targetHex), "0x"), "0X")
	if s == "" || len(s) > 16 {
		return [32]byte{}, fmt.Errorf("translator: target %q out of range", targetHex)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return [32]byte{}, fmt.Errorf("translator: target %q: %w", targetHex, err)
	}
	wide := new(uint256.Int).Lsh(uint256.NewInt(v), uint(256-4*len(s)))
	return toLE(wide.Bytes32()), nil
}

// TargetFromV2 narrows a 256-bit little-endian target to 8 hex digits.
// Targets below 2^224 clamp to the smallest non-zero V1 target.
func TargetFromV2(target [32]byte) string {
	be := toLE(target)
	top := new(uint256.Int).Rsh(new(uint256.Int).SetBytes32(be[:]), 224).Uint64()
	if top == 0 {
		top = 1
	}
	return fmt.Sprintf("%08x", top)
}

// MaxTargetV2 is the easiest possible target.
func MaxTargetV2() [32]byte {
	var t [32]byte
	for i := range t {
		t[i] = 0xff
	}
	return t
}

// toLE reverses byte order; it is its own inverse.
func toLE(b [32]byte) [32]byte {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

// NonceToV1 renders a V2 nonce as the 8 hex digits of its little-endian bytes.
func NonceToV1(nonce uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], nonce)
	return hex.EncodeToString(b[:])
}

func NonceFromV1(s string) (uint32, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("translator: nonce %q: %w", s, err)
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("translator: nonce %q has %d bytes, want 4", s, len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

// header is the 76-byte block header prefix a V1 blob carries for V2 work.
type header struct {
	Version    uint32
	PrevHash   [32]byte
	MerkleRoot [32]byte
	NTime      uint32
	NBits      uint32
}

func (h header) marshal() []byte {
	out := make([]byte, 0, HeaderPrefixLen)
	out = binary.LittleEndian.AppendUint32(out, h.Version)
	out = append(out, h.PrevHash[:]...)
	out = append(out, h.MerkleRoot[:]...)
	out = binary.LittleEndian.AppendUint32(out, h.NTime)
	out = binary.LittleEndian.AppendUint32(out, h.NBits)
	return out
}

// parseHeader reads a 76-byte prefix or a full 80-byte header.
func parseHeader(b []byte) (header, bool) {
	if len(b) != HeaderPrefixLen && len(b) != HeaderPrefixLen+4 {
		return header{}, false
	}
	var h header
	h.Version = binary.LittleEndian.Uint32(b[0:4])
	copy(h.PrevHash[:], b[4:36])
	copy(h.MerkleRoot[:], b[36:68])
	h.NTime = binary.LittleEndian.Uint32(b[68:72])
	h.NBits = binary.LittleEndian.Uint32(b[72:76])
	return h, true
}

// powHash is the double SHA-256 of the header with nonce appended.
func (h header) powHash(nonce uint32) [32]byte {
	full := binary.LittleEndian.AppendUint32(h.marshal(), nonce)
	first := sha256.Sum256(full)
	return sha256.Sum256(first[:])
}

// nbitsFromTarget is the compact encoding of a 256-bit little-endian target.
func nbitsFromTarget(target [32]byte) uint32 {
	be := toLE(target)
	i := 0
	for i < len(be) && be[i] == 0 {
		i++
	}
	if i == len(be) {
		return 0
	}
	size := uint32(len(be) - i)
	var mant uint32
	for k := 0; k < 3; k++ {
		mant <<= 8
		if i+k < len(be) {
			mant |= uint32(be[i+k])
		}
	}
	if mant&0x00800000 != 0 {
		mant >>= 8
		size++
	}
	return size<<24 | mant
}
