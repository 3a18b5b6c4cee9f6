package vbmap

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/ValentinKolb/vbKV/lib/util"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// Hasher maps a key to an unsigned value; the partition index is that value
// modulo the partition count. Implementations must be pure.
type Hasher interface {
	Sum(key string) uint64
}

// HasherFunc adapts a function to the Hasher interface.
type HasherFunc func(key string) uint64

// Sum calls f(key).
func (f HasherFunc) Sum(key string) uint64 { return f(key) }

// HashAlgorithm names one of the built-in hashers.
type HashAlgorithm string

const (
	// HashCRC is the protocol default: bits 16..30 of the IEEE CRC32.
	HashCRC HashAlgorithm = "CRC"
	// HashFNV is 64-bit FNV-1a.
	HashFNV HashAlgorithm = "FNV"
	// HashBLAKE2B uses the first 8 bytes of an 8-byte BLAKE2b digest.
	HashBLAKE2B HashAlgorithm = "BLAKE2B"
	// HashXXH64 is 64-bit xxHash.
	HashXXH64 HashAlgorithm = "XXH64"
)

// ParseHashAlgorithm accepts the names used in bucket configurations. An
// empty name selects HashCRC.
func ParseHashAlgorithm(name string) (HashAlgorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "CRC", "CRC32":
		return HashCRC, nil
	case "FNV", "FNV1A":
		return HashFNV, nil
	case "BLAKE2B":
		return HashBLAKE2B, nil
	case "XXH64", "XXHASH":
		return HashXXH64, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", name)
	}
}

// Hasher returns the implementation of a.
func (a HashAlgorithm) Hasher() (Hasher, error) {
	switch a {
	case HashCRC, "":
		return HasherFunc(crcSum), nil
	case HashFNV:
		return HasherFunc(fnvSum), nil
	case HashBLAKE2B:
		return HasherFunc(blake2bSum), nil
	case HashXXH64:
		return HasherFunc(xxhash.Sum64String), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", string(a))
	}
}

func crcSum(key string) uint64 {
	return uint64((crc32.ChecksumIEEE([]byte(key)) >> 16) & 0x7fff)
}

func fnvSum(key string) uint64 {
	return util.HashString(key, 0)
}

func blake2bSum(key string) uint64 {
	h, _ := blake2b.New(8, nil)
	h.Write([]byte(key))
	return binary.BigEndian.Uint64(h.Sum(nil))
}
