package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	mrand "math/rand/v2"
)

const (
	letters      = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	alphanumeric = letters + "0123456789"
)

// HashHex returns the hex sha256 of s.
func HashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// seeded returns a PRNG whose sequence depends only on seed. Client code
// never reproduces it, so only the server needs to be stable across
// releases.
func seeded(seed string) *mrand.Rand {
	return mrand.New(mrand.NewChaCha8(sha256.Sum256([]byte(seed))))
}

// KeyedString derives an alphanumeric string of length n from seed.
func KeyedString(seed string, n int) string {
	r := seeded(seed)
	b := make([]byte, n)
	for i := range b {
		b[i] = alphanumeric[r.IntN(len(alphanumeric))]
	}
	return string(b)
}

// RandomString returns n alphanumerics from crypto/rand.
func RandomString(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto: random source failed: " + err.Error())
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b)
}

// NewKey returns a fresh artifact key.
func NewKey() string {
	return RandomString(KeySize)
}

// NameLength is the shortest name length whose letter combinations cover n
// names.
func NameLength(n int) int {
	l, capacity := 1, len(letters)
	for capacity < n {
		l++
		capacity *= len(letters)
	}
	return l
}

// DeriveFieldNames maps every entry of vars to a short identifier. The
// result is a function of key alone: names are the first len(vars) base-52
// numbers, shuffled by a PRNG seeded with key.
func DeriveFieldNames(key string, vars []string) []string {
	l := NameLength(len(vars))
	names := make([]string, len(vars))
	for i := range vars {
		b := make([]byte, l)
		n := i
		for j := 0; j < l; j++ {
			b[j] = letters[n%len(letters)]
			n /= len(letters)
		}
		names[i] = string(b)
	}
	r := seeded(key)
	r.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })
	return names
}

// Shuffler returns a deterministic PRNG for callers that need more
// key-derived choices than names.
func Shuffler(seed string) *mrand.Rand {
	return seeded(seed)
}
