package secret

import (
	"crypto/rand"
	"runtime"
)

// MemClr wipes buf with zeroes using the built-in clear(), which the Go
// runtime guarantees will not be optimized away.
func MemClr(buf []byte) {
	clear(buf)
}

// FillRandom overwrites buf with cryptographically secure random bytes.
func FillRandom(buf []byte) {
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}

	// Prevent dead-store elimination of the fill above.
	runtime.KeepAlive(buf)
}

// GetRandBytes returns a new slice of length n filled with cryptographically
// secure random bytes.
func GetRandBytes(n int) []byte {
	buf := make([]byte, n)
	FillRandom(buf)

	return buf
}
