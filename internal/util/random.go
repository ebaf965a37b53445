package util

import (
	"crypto/rand"
	"encoding/hex"
	mrand "math/rand"
)

// RandomHex returns n lowercase hexadecimal characters. It prefers
// crypto/rand and falls back to math/rand if the system source fails.
func RandomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		for i := range buf {
			buf[i] = byte(mrand.Intn(256))
		}
	}
	return hex.EncodeToString(buf)[:n]
}
