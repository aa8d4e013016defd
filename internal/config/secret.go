package config

import "crypto/subtle"

// constantTimeEqual compares two secrets without leaking timing
// information about where they first differ, the same property the
// teacher's JWT verifier relies on hmac.Equal for.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
