// Package subdomain issues and validates the DNS labels used to address
// tunnels publicly as "<subdomain>.<tunnel-domain>".
package subdomain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
)

// labelLength is the number of characters in a generated label.
const labelLength = 12

// defaultMaxRetries is used when New is given a non-positive retry count.
const defaultMaxRetries = 10

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// requestedLabelPattern matches client-requested subdomains: a valid DNS
// label of at most 63 characters.
var requestedLabelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Registry is the subset of the tunnel registry the allocator needs to
// check for collisions. It is satisfied by *registry.Registry.
type Registry interface {
	HasTunnel(subdomain string) bool
}

// Allocator generates unique, DNS-safe subdomain labels.
type Allocator struct {
	registry   Registry
	maxRetries int
}

// New creates an Allocator that checks collisions against reg, retrying on
// collision up to maxRetries times. A non-positive maxRetries falls back to
// defaultMaxRetries.
func New(reg Registry, maxRetries int) *Allocator {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Allocator{registry: reg, maxRetries: maxRetries}
}

// Allocate generates a fresh 12-character lowercase-alphanumeric label that
// does not collide with any subdomain currently live in the registry. It
// retries up to a.maxRetries times on collision before failing.
func (a *Allocator) Allocate() (string, error) {
	for i := 0; i < a.maxRetries; i++ {
		label, err := randomLabel()
		if err != nil {
			return "", fmt.Errorf("subdomain: generating random label: %w", err)
		}
		if !a.registry.HasTunnel(label) {
			return label, nil
		}
	}
	return "", fmt.Errorf("subdomain: exhausted %d allocation attempts due to collisions", a.maxRetries)
}

// ValidateRequested reports whether a client-requested subdomain is a legal
// DNS label. It does not check for collision; callers must do that against
// the registry themselves (typically atomically with registration).
func ValidateRequested(label string) bool {
	if label == "" || len(label) > 63 {
		return false
	}
	return requestedLabelPattern.MatchString(label)
}

// randomLabel returns a cryptographically random 12-character label drawn
// from the lowercase alphanumeric alphabet.
func randomLabel() (string, error) {
	b := make([]byte, labelLength)
	max := big.NewInt(int64(len(alphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b), nil
}
