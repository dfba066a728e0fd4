// Package names generates readable worker identities.
package names

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

var (
	adjectives = []string{
		"attentive", "brisk", "candid", "steady", "patient", "curious",
		"direct", "gentle", "lucid", "measured", "nimble", "open",
		"quiet", "sharp", "warm", "wry",
	}
	nouns = []string{
		"mentor", "listener", "guide", "sparring", "sounding", "compass",
		"anchor", "beacon", "lantern", "harbor", "summit", "relay",
	}
)

// Worker returns an identity like "worker-patient-compass-3f2a". Identities
// only need to be distinct within one pool; the suffix makes a collision
// between two processes unlikely, not impossible.
func Worker() string {
	return fmt.Sprintf("worker-%s-%s-%04x",
		adjectives[rand.IntN(len(adjectives))],
		nouns[rand.IntN(len(nouns))],
		rand.IntN(0x10000),
	)
}

// Sanitize lowercases an operator-chosen identity and replaces anything
// outside [a-z0-9-] with a dash.
func Sanitize(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
