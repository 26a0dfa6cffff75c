package batcher

import (
	"strconv"

	"golang.org/x/crypto/blake2b"

	audit "vitalis/pkg/platform/audit"
)

type fingerprint [blake2b.Size256]byte

// fingerprintOf identifies "the same event" for dedup purposes. Security
// events fold in the client IP so distinct attackers are not conflated.
func fingerprintOf(e audit.Event) fingerprint {
	buf := make([]byte, 0, 128)
	for _, part := range []string{
		string(e.Type),
		e.UserID,
		e.Action,
		e.ResourceType,
		strconv.FormatBool(e.Success),
	} {
		buf = append(buf, part...)
		buf = append(buf, 0)
	}
	if e.Category() == audit.CategorySecurity {
		buf = append(buf, e.IPAddress...)
	}
	return blake2b.Sum256(buf)
}

// emissionKey is the per-subject limiter key for security events.
func emissionKey(e audit.Event) string {
	return e.Action + "|" + e.Subject()
}
