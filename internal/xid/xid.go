package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a prefixed identifier of the form prefix-unixnano-entropy.
// Within a prefix, identifiers sort roughly by creation time.
func New(prefix string) string {
	now := time.Now().UnixNano()
	entropy := make([]byte, 6)
	if _, err := rand.Read(entropy); err != nil {
		return fmt.Sprintf("%s-%d", prefix, now)
	}
	return fmt.Sprintf("%s-%d-%s", prefix, now, hex.EncodeToString(entropy))
}
