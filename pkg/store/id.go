package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// mintSessionID derives a session ID from t as "ses-HHMMSS"; suffix, when
// non-empty, disambiguates a collision within the same second (spec §4.4).
func mintSessionID(t time.Time, suffix string) string {
	base := fmt.Sprintf("ses-%s", t.Format("150405"))
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

// randomSuffix returns a short random hex string used to disambiguate a
// session ID collision within the same second.
func randomSuffix() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
