package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
)

// ReportKey returns a stable fixed length key for the uniqueness scope of a
// report: its external id within the owning organisation. Organisation
// identifiers never contain the separator byte.
func ReportKey(organisationID, externalID string) string {
	h := sha256.New()
	h.Write([]byte(organisationID))
	h.Write([]byte{0})
	h.Write([]byte(externalID))
	return hex.EncodeToString(h.Sum(nil))
}
