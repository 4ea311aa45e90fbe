// Package fingerprint derives the content identity used for deduplication
// and for vector record IDs.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFC, collapses whitespace runs to one space and trims the result.
func Normalize(body string) string {
	composed := norm.NFC.String(body)

	var b strings.Builder
	b.Grow(len(composed))
	pendingSpace := false
	for _, r := range composed {
		if unicode.IsSpace(r) {
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Of returns the hex SHA-256 digest of the normalized body.
func Of(body string) string {
	sum := sha256.Sum256([]byte(Normalize(body)))
	return hex.EncodeToString(sum[:])
}

// DedupKey is the persisted key of a dedup record.
func DedupKey(jurisdiction, fp string) string {
	return fmt.Sprintf("%s_%s", strings.ToUpper(strings.TrimSpace(jurisdiction)), fp)
}

// RecordID is the index record key of a chunk.
func RecordID(fp string, chunkIndex int) string {
	return fmt.Sprintf("%s_%d", fp, chunkIndex)
}

// PointUUID maps a record ID onto a stable UUID for stores that only accept UUID keys.
func PointUUID(recordID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("lexrag:"+recordID)).String()
}
