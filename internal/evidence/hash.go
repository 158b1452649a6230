package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Hash computes the SHA-256 hex digest of a record's canonical encoding.
// Every immutable field participates, so any change to the row is detectable.
func Hash(r *Record) string {
	var b strings.Builder
	b.WriteString(r.SessionID)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(r.Sequence, 10))
	b.WriteByte('\n')
	b.WriteString(string(r.Type))
	b.WriteByte('\n')
	b.WriteString(strconv.FormatBool(r.Critical))
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(r.OccurredAt, 10))
	b.WriteByte('\n')
	b.WriteString(optInt(r.VideoStart))
	b.WriteByte('\n')
	b.WriteString(optInt(r.VideoEnd))
	b.WriteByte('\n')
	if r.BlobPointer != nil {
		b.WriteString(*r.BlobPointer)
	}
	b.WriteByte('\n')
	b.Write(r.Payload)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Check reports whether the stored hash matches the record contents.
func Check(r *Record) bool {
	return r.PayloadHash != "" && r.PayloadHash == Hash(r)
}

func optInt(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}
