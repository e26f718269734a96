// Package contenthash produces the deterministic identifiers used across
// the report pipeline: report ids (dedup keys for uploaded report blobs)
// and share ids (stable snapshot identifiers).
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
)

const (
	// ReportIDLen is the hex length of a report content hash.
	ReportIDLen = 16
	// ShareIDLen is the hex length of a share snapshot id.
	ShareIDLen = 12
)

var reportIDPattern = regexp.MustCompile(`^[a-f0-9]{16}$`)

// Sum returns the full lowercase-hex SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ReportID is the 16-hex prefix of the digest of a serialized report.
// Identical report bytes always map to the same id.
func ReportID(report []byte) string {
	return Sum(report)[:ReportIDLen]
}

// ValidReportID reports whether s is a well-formed report id. Anything
// else must be rejected before it is used as part of a storage key.
func ValidReportID(s string) bool {
	return reportIDPattern.MatchString(s)
}

type shareDigestInput struct {
	URLs      []string          `json:"urls"`
	ReportIDs map[string]string `json:"reportIds"`
}

// ShareID derives a deterministic snapshot id from the URL set and the
// report hashes it references. URLs are sorted first, so the same content
// yields the same id regardless of insertion order.
func ShareID(urls []string, reportIDs map[string]string) string {
	sorted := make([]string, len(urls))
	copy(sorted, urls)
	sort.Strings(sorted)
	// json.Marshal emits map keys in sorted order, making the digest stable.
	b, _ := json.Marshal(shareDigestInput{URLs: sorted, ReportIDs: reportIDs})
	return Sum(b)[:ShareIDLen]
}
