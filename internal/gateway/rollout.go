package gateway

import (
	"hash/fnv"
	"strings"
)

// InRollout reports whether an identifier falls inside a traffic percentage.
// Bucketing is deterministic: the same identifier always lands in the same
// bucket. The bucket comparison is strictly less-than the percentage, which
// matches the long-standing migration helper behavior; the percentage=100
// case short-circuits to admit everything.
func InRollout(identifier string, percentage int) bool {
	if percentage <= 0 {
		return false
	}
	if percentage >= 100 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(identifier))))
	bucket := int(h.Sum32() % 100)
	return bucket < percentage
}
