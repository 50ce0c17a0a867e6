package entity

import (
	"crypto/sha1" // #nosec G505 -- identity hash, not security
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// ID sanitizes a raw id: leading whitespace and brackets are dropped and
// slashes become dashes, so ids are safe as registry URL path segments.
func ID(raw string) string {
	trimmed := strings.TrimLeftFunc(raw, func(r rune) bool {
		return unicode.IsSpace(r) || r == '[' || r == ']'
	})
	return strings.ReplaceAll(trimmed, "/", "-")
}

// Hash returns a short stable digest used to disambiguate ids.
func Hash(s string) string {
	sum := sha1.Sum([]byte(s)) // #nosec G401
	return hex.EncodeToString(sum[:])[:8]
}

// ScopedID renders "<name>[<account>:<region>]".
func ScopedID(name string, s Scope) string {
	return ID(fmt.Sprintf("%s[%s:%s]", name, s.Account, s.Region))
}

// AccountMarkerID is the id of the per-scope account marker.
func AccountMarkerID(s Scope) string {
	return ScopedID("aws-ac", s)
}

// LimitsID is the id of the per-scope account limits entity.
func LimitsID(s Scope) string {
	return ScopedID("aws-limits", s)
}

// ApplicationEntityID is the id of a derived application entity.
func ApplicationEntityID(applicationID string, s Scope) string {
	return ScopedID("a-"+applicationID, s)
}
