// Package util provides identifier and environment helpers shared across HuddlePipe components.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// Namespaces for deterministic identifiers. Changing them re-keys every seeded record.
var (
	TopicNamespace        = uuid.MustParse("0f6f1c3e-5b7a-4d2e-9c41-6a0b8f3d2e17")
	ConversationNamespace = uuid.MustParse("8d2a4b61-3c5e-4f70-a1b2-c3d4e5f60718")
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// NewID returns a random UUID string for workflow, conversation and question records.
func NewID() string {
	return uuid.NewString()
}

// StableID returns a name-based UUID, so the same key always yields the same ID.
func StableID(namespace uuid.UUID, key string) string {
	return uuid.NewSHA1(namespace, []byte(key)).String()
}

// CompactID strips the dashes from a UUID string. The result only uses 0-9 and a-f.
func CompactID(id string) string {
	return strings.ReplaceAll(id, "-", "")
}
