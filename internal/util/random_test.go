package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantPrefix string
		wantLength int
	}{
		{
			name:       "job ID format",
			prefix:     "job_",
			hexLength:  32,
			wantPrefix: "job_",
			wantLength: 36,
		},
		{
			name:       "outbox ID format",
			prefix:     "outbox_",
			hexLength:  32,
			wantPrefix: "outbox_",
			wantLength: 39,
		},
		{
			name:       "empty hex",
			prefix:     "x_",
			hexLength:  0,
			wantPrefix: "x_",
			wantLength: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)

			if !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("GenerateRandomID() = %v, want prefix %v", got, tt.wantPrefix)
			}
			if len(got) != tt.wantLength {
				t.Errorf("GenerateRandomID() length = %v, want %v", len(got), tt.wantLength)
			}
			if hexPart := got[len(tt.wantPrefix):]; !isValidHex(hexPart) {
				t.Errorf("GenerateRandomID() hex part = %v is not valid hex", hexPart)
			}
		})
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestStableID(t *testing.T) {
	a := StableID(TopicNamespace, "casual:What did you eat for lunch?")
	b := StableID(TopicNamespace, "casual:What did you eat for lunch?")
	c := StableID(ConversationNamespace, "casual:What did you eat for lunch?")
	if a != b {
		t.Errorf("expected stable IDs, got %s and %s", a, b)
	}
	if a == c {
		t.Error("different namespaces should produce different IDs")
	}
}

func TestCompactID(t *testing.T) {
	id := CompactID(NewID())
	if len(id) != 32 {
		t.Errorf("expected 32 chars, got %d", len(id))
	}
	if !isValidHex(id) {
		t.Errorf("expected hex, got %s", id)
	}
}

func isValidHex(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}
