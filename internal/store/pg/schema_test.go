package pg

import (
	"errors"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		version uint
		dirty   bool
		want    error
		hint    string
	}{
		{"current", RequiredSchemaVersion, false, nil, ""},
		{"outdated", 0, false, ErrSchemaOutdated, "migrate up"},
		{"dirty", RequiredSchemaVersion, true, ErrSchemaDirty, "migrate force"},
		{"ahead", RequiredSchemaVersion + 1, false, ErrSchemaAhead, "upgrade wecomgw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := classify(tt.version, tt.dirty)
			if err := s.Err(); !errors.Is(err, tt.want) {
				t.Fatalf("Err() = %v, want %v", err, tt.want)
			}
			if tt.hint != "" && !strings.Contains(FormatError(s), tt.hint) {
				t.Errorf("FormatError = %q, want hint %q", FormatError(s), tt.hint)
			}
		})
	}
}
