package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/xraph/loom/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"CorrelationID", id.NewCorrelationID, "corr_"},
		{"WorkflowID", id.NewWorkflowID, "wf_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
			if len(got) != len(tt.prefix)+32 {
				t.Errorf("expected %d characters, got %d (%q)", len(tt.prefix)+32, len(got), got)
			}
		})
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		s := id.NewWorkflowID().String()
		if seen[s] {
			t.Fatalf("duplicate ID %q", s)
		}
		seen[s] = true
	}
}

func TestNew_Sortable(t *testing.T) {
	a := id.NewCorrelationID().String()
	b := id.NewCorrelationID().String()
	if a >= b {
		t.Errorf("expected %q < %q", a, b)
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"CorrelationID", id.NewCorrelationID, id.ParseCorrelationID},
		{"WorkflowID", id.NewWorkflowID, id.ParseWorkflowID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestParseWithPrefix_Mismatch(t *testing.T) {
	wf := id.NewWorkflowID()
	if _, err := id.ParseCorrelationID(wf.String()); err == nil {
		t.Error("expected error for mismatched prefix")
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"", "nounderscore", "_0192b3c4d5e67f8090a1b2c3d4e5f607", "wf_nothex", "WF_0192b3c4d5e67f8090a1b2c3d4e5f607"} {
		if _, err := id.Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error", s)
		}
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}
	if i.Prefix() != "" {
		t.Errorf("expected empty prefix, got %q", i.Prefix())
	}
}

func TestMarshalText_JSON(t *testing.T) {
	type doc struct {
		ID id.ID `json:"id"`
	}

	original := doc{ID: id.NewWorkflowID()}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded doc
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID.String() != original.ID.String() {
		t.Errorf("got %q, want %q", decoded.ID.String(), original.ID.String())
	}
}

func TestMustParse_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	id.MustParse("invalid")
}
