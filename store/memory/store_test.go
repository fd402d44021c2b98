package memory

import (
	"context"
	"testing"

	"github.com/xraph/loom/circuit"
	"github.com/xraph/loom/circuit/circuittest"
)

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

func TestStoreConformance(t *testing.T) {
	circuittest.RunStoreTests(t, func(_ *testing.T) circuit.Store {
		return New()
	})
}
