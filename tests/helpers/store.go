package helpers

import (
	"testing"

	"github.com/xiaot623/agentrun/internal/repository"
	"github.com/xiaot623/agentrun/internal/telemetry"
)

func NewTestSQLiteStore(t *testing.T, opts ...repository.Option) *repository.SQLiteStore {
	t.Helper()

	opts = append([]repository.Option{repository.WithLogger(telemetry.Discard())}, opts...)
	s, err := repository.NewSQLiteStore(":memory:", opts...)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}
