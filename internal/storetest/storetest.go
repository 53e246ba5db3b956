// Package storetest builds initialized managers for package tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/agentstore/pkg/core"
)

// NewManager returns an initialized manager over a sqlite file in a
// temporary directory. It is closed when the test ends.
func NewManager(t testing.TB, mutate ...func(*core.Config)) *core.Manager {
	t.Helper()

	cfg := core.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "agentstore_test.db")
	cfg.LogLevel = "error"
	for _, fn := range mutate {
		fn(&cfg)
	}

	db, err := core.New(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Init(context.Background()))

	t.Cleanup(func() { _ = db.Close() })
	return db
}
