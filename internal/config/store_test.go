//go:build !integration && !e2e

package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStoreUpdateSwapsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store := NewStore(Default(), path, zap.NewNop())

	old := store.Snapshot()

	next, err := Clone(old)
	require.NoError(t, err)
	next.Server.Port = 7777
	require.NoError(t, store.Update(next))

	assert.Equal(t, 7777, store.Snapshot().Server.Port)
	// The old snapshot is untouched; in-flight requests keep it.
	assert.Equal(t, Default().Server.Port, old.Server.Port)

	// The update was persisted.
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, loaded.Server.Port)
}

func TestStoreUpdateRejectsInvalid(t *testing.T) {
	store := NewStore(Default(), "", zap.NewNop())

	next, err := Clone(store.Snapshot())
	require.NoError(t, err)
	next.Server.Port = -1

	assert.Error(t, store.Update(next))
	assert.Equal(t, Default().Server.Port, store.Snapshot().Server.Port)
}

func TestStoreOnChange(t *testing.T) {
	store := NewStore(Default(), "", zap.NewNop())

	var gotOld, gotNew *Config
	store.OnChange(func(old, new *Config) {
		gotOld, gotNew = old, new
	})

	next, err := Clone(store.Snapshot())
	require.NoError(t, err)
	next.Models.T1 = []string{"replaced"}
	require.NoError(t, store.Update(next))

	require.NotNil(t, gotOld)
	require.NotNil(t, gotNew)
	assert.Equal(t, []string{"replaced"}, gotNew.Models.T1)
	assert.NotEqual(t, gotOld.Models.T1, gotNew.Models.T1)
}

func TestCloneIsDeep(t *testing.T) {
	cfg := Default()
	cfg.Params.Global = map[string]any{"temperature": 0.5}

	cp, err := Clone(cfg)
	require.NoError(t, err)
	cp.Params.Global["temperature"] = 0.9
	cp.Models.T1[0] = "mutated"

	assert.Equal(t, 0.5, cfg.Params.Global["temperature"])
	assert.NotEqual(t, "mutated", cfg.Models.T1[0])
}
