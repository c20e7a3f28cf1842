package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_RejectsEmptyAndWrongToken(t *testing.T) {
	a := New("correct-secret")
	assert.False(t, a.Check(""))
	assert.False(t, a.Check("wrong-secret"))
	assert.True(t, a.Check("correct-secret"))
}

func TestLoadOrGenerate_GeneratesAndPersistsOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	a1, err := LoadOrGenerate(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	a2, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.True(t, a2.Check(string(data)))
	_ = a1
}

func TestLoadOrGenerate_PersistedSecretSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("fixed-secret"), 0o600))

	a, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.True(t, a.Check("fixed-secret"))
}

func TestRotate_ReplacesSecretAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	a, err := LoadOrGenerate(path)
	require.NoError(t, err)

	old, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, a.Rotate(path))

	fresh, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, string(old), string(fresh))
	assert.False(t, a.Check(string(old)))
	assert.True(t, a.Check(string(fresh)))
}
