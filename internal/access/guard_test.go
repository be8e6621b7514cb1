package access

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardStaticList(t *testing.T) {
	g, err := New(Config{Users: []string{"42", " 7 ", ""}}, nil)
	require.NoError(t, err)

	assert.True(t, g.Allowed("42"))
	assert.True(t, g.Allowed("7"))
	assert.False(t, g.Allowed("99"))
	assert.False(t, g.Allowed(""))
	assert.ErrorIs(t, g.Check("99"), ErrUnauthorized)
	assert.NoError(t, g.Check("42"))
	assert.Equal(t, 2, g.Size())
}

func TestGuardEmptyListDeniesEveryone(t *testing.T) {
	g, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.False(t, g.Allowed("42"))

	g, err = New(Config{AllowAll: true}, nil)
	require.NoError(t, err)
	assert.True(t, g.Allowed("42"))
}

func TestGuardFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users:\n  - \"100\"\n  - \"200\"\n"), 0o600))

	g, err := New(Config{Users: []string{"1", "100"}, File: path}, nil)
	require.NoError(t, err)
	assert.True(t, g.Allowed("1"))
	assert.True(t, g.Allowed("200"))
	assert.Equal(t, 3, g.Size())

	require.NoError(t, os.WriteFile(path, []byte("users: [oops"), 0o600))
	assert.Error(t, g.Reload())
	assert.True(t, g.Allowed("200"), "previous list kept on parse error")

	_, err = New(Config{File: filepath.Join(t.TempDir(), "missing.yaml")}, nil)
	assert.Error(t, err)
}

func TestGuardWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users: [\"100\"]\n"), 0o600))

	g, err := New(Config{File: path}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Watch(ctx) }()

	// Give the watcher time to register before changing the file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("users: [\"300\"]\n"), 0o600))

	assert.Eventually(t, func() bool { return g.Allowed("300") && !g.Allowed("100") },
		2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
