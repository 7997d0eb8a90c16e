package coretools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/concierge/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkspaceRegistry(t *testing.T) (*tools.Registry, string) {
	t.Helper()
	root := t.TempDir()
	reg := tools.NewRegistry()
	require.NoError(t, RegisterCoreTools(reg, Options{Root: root}))
	return reg, root
}

func execute(t *testing.T, reg *tools.Registry, tenant, name string, payload map[string]interface{}) tools.Result {
	t.Helper()
	return reg.Execute(context.Background(), name, tenant, payload)
}

func TestRegisterCoreTools_Tiers(t *testing.T) {
	reg, _ := newWorkspaceRegistry(t)

	want := map[string]tools.TrustTier{
		"list_files":  tools.T1,
		"read_file":   tools.T1,
		"write_file":  tools.T2,
		"edit_file":   tools.T2,
		"delete_file": tools.T3,
	}
	for name, tier := range want {
		got, err := reg.Tier(name)
		require.NoError(t, err, name)
		assert.Equal(t, tier, got, name)
	}
}

func TestRegisterCoreTools_RequiresRoot(t *testing.T) {
	assert.Error(t, RegisterCoreTools(tools.NewRegistry(), Options{}))
	assert.Error(t, RegisterCoreTools(nil, Options{Root: t.TempDir()}))
}

func TestWorkspace_WriteReadEditDelete(t *testing.T) {
	reg, root := newWorkspaceRegistry(t)

	res := execute(t, reg, "salon-1", "write_file", map[string]interface{}{"path": "notes/hours.txt", "content": "open 9-5"})
	require.True(t, res.Success, res.Error)
	assert.FileExists(t, filepath.Join(root, "salon-1", "notes", "hours.txt"))

	res = execute(t, reg, "salon-1", "read_file", map[string]interface{}{"path": "notes/hours.txt"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "open 9-5", res.Output.(map[string]interface{})["content"])

	res = execute(t, reg, "salon-1", "edit_file", map[string]interface{}{"path": "notes/hours.txt", "search": "9-5", "replace": "10-6"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.Output.(map[string]interface{})["occurrences"])

	// Replaying the same edit is harmless.
	res = execute(t, reg, "salon-1", "edit_file", map[string]interface{}{"path": "notes/hours.txt", "search": "9-5", "replace": "10-6"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 0, res.Output.(map[string]interface{})["occurrences"])

	res = execute(t, reg, "salon-1", "list_files", map[string]interface{}{})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"notes/hours.txt"}, res.Output.(map[string]interface{})["files"])

	res = execute(t, reg, "salon-1", "delete_file", map[string]interface{}{"path": "notes/hours.txt"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, true, res.Output.(map[string]interface{})["deleted"])

	res = execute(t, reg, "salon-1", "delete_file", map[string]interface{}{"path": "notes/hours.txt"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, false, res.Output.(map[string]interface{})["deleted"])
}

func TestWorkspace_TenantsAreIsolated(t *testing.T) {
	reg, _ := newWorkspaceRegistry(t)

	res := execute(t, reg, "salon-1", "write_file", map[string]interface{}{"path": "secret.txt", "content": "a"})
	require.True(t, res.Success, res.Error)

	res = execute(t, reg, "salon-2", "read_file", map[string]interface{}{"path": "secret.txt"})
	assert.False(t, res.Success)

	res = execute(t, reg, "salon-2", "read_file", map[string]interface{}{"path": "../salon-1/secret.txt"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "outside workspace root")
}

func TestWorkspace_RejectsUnsafePaths(t *testing.T) {
	reg, _ := newWorkspaceRegistry(t)

	for _, path := range []string{"/etc/passwd", "file://x", "..", "a/../../b"} {
		res := execute(t, reg, "salon-1", "write_file", map[string]interface{}{"path": path, "content": "x"})
		assert.False(t, res.Success, path)
	}

	res := execute(t, reg, "../..", "list_files", map[string]interface{}{})
	assert.False(t, res.Success)
}

func TestWorkspace_ReadTruncates(t *testing.T) {
	reg, root := newWorkspaceRegistry(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "salon-1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "salon-1", "big.txt"), []byte("0123456789"), 0644))

	res := execute(t, reg, "salon-1", "read_file", map[string]interface{}{"path": "big.txt", "max_bytes": float64(4)})
	require.True(t, res.Success, res.Error)
	out := res.Output.(map[string]interface{})
	assert.Equal(t, "0123", out["content"])
	assert.Equal(t, true, out["truncated"])
}

func TestWorkspace_Previews(t *testing.T) {
	reg, _ := newWorkspaceRegistry(t)

	assert.Equal(t, "Permanently delete a.txt", reg.Preview("delete_file", map[string]interface{}{"path": "a.txt"}))
	assert.Equal(t, "Write 3 bytes to a.txt", reg.Preview("write_file", map[string]interface{}{"path": "a.txt", "content": "abc"}))
}
