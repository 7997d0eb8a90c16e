package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	cfg := testConfig(t)
	d, _ := createTestDaemon(t, cfg)
	defer d.closeCoreModules()

	lm := NewLifecycleManager(d)
	assert.Equal(t, d, lm.daemon)
	assert.Equal(t, filepath.Join(cfg.DataDir, PIDFileName), lm.PIDFile())
}

func TestLifecycleManagerStartStop(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t))
	defer d.closeCoreModules()
	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())
	_, err := os.Stat(lm.PIDFile())
	assert.NoError(t, err)
	assert.True(t, IsRunning(lm.PIDFile()))

	// The PID file names a live process, so a second start is refused.
	assert.ErrorIs(t, lm.Start(), ErrAlreadyRunning)

	require.NoError(t, lm.Stop())
	_, err = os.Stat(lm.PIDFile())
	assert.True(t, os.IsNotExist(err))
	assert.False(t, IsRunning(lm.PIDFile()))

	// Stopping without a PID file is fine.
	assert.NoError(t, lm.Stop())
}

func TestLifecycleManagerReplacesStalePIDFile(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t))
	defer d.closeCoreModules()
	lm := NewLifecycleManager(d)

	// No process can have this PID.
	require.NoError(t, os.WriteFile(lm.PIDFile(), []byte("99999999\n"), 0644))
	assert.False(t, IsRunning(lm.PIDFile()))

	require.NoError(t, lm.Start())
	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	require.NoError(t, lm.Stop())
}

func TestLifecycleManagerStopLeavesForeignPIDFile(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t))
	defer d.closeCoreModules()
	lm := NewLifecycleManager(d)

	require.NoError(t, os.WriteFile(lm.PIDFile(), []byte("1\n"), 0644))
	require.NoError(t, lm.Stop())
	assert.FileExists(t, lm.PIDFile())
}

func TestLifecycleManagerGetPID(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t))
	defer d.closeCoreModules()
	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())
	defer lm.Stop()

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "good.pid")
	require.NoError(t, os.WriteFile(path, []byte("1234\n"), 0644))
	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("not-a-pid"), 0644))
	_, err = ReadPID(bad)
	assert.Error(t, err)
	assert.False(t, IsRunning(bad))

	_, err = ReadPID(filepath.Join(dir, "missing.pid"))
	assert.Error(t, err)
}
