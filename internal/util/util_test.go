package util

import (
	"bytes"
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRomMD5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rom.z64")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	sum, err := RomMD5(path)
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", sum)

	_, err = RomMD5(filepath.Join(t.TempDir(), "missing.z64"))
	assert.Error(t, err)
}

func TestGenerateSelfSignedCert(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "api.crt")
	key := filepath.Join(dir, "api.key")

	require.NoError(t, GenerateSelfSignedCert(cert, key))
	_, err := tls.LoadX509KeyPair(cert, key)
	assert.NoError(t, err)
}

func TestInitLoggerWritesFile(t *testing.T) {
	old := log.Logger
	t.Cleanup(func() { log.Logger = old })

	dir := t.TempDir()
	var console bytes.Buffer
	require.NoError(t, InitLogger(LogConfig{
		Level:     "debug",
		Directory: dir,
		Console:   true,
		App:       "testapp",
		Stdout:    &console,
	}))

	widget := ComponentLogger("widget")
	widget.Info().Msg("hello from widget")

	name := filepath.Join(dir, "testapp_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"widget"`)
	assert.Contains(t, console.String(), "hello from widget")
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	for _, day := range []string{"2024-01-01", "2024-01-02", "2024-01-03"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "app_"+day+".log"), nil, 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other_2020-01-01.log"), nil, 0644))

	cleanOldLogs(dir, "app", 2)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"app_2024-01-02.log", "app_2024-01-03.log", "other_2020-01-01.log"}, names)
}

func TestGetSystemInfo(t *testing.T) {
	info := GetSystemInfo()
	assert.NotEmpty(t, info.Architecture)
	assert.Positive(t, info.CPUThreads)
}

func TestGetDiskUsage(t *testing.T) {
	usage, err := GetDiskUsage(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, usage.TotalMB)
	assert.GreaterOrEqual(t, usage.UsedPercent, 0.0)

	_, err = GetDiskUsage(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
