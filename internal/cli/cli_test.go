package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	"github.com/add146/pendaftaran-sub000/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := BuildCLI()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

var fastPacing = []string{
	"--jitter-min", "1ms", "--jitter-max", "1ms",
	"--delay-min", "1ms", "--delay-max", "1ms",
	"--batch", "-1", "--log-level", "error",
}

func TestSendDryRun(t *testing.T) {
	t.Setenv(config.EnvTelegramToken, "")
	dir := t.TempDir()
	file := filepath.Join(dir, "people.csv")
	require.NoError(t, os.WriteFile(file, []byte("id,name,address\n1,Ana,1001\n2,Budi,1002\n3,Citra,1003:7\n"), 0o600))

	args := append([]string{"-c", filepath.Join(dir, "missing.json"), "send", file, "-m", "Halo", "--dry-run"}, fastPacing...)
	out, err := execute(t, args...)
	require.NoError(t, err)

	assert.Equal(t, 3, strings.Count(out, "-> "))
	assert.Contains(t, out, "[COMPLETED]")
	assert.Contains(t, out, "3/3")
	assert.NotContains(t, out, "paused:")
}

func TestSendSkip(t *testing.T) {
	t.Setenv(config.EnvTelegramToken, "")
	dir := t.TempDir()
	file := filepath.Join(dir, "people.json")
	require.NoError(t, os.WriteFile(file, []byte(`[{"id":"1","address":"1001"},{"id":"2","address":"1002"},{"id":"3","address":"1003"}]`), 0o600))

	args := append([]string{"-c", filepath.Join(dir, "missing.json"), "send", file, "-m", "Halo", "--skip", "2"}, fastPacing...)
	out, err := execute(t, args...)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "-> "))
	assert.Contains(t, out, "[3]")

	args = append([]string{"-c", filepath.Join(dir, "missing.json"), "send", file, "--skip", "5"}, fastPacing...)
	out, err = execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to send")
}

func TestSendMissingFile(t *testing.T) {
	t.Setenv(config.EnvTelegramToken, "")
	dir := t.TempDir()
	_, err := execute(t, "-c", filepath.Join(dir, "missing.json"), "send", filepath.Join(dir, "nope.csv"), "--dry-run")
	var le *broadcast.LoadError
	assert.ErrorAs(t, err, &le)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
jobs:
  welcome:
    source: people.csv
    schedule: "0 9 * * *"
  adhoc:
    source: other.csv
`), 0o600))
	out, err := execute(t, "-c", good, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "config ok: 2 jobs, 1 scheduled")
	assert.Contains(t, out, "cron 0 9 * * *")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("broadcast:\n  delay_min: soon\n"), 0o600))
	_, err = execute(t, "-c", bad, "validate")
	assert.Error(t, err)
}

func TestPacingOverrides(t *testing.T) {
	t.Parallel()
	o := sendOptions{delayMin: 5e9, batch: -1}
	p := o.apply(broadcast.DefaultPacing())
	assert.Equal(t, int64(5e9), int64(p.DelayMin))
	assert.Equal(t, -1, p.BatchSize)
	assert.Equal(t, broadcast.DefaultPacing().DelayMax, p.DelayMax)
}
