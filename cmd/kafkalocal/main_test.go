package main

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	dynaport "github.com/travisjeffery/go-dynaport"
)

func writeResources(t *testing.T, zk, kafka bool) string {
	dir := t.TempDir()
	ports := dynaport.Get(2)
	if zk {
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "zk.properties"), []byte(fmt.Sprintf(
			"dataDir=/unused\nclientPort=%d\nclientPortAddress=127.0.0.1\nquorumPort=%d\ntickTime=50\n",
			ports[0], ports[1])), 0644))
	}
	if kafka {
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "kafka.properties"), []byte(fmt.Sprintf(
			"broker.id=0\nlisteners=PLAINTEXT://127.0.0.1:0\nlog.dirs=/unused\nzookeeper.connect=127.0.0.1:%d\n",
			ports[0])), 0644))
	}
	return dir
}

func TestRunUsage(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		args []string
	}{
		{"no args", nil},
		{"two args", []string{filepath.Join(dir, "a"), filepath.Join(dir, "b")}},
		{"unknown flag", []string{"--nope", filepath.Join(dir, "a")}},
		{"short help", []string{"-h"}},
		{"help", []string{"--help", filepath.Join(dir, "a")}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), test.args, &stdout, &stderr)
			require.Equal(t, exitUsage, code)
			require.Equal(t, "Usage: kafkalocal <tmpdir>\n\n", stdout.String())

			entries, err := ioutil.ReadDir(dir)
			require.NoError(t, err)
			require.Empty(t, entries)
		})
	}
}

func TestRunBadLogLevel(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--log-level", "loud", dir}, &stdout, &stderr)
	require.Equal(t, exitFailure, code)
	require.Contains(t, stderr.String(), "loud")
}

func TestRunMissingCoordinatorConfig(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"--resources", writeResources(t, false, true),
		"--log-level", "error",
		dir,
	}, &stdout, &stderr)
	require.Equal(t, exitFailure, code)
	require.Contains(t, stdout.String(), "coordination service exception: ")
}

func TestRunUntilCanceled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	os.Setenv("KAFKALOCAL_RESOURCES", writeResources(t, true, true))
	defer os.Unsetenv("KAFKALOCAL_RESOURCES")

	var stdout, stderr bytes.Buffer
	code := run(ctx, []string{"--log-level", "error", dir}, &stdout, &stderr)
	require.Equal(t, exitOK, code, "stdout: %s", stdout.String())
	require.Empty(t, stdout.String())

	for _, sub := range []string{"zk", "kafka"} {
		fi, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		require.True(t, fi.IsDir())
	}
}
