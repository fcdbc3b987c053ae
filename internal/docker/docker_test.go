package docker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDocker executes the final argument of a `docker run` invocation with
// sh -c, which is exactly where Run places the stage command.
func fakeDocker(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docker")
	script := "#!/bin/sh\nfor a; do last=$a; done\nexec sh -c \"$last\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRunStreamsMergedOutputInOrder(t *testing.T) {
	r := &Runner{Binary: fakeDocker(t)}

	var lines []string
	code, err := r.Run(context.Background(), RunSpec{
		Image:        "alpine:3",
		Command:      "echo out1; echo err1 1>&2; echo out2",
		WorkspaceDir: t.TempDir(),
	}, func(line string) { lines = append(lines, line) })
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, lines, "out1")
	assert.Contains(t, lines, "err1")
	assert.Contains(t, lines, "out2")
}

func TestRunPropagatesExitCode(t *testing.T) {
	r := &Runner{Binary: fakeDocker(t)}

	code, err := r.Run(context.Background(), RunSpec{
		Image:        "alpine:3",
		Command:      "exit 7",
		WorkspaceDir: t.TempDir(),
	}, func(string) {})
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestRunTimeout(t *testing.T) {
	r := &Runner{Binary: fakeDocker(t)}

	start := time.Now()
	_, err := r.Run(context.Background(), RunSpec{
		Image:        "alpine:3",
		Command:      "sleep 30",
		WorkspaceDir: t.TempDir(),
		Timeout:      200 * time.Millisecond,
	}, func(string) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 15*time.Second)
}

func TestRunMissingBinary(t *testing.T) {
	r := &Runner{Binary: filepath.Join(t.TempDir(), "nope")}

	_, err := r.Run(context.Background(), RunSpec{
		Image: "alpine:3", Command: "true", WorkspaceDir: t.TempDir(),
	}, func(string) {})
	assert.Error(t, err)
}
