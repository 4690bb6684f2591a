package enginedriver_test

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/surveyor/pkg/enginedriver"
)

func TestEngineErrorIncludesCommandAndLog(t *testing.T) {
	err := &enginedriver.EngineError{Command: []string{"podman", "build"}, Log: "boom"}
	assert.Contains(t, err.Error(), "podman build")
	assert.Contains(t, err.Error(), "boom")
}

func TestContainerRunTimeRunning(t *testing.T) {
	insp := &enginedriver.Inspection{}
	insp.State.StartedAt = time.Now().UTC().Add(-2 * time.Second).Format(time.RFC3339Nano)
	insp.State.FinishedAt = "0001-01-01T00:00:00Z"

	micros, err := enginedriver.ContainerRunTime(insp)
	require.NoError(t, err)
	assert.Greater(t, micros, int64(0))
}

func TestContainerRunTimeFinished(t *testing.T) {
	start := time.Now().UTC().Add(-5 * time.Second)
	end := start.Add(3 * time.Second)
	insp := &enginedriver.Inspection{}
	insp.State.StartedAt = start.Format(time.RFC3339Nano)
	insp.State.FinishedAt = end.Format(time.RFC3339Nano)

	micros, err := enginedriver.ContainerRunTime(insp)
	require.NoError(t, err)
	assert.Equal(t, int64(3*time.Second/time.Microsecond), micros)
}

func TestContainerRunTimeInvalidStartedAt(t *testing.T) {
	insp := &enginedriver.Inspection{}
	insp.State.StartedAt = "not-a-time"

	_, err := enginedriver.ContainerRunTime(insp)
	assert.Error(t, err)
}

func requireEngine(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath(enginedriver.DefaultBinary); err != nil {
		t.Skipf("%s not available: %v", enginedriver.DefaultBinary, err)
	}
}

func TestBuildImageAndListImages(t *testing.T) {
	requireEngine(t)
	driver := enginedriver.New(enginedriver.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	tag := "surveyor-driver-test:latest"
	defer driver.RemoveImage(context.Background(), tag)

	_, err := driver.BuildImage(ctx, "FROM alpine:3.20\n", tag, nil, 1, 0, true, nil)
	require.NoError(t, err)
	assert.True(t, driver.ImageExists(ctx, tag))

	refs, err := driver.ListImages(ctx)
	require.NoError(t, err)
	assert.Contains(t, refs, tag)
}

func TestCreateStartInspectRemoveContainer(t *testing.T) {
	requireEngine(t)
	driver := enginedriver.New(enginedriver.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	tag := "surveyor-driver-container-test:latest"
	defer driver.RemoveImage(context.Background(), tag)
	_, err := driver.BuildImage(ctx, "FROM alpine:3.20\n", tag, nil, 1, 0, true, nil)
	require.NoError(t, err)

	id, err := driver.CreateContainer(ctx, tag, []string{"echo", "hi"}, nil, 1, 0, nil, "")
	require.NoError(t, err)
	defer driver.RemoveContainer(context.Background(), id)

	require.NoError(t, driver.StartContainer(ctx, id, nil))

	time.Sleep(500 * time.Millisecond)
	insp, err := driver.InspectContainer(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, insp.State.Status)

	logs, err := driver.ContainerLogs(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, logs, "hi")
}
