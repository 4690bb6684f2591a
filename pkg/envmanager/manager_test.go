package envmanager_test

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/surveyor/pkg/enginedriver"
	"github.com/cuemby/surveyor/pkg/envmanager"
	"github.com/cuemby/surveyor/pkg/types"
)

func TestImageNameIsDeterministic(t *testing.T) {
	env := &types.RuntimeEnv{ID: 7, Dockerfile: "FROM alpine\n"}

	a := envmanager.ImageName(env)
	b := envmanager.ImageName(env)

	assert.Equal(t, a, b)
	assert.Contains(t, a, "surveyor-env-7-")
}

func TestImageNameChangesWithDockerfile(t *testing.T) {
	env := &types.RuntimeEnv{ID: 7, Dockerfile: "FROM alpine\n"}
	original := envmanager.ImageName(env)

	env.Dockerfile = "FROM alpine:3.20\n"
	assert.NotEqual(t, original, envmanager.ImageName(env))
}

func requireEngine(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath(enginedriver.DefaultBinary); err != nil {
		t.Skipf("%s not available: %v", enginedriver.DefaultBinary, err)
	}
}

func TestGetImageBuildsAndCaches(t *testing.T) {
	requireEngine(t)

	driver := enginedriver.New(enginedriver.Config{})
	mgr := envmanager.New(driver, 1)

	env := &types.RuntimeEnv{ID: 1001, Dockerfile: "FROM alpine:3.20\nRUN echo hi\n"}
	defer driver.RemoveImage(context.Background(), envmanager.ImageName(env))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result := <-mgr.GetImage(ctx, env)
	require.NoError(t, result.Err)
	assert.NotEmpty(t, result.Image)

	// Second call should hit the already-built image, not rebuild.
	result2 := <-mgr.GetImage(ctx, env)
	require.NoError(t, result2.Err)
	assert.Equal(t, result.Image, result2.Image)
}

func TestGetImageConcurrentCallsShareOneBuild(t *testing.T) {
	requireEngine(t)

	driver := enginedriver.New(enginedriver.Config{})
	mgr := envmanager.New(driver, 1)

	env := &types.RuntimeEnv{ID: 1002, Dockerfile: "FROM alpine:3.20\nRUN sleep 1\n"}
	defer driver.RemoveImage(context.Background(), envmanager.ImageName(env))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	first := mgr.GetImage(ctx, env)
	second := mgr.GetImage(ctx, env)

	r1 := <-first
	r2 := <-second
	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)
	assert.Equal(t, r1.Image, r2.Image)
}
