package envmanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/cuemby/surveyor/pkg/enginedriver"
	"github.com/cuemby/surveyor/pkg/log"
	"github.com/cuemby/surveyor/pkg/metrics"
	"github.com/cuemby/surveyor/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultBuildPoolWidth is the default number of concurrent image
// builds a Manager will run across all environments.
const DefaultBuildPoolWidth = 3

// EnvironmentBuildError wraps an engine build failure. It propagates
// through the channel GetImage returns, for the supervisor to convert
// into a finished-with-exitcode-1 task.
type EnvironmentBuildError struct {
	EnvID int64
	Log   string
}

func (e *EnvironmentBuildError) Error() string {
	return fmt.Sprintf("build of environment %d failed:\n%s", e.EnvID, e.Log)
}

// Result is what a GetImage channel eventually delivers: either a ready
// image name, or the error that prevented one from becoming ready.
type Result struct {
	Image string
	Err   error
}

type buildState struct {
	done   chan struct{}
	result Result
}

// Manager is a single-flight, pool-backed image builder.
type Manager struct {
	driver *enginedriver.Driver
	logger zerolog.Logger

	mu         sync.Mutex
	inProgress map[int64]*buildState

	sem chan struct{}
}

// New returns a Manager that builds images with driver, running at most
// poolWidth builds concurrently (DefaultBuildPoolWidth if <= 0).
func New(driver *enginedriver.Driver, poolWidth int) *Manager {
	if poolWidth <= 0 {
		poolWidth = DefaultBuildPoolWidth
	}
	return &Manager{
		driver:     driver,
		logger:     log.WithComponent("envmanager"),
		inProgress: make(map[int64]*buildState),
		sem:        make(chan struct{}, poolWidth),
	}
}

// ImageName returns the deterministic image name for env: changing the
// Dockerfile invalidates the cache without any admin action, since the
// name embeds a hash of the Dockerfile text alongside the env id.
func ImageName(env *types.RuntimeEnv) string {
	sum := sha256.Sum256([]byte(env.Dockerfile))
	return fmt.Sprintf("surveyor-env-%d-%s", env.ID, hex.EncodeToString(sum[:])[:8])
}

// GetImage returns a channel that will receive exactly one Result: the
// ready image name, or a build error. If the image already exists
// locally the channel is pre-resolved. If a build for this env is
// already in flight, the returned channel resolves off that build's
// completion instead of starting a second one.
func (m *Manager) GetImage(ctx context.Context, env *types.RuntimeEnv) <-chan Result {
	name := ImageName(env)
	out := make(chan Result, 1)

	if m.driver.ImageExists(ctx, name) {
		out <- Result{Image: name}
		close(out)
		return out
	}

	m.mu.Lock()
	state, inFlight := m.inProgress[env.ID]
	if !inFlight {
		state = &buildState{done: make(chan struct{})}
		m.inProgress[env.ID] = state
	}
	m.mu.Unlock()

	if !inFlight {
		m.submitBuild(env, name, state)
	}

	go func() {
		defer close(out)
		<-state.done
		if m.driver.ImageExists(context.Background(), name) {
			out <- Result{Image: name}
			return
		}
		if state.result.Err != nil {
			out <- state.result
			return
		}
		// The build finished but the image is still missing and no error
		// was recorded for this waiter's turn: retry, in case a second
		// build started after this one failed.
		retry := m.GetImage(ctx, env)
		out <- <-retry
	}()
	return out
}

// submitBuild runs buildContainer on the bounded pool.
func (m *Manager) submitBuild(env *types.RuntimeEnv, name string, state *buildState) {
	go func() {
		m.sem <- struct{}{}
		defer func() { <-m.sem }()
		result := m.buildContainer(env, name)

		m.mu.Lock()
		delete(m.inProgress, env.ID)
		m.mu.Unlock()

		state.result = result
		close(state.done)
	}()
}

// buildContainer invokes the engine build for env, always dropping the
// layer cache: cached layers may have pulled external dependencies the
// user explicitly wants re-fetched on every build.
func (m *Manager) buildContainer(env *types.RuntimeEnv, name string) Result {
	logger := m.logger.With().Int64("env_id", env.ID).Logger()
	logger.Info().Str("image", name).Msg("building environment image")

	timer := metrics.NewTimer()
	buildLog, err := m.driver.BuildImage(context.Background(), env.Dockerfile, name,
		env.Params, env.CPULimit, env.MemoryLimit, true, nil)
	timer.ObserveDuration(metrics.BuildDuration)
	if err != nil {
		metrics.BuildsTotal.WithLabelValues("error").Inc()
		logger.Error().Err(err).Msg("environment build failed")
		return Result{Err: &EnvironmentBuildError{EnvID: env.ID, Log: buildLog}}
	}
	metrics.BuildsTotal.WithLabelValues("ok").Inc()
	logger.Info().Str("image", name).Msg("environment image built")
	return Result{Image: name}
}
