package gc

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/surveyor/pkg/enginedriver"
	"github.com/cuemby/surveyor/pkg/envmanager"
	"github.com/cuemby/surveyor/pkg/log"
	"github.com/cuemby/surveyor/pkg/metrics"
	"github.com/cuemby/surveyor/pkg/storage"
)

const imagePrefix = "surveyor-env-"

// Collector removes orphaned environment images.
type Collector struct {
	store  storage.Store
	driver *enginedriver.Driver
	logger zerolog.Logger
}

// New returns a Collector.
func New(store storage.Store, driver *enginedriver.Driver) *Collector {
	return &Collector{store: store, driver: driver, logger: log.WithComponent("gc")}
}

// Run performs one collection pass, removing every local
// surveyor-env-* image not named by a currently-live suite's
// environment. Returns the number of images removed.
func (c *Collector) Run(ctx context.Context) (int, error) {
	desired, err := c.desiredImages()
	if err != nil {
		return 0, fmt.Errorf("compute desired image set: %w", err)
	}

	refs, err := c.driver.ListImages(ctx)
	if err != nil {
		return 0, fmt.Errorf("list local images: %w", err)
	}

	removed := 0
	for _, ref := range refs {
		name := strings.SplitN(ref, ":", 2)[0]
		if !strings.HasPrefix(name, imagePrefix) {
			continue
		}
		if desired[name] {
			continue
		}
		c.logger.Info().Str("image", ref).Msg("removing orphaned environment image")
		if err := c.driver.RemoveImage(ctx, ref); err != nil {
			c.logger.Warn().Err(err).Str("image", ref).Msg("failed to remove orphaned image")
			continue
		}
		metrics.GCImagesRemovedTotal.Inc()
		removed++
	}
	return removed, nil
}

func (c *Collector) desiredImages() (map[string]bool, error) {
	suites, err := c.store.ListSuites()
	if err != nil {
		return nil, fmt.Errorf("list suites: %w", err)
	}
	desired := make(map[string]bool, len(suites))
	for _, suite := range suites {
		if suite.Env == nil {
			continue
		}
		desired[envmanager.ImageName(suite.Env)] = true
	}
	return desired, nil
}
