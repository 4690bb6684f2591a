package metrics

import (
	"time"

	"github.com/cuemby/surveyor/pkg/resources"
	"github.com/cuemby/surveyor/pkg/storage"
)

// Collector periodically samples suite/task counts from the store and
// a runner's spare resource capacity, publishing both as gauges.
type Collector struct {
	store     storage.Store
	resources *resources.Manager
	stopCh    chan struct{}
}

// NewCollector returns a Collector sampling store and resources every tick.
func NewCollector(store storage.Store, resources *resources.Manager) *Collector {
	return &Collector{
		store:     store,
		resources: resources,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting on a 15-second tick, in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectSuiteAndTaskMetrics()
	c.collectResourceMetrics()
}

func (c *Collector) collectSuiteAndTaskMetrics() {
	suites, err := c.store.ListSuites()
	if err != nil {
		return
	}
	SuitesTotal.Set(float64(len(suites)))

	taskCounts := make(map[string]int)
	for _, suite := range suites {
		tasks, err := c.store.ListTasksBySuite(suite.ID)
		if err != nil {
			continue
		}
		for _, task := range tasks {
			taskCounts[string(task.State)]++
		}
	}
	for state, count := range taskCounts {
		TasksTotal.WithLabelValues(state).Set(float64(count))
	}
}

func (c *Collector) collectResourceMetrics() {
	if c.resources == nil {
		return
	}
	for _, key := range []string{"job", "cpu", "mem"} {
		ResourceAvailable.WithLabelValues(key).Set(float64(c.resources.Available(key)))
	}
}
