package metrics

import "time"

// StateSource is the minimal view the collector needs of the
// supervisor; pkg/supervisor's Supervisor satisfies it.
type StateSource interface {
	WorkerCount() int
}

// Collector periodically samples gauge-shaped supervisor state into
// Prometheus. Counters are updated inline by their owning components;
// this loop only exists for metrics that are easiest to read as a
// point-in-time snapshot.
type Collector struct {
	source StateSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source StateSource) *Collector {
	return &Collector{source: source, stopCh: make(chan struct{})}
}

// Start begins the sampling loop in a background goroutine.
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

// Stop stops the sampling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	WorkersLive.Set(float64(c.source.WorkerCount()))
}
