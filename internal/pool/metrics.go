package pool

import "time"

const acquireSampleWindow = 100

// counters holds the cumulative metrics guarded by the pool mutex.
type counters struct {
	acquired  uint64
	released  uint64
	created   uint64
	destroyed uint64
	peak      int
	samples   []time.Duration
}

func (c *counters) recordAcquireLocked(elapsed time.Duration) {
	c.acquired++
	c.samples = append(c.samples, elapsed)
	if len(c.samples) > acquireSampleWindow {
		c.samples = c.samples[len(c.samples)-acquireSampleWindow:]
	}
}

func (c *counters) averageAcquireLocked() time.Duration {
	if len(c.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range c.samples {
		total += s
	}
	return total / time.Duration(len(c.samples))
}

// Metrics is a derived snapshot of pool state. It resets with the
// process; nothing here is persisted.
type Metrics struct {
	Name            string        `json:"name"`
	Total           int           `json:"total"`
	Active          int           `json:"active"`
	Idle            int           `json:"idle"`
	Pending         int           `json:"pending"`
	TotalAcquired   uint64        `json:"total_acquired"`
	TotalReleased   uint64        `json:"total_released"`
	TotalCreated    uint64        `json:"total_created"`
	TotalDestroyed  uint64        `json:"total_destroyed"`
	AverageAcquire  time.Duration `json:"average_acquire_ns"`
	PeakConnections int           `json:"peak_connections"`
}

// Metrics returns a consistent snapshot taken under the pool mutex.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Metrics{
		Name:            p.opts.Name,
		Total:           p.sizeLocked(),
		Active:          len(p.active),
		Idle:            len(p.available),
		Pending:         len(p.pending),
		TotalAcquired:   p.counters.acquired,
		TotalReleased:   p.counters.released,
		TotalCreated:    p.counters.created,
		TotalDestroyed:  p.counters.destroyed,
		AverageAcquire:  p.counters.averageAcquireLocked(),
		PeakConnections: p.counters.peak,
	}
}
