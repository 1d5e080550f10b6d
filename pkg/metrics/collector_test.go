package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeSource struct{ count int }

func (f *fakeSource) WorkerCount() int { return f.count }

func TestCollectorSamplesWorkerCount(t *testing.T) {
	src := &fakeSource{count: 3}
	c := NewCollector(src)

	c.collect()
	assert.Equal(t, float64(3), testGaugeValue(t, WorkersLive))

	src.count = 7
	c.collect()
	assert.Equal(t, float64(7), testGaugeValue(t, WorkersLive))
}

func TestCollectorStartStop(t *testing.T) {
	c := NewCollector(&fakeSource{count: 1})
	c.Start()
	time.Sleep(10 * time.Millisecond)
	c.Stop()
}
