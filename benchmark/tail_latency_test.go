package benchmark

import (
	"fmt"
	"runtime"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// Read-latency percentiles under write churn. Incremental migration should
// keep the read tail flat even while the table is resizing; a stop-the-world
// rehash shows up here as a p99.9 spike.

const (
	latencyKeys    = 1 << 16
	latencyReads   = 200_000
	latencyBatch   = 64 // amortizes timer overhead per sample
	writerChurnGap = time.Microsecond
)

type latencySummary struct {
	p50, p99, p999, max time.Duration
}

func (s latencySummary) String() string {
	return fmt.Sprintf("p50=%v p99=%v p99.9=%v max=%v", s.p50, s.p99, s.p999, s.max)
}

func summarize(samples []time.Duration) latencySummary {
	slices.Sort(samples)
	at := func(q float64) time.Duration {
		i := int(q * float64(len(samples)-1))
		return samples[i]
	}
	return latencySummary{
		p50:  at(0.50),
		p99:  at(0.99),
		p999: at(0.999),
		max:  samples[len(samples)-1],
	}
}

func measureReadTail(t *testing.T, m IndexInterface) latencySummary {
	t.Helper()
	for i := range latencyKeys {
		m.Insert(i, i)
	}

	var stop atomic.Bool
	var writers errgroup.Group
	numWriters := max(runtime.GOMAXPROCS(0)/4, 1)
	for w := range numWriters {
		writers.Go(func() error {
			// churn a disjoint key range above the read set to keep
			// resizes and migrations happening
			for i := latencyKeys * (w + 1); !stop.Load(); i++ {
				m.Insert(i, i)
				m.Remove(i)
				time.Sleep(writerChurnGap)
			}
			return nil
		})
	}

	samples := make([]time.Duration, 0, latencyReads/latencyBatch)
	k := 0
	for len(samples) < cap(samples) {
		start := time.Now()
		for range latencyBatch {
			if _, ok := m.Read(k); !ok {
				t.Fatalf("stable key %d missing", k)
			}
			k++
			if k >= latencyKeys {
				k = 0
			}
		}
		samples = append(samples, time.Since(start)/latencyBatch)
	}

	stop.Store(true)
	if err := writers.Wait(); err != nil {
		t.Fatal(err)
	}
	return summarize(samples)
}

func TestReadTailLatency(t *testing.T) {
	if testing.Short() {
		t.Skip("latency measurement is slow")
	}
	for name, newIndex := range contenders() {
		t.Run(name, func(t *testing.T) {
			s := measureReadTail(t, newIndex())
			t.Logf("%s: %s", name, s)
		})
	}
}
