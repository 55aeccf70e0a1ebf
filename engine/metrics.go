package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ecssync"

// Collectors return prometheus collectors reading the job counters.
func (j *Job) Collectors() []prometheus.Collector {
	labels := prometheus.Labels{"job": j.ID}
	counter := func(name, help string, fn func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(fn()) })
	}
	gauge := func(name, help string, fn func() int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(fn()) })
	}

	s := j.stats
	return []prometheus.Collector{
		counter("objects_complete_total", "Objects synced.", s.objectsComplete.Load),
		counter("objects_verified_total", "Objects verified.", s.objectsVerified.Load),
		counter("objects_skipped_total", "Objects skipped.", s.objectsSkipped.Load),
		counter("objects_copy_skipped_total", "Objects whose copy phase was skipped.", s.objectsCopySkipped.Load),
		counter("objects_failed_total", "Objects failed.", s.objectsFailed.Load),
		counter("objects_retried_total", "Object retries.", s.objectsRetried.Load),
		counter("bytes_complete_total", "Bytes synced.", s.bytesComplete.Load),
		gauge("workers", "Worker limit.", j.pool.Size),
		gauge("workers_active", "Running tasks.", j.pool.Active),
	}
}

// RegisterMetrics registers job collectors in reg.
func (j *Job) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range j.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
