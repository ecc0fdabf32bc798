package ckv

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics is nil when no registerer is configured, every method is
// a no-op on the nil receiver.
type engineMetrics struct {
	writes       prometheus.Counter
	writtenBytes prometheus.Counter
	reads        prometheus.Counter
	flushes      prometheus.Counter
	compactions  *prometheus.CounterVec
	compactedOut prometheus.Counter
	vlogRewrites prometheus.Counter
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &engineMetrics{
		writes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ckv",
			Name:      "writes_total",
			Help:      "Committed write operations.",
		}),
		writtenBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ckv",
			Name:      "written_bytes_total",
			Help:      "Bytes appended to the journal.",
		}),
		reads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ckv",
			Name:      "reads_total",
			Help:      "Successful point reads.",
		}),
		flushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ckv",
			Name:      "memtable_flushes_total",
			Help:      "Frozen memtables flushed to level 0.",
		}),
		compactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ckv",
			Name:      "compactions_total",
			Help:      "Table compactions finished, by source level.",
		}, []string{"level"}),
		compactedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ckv",
			Name:      "compaction_output_tables_total",
			Help:      "Tables produced by compactions.",
		}),
		vlogRewrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ckv",
			Name:      "vlog_rewrites_total",
			Help:      "Value log segments reclaimed by gc.",
		}),
	}
}

func (m *engineMetrics) writeDone(ops, bytes int) {
	if m == nil {
		return
	}
	m.writes.Add(float64(ops))
	m.writtenBytes.Add(float64(bytes))
}

func (m *engineMetrics) readDone() {
	if m == nil {
		return
	}
	m.reads.Inc()
}

func (m *engineMetrics) flushDone() {
	if m == nil {
		return
	}
	m.flushes.Inc()
}

func (m *engineMetrics) compactionDone(level int, outputs int64) {
	if m == nil {
		return
	}
	m.compactions.WithLabelValues(strconv.Itoa(level)).Inc()
	m.compactedOut.Add(float64(outputs))
}

func (m *engineMetrics) rewriteDone() {
	if m == nil {
		return
	}
	m.vlogRewrites.Inc()
}
