package assembly

import (
	"time"

	"github.com/maneesh/chunkdrop/internal/apperr"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	pathSingleShot = "single_shot"
	pathMultipart  = "multipart"

	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

var (
	assemblyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chunkdrop_assembly_duration_seconds",
			Help:    "Duration of file assembly in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"path", "outcome"},
	)

	assembliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkdrop_assemblies_total",
			Help: "Total number of file assemblies",
		},
		[]string{"path", "outcome", "kind"},
	)

	multipartPartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkdrop_multipart_parts_total",
			Help: "Total number of multipart parts uploaded",
		},
	)

	chunksIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkdrop_chunks_ingested_total",
			Help: "Total number of chunk submissions",
		},
		[]string{"status"},
	)

	fileReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkdrop_file_reads_total",
			Help: "Total number of file reads by delivery mode",
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(
		assemblyDuration,
		assembliesTotal,
		multipartPartsTotal,
		chunksIngestedTotal,
		fileReadsTotal,
	)
}

// Metrics returns the Prometheus collectors owned by this package
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{
		assemblyDuration,
		assembliesTotal,
		multipartPartsTotal,
		chunksIngestedTotal,
		fileReadsTotal,
	}
}

func recordAssembly(path string, start time.Time, err error) {
	outcome := outcomeSuccess
	kind := "none"
	if err != nil {
		outcome = outcomeFailure
		kind = kindLabel(err)
	}
	assemblyDuration.WithLabelValues(path, outcome).Observe(time.Since(start).Seconds())
	assembliesTotal.WithLabelValues(path, outcome, kind).Inc()
}

func kindLabel(err error) string {
	return apperr.KindOf(err).String()
}
