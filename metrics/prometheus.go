package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PointsAddedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sam2gui_points_added_total",
		Help: "Total number of prompt points added, by polarity",
	}, []string{"polarity"})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sam2gui_inference_duration_seconds",
		Help:    "Duration of model calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"operation"})

	PropagatedFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sam2gui_propagated_frames_total",
		Help: "Total number of frames produced by propagation",
	})

	MasksExportedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sam2gui_masks_exported_total",
		Help: "Total number of mask files written to disk",
	})

	FramesExtractedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sam2gui_frames_extracted_total",
		Help: "Total number of frames extracted from videos",
	})

	ExtractionCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sam2gui_extraction_cache_total",
		Help: "Frame extraction cache lookups, by result",
	}, []string{"result"})

	ActiveObjects = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sam2gui_active_objects",
		Help: "Number of objects in the current annotation session",
	})
)
