package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesCapturedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moodlens_frames_captured_total",
		Help: "Frames read from the capture device",
	})

	InboxDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moodlens_inbox_drops_total",
		Help: "Captured frames overwritten before inference picked them up",
	})

	CaptureRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moodlens_capture_retries_total",
		Help: "Capture attempts retried after the device became unavailable",
	})

	ResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moodlens_results_total",
		Help: "Results pushed to the result queue",
	}, []string{"analyzed"})

	AnalysisFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moodlens_analysis_failures_total",
		Help: "Analyses that produced an empty result because of an error",
	}, []string{"reason"})

	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "moodlens_inference_duration_seconds",
		Help:    "Duration of face detection plus emotion classification",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	QueueDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moodlens_queue_dropped_total",
		Help: "Results evicted from the result queue under the drop-oldest policy",
	})

	QueueStaleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moodlens_queue_stale_total",
		Help: "Results rejected because their timestamp went backwards",
	})

	AnnouncementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moodlens_announcements_total",
		Help: "Spoken emotion announcements, by label",
	}, []string{"label"})

	SpeechFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moodlens_speech_failures_total",
		Help: "Announcements the speech output failed to deliver",
	})

	JournalFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moodlens_journal_failures_total",
		Help: "Failed writes to the persistent journal",
	})

	JournalSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moodlens_journal_skipped_total",
		Help: "Records skipped while the journal was degraded",
	})

	PublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moodlens_published_total",
		Help: "Detection events published to the message broker, by status",
	}, []string{"status"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
