// Package metrics holds the engine's prometheus collectors and the
// metrics listener. The counter set mirrors what operators of the original
// proxy rely on: per-stage decode counters, throttle visibility, and the
// monitored/purged lifecycle pair.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// Gauge for archives and directories currently monitored
	Monitored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "archive_capture_monitored",
		Help: "Number of archives and directories currently being monitored",
	})

	// Counter for purged (deleted and freed) entries
	PurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_capture_purged_total",
		Help: "Total number of deleted entries purged from the registry",
	})

	// Gauge for the current dynamic callback throttle window
	ThrottleSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "archive_capture_throttle_seconds",
		Help: "Current minimum spacing between change callbacks per archive",
	})

	ThrottledChangedCallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_capture_throttled_changed_callbacks_total",
		Help: "Total change callbacks dropped by the throttle",
	})

	ChangedCallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_capture_changed_callbacks_total",
		Help: "Total change callbacks processed",
	})

	MetadataCallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_capture_metadata_callbacks_total",
		Help: "Total metadata processing passes",
	})

	MetadataLoops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_capture_metadata_loops_total",
		Help: "Total metadata record read iterations",
	})

	MetadataPartialReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_capture_metadata_partial_reads_total",
		Help: "Total partial metadata reads (cursor rewound, record retried)",
	})

	// Counter per decoded metadata record kind: desc, indom, label, helptext
	MetadataDecode = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_capture_metadata_decode_total",
		Help: "Total decoded metadata records by kind",
	}, []string{"kind"})

	LogvolCallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_capture_logvol_callbacks_total",
		Help: "Total data volume processing passes",
	})

	LogvolLoops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_capture_logvol_loops_total",
		Help: "Total data volume fetch iterations",
	})

	LogvolChangeVol = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_capture_logvol_change_vol_total",
		Help: "Total data volume switches after writer rotation",
	})

	LogvolNewContexts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_capture_logvol_new_contexts_total",
		Help: "Total archive read contexts created",
	})

	LogvolArchiveEndFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_capture_logvol_get_archive_end_failed_total",
		Help: "Total failures to locate the end of a new archive",
	})

	// Counter per decoded value record outcome: result, mark_record, result_errors
	LogvolDecode = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_capture_logvol_decode_total",
		Help: "Total decoded value result records by outcome",
	}, []string{"kind"})

	LogvolDecodeResultPMIDs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_capture_logvol_decode_result_pmids_total",
		Help: "Total metric value sets carried by decoded results",
	})

	MetadataStreaming = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_capture_metadata_streaming_total",
		Help: "Total pushed metadata buffers",
	})

	LogvolStreaming = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archive_capture_logvol_streaming_total",
		Help: "Total pushed data volume buffers",
	})

	// Self-resource gauges, fed by the Sampler
	MemoryUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "archive_capture_memory_usage_bytes",
		Help: "Engine process memory usage in bytes",
	}, []string{"type"})

	CPUUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "archive_capture_cpu_usage_percent",
		Help: "Engine process CPU usage percentage",
	})

	Goroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "archive_capture_goroutines",
		Help: "Number of goroutines",
	})
)

// Metadata decode kinds.
const (
	KindDesc     = "desc"
	KindInDom    = "indom"
	KindLabel    = "label"
	KindHelpText = "helptext"
)

// Value decode outcomes.
const (
	KindResult       = "result"
	KindMarkRecord   = "mark_record"
	KindResultErrors = "result_errors"
)

// Server serves the prometheus scrape endpoint.
type Server struct {
	srv    *http.Server
	logger *logrus.Logger
}

// NewServer builds the metrics listener on addr.
func NewServer(addr string, logger *logrus.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		s.logger.WithFields(logrus.Fields{
			"component": "metrics",
			"listen":    s.srv.Addr,
		}).Info("Metrics listener started")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Metrics listener failed")
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

// noticeable sampling interval without being chatty
const sampleInterval = 15 * time.Second
