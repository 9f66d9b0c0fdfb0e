package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-mcp2515-gateway/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	ChipTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2515_tx_frames_total",
		Help: "Total CAN frames handed to the controller for transmission.",
	})
	ChipRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2515_rx_frames_total",
		Help: "Total CAN frames read from the controller receive buffers.",
	})
	ChipInterrupts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2515_interrupts_total",
		Help: "Total interrupt dispatches serviced.",
	})
	ChipAborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2515_aborts_total",
		Help: "Total abort-all requests issued.",
	})
	ChipControllerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2515_controller_errors_total",
		Help: "Total ERRIF interrupts reported by the controller.",
	})
	MirrorRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_rx_frames_total",
		Help: "Total CAN frames read from the SocketCAN mirror interface.",
	})
	MirrorTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_tx_frames_total",
		Help: "Total CAN frames written to the SocketCAN mirror interface.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	TxPendingBuffers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcp2515_tx_pending_buffers",
		Help: "Transmit buffers awaiting confirmed transmission at last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead      = "tcp_read"
	ErrTCPWrite     = "tcp_write"
	ErrHandshake    = "handshake"
	ErrSPI          = "spi"
	ErrBusy         = "busy"
	ErrTxTimeout    = "tx_timeout"
	ErrChipTx       = "chip_tx"
	ErrChipOverflow = "chip_tx_overflow"
	ErrRxOverflow   = "chip_rx_overflow"
	ErrBridge       = "spi_bridge"
	ErrMirrorRead   = "socketcan_read"
	ErrMirrorWrite  = "socketcan_write"
	ErrMirrorOver   = "socketcan_tx_overflow"
	ErrController   = "controller"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters so the metrics logger and tests can read values
// without scraping.
var (
	localTx         uint64
	localRx         uint64
	localIRQ        uint64
	localAborts     uint64
	localCtrlErrors uint64
	localMirrorRx   uint64
	localMirrorTx   uint64
	localTCPRx      uint64
	localTCPTx      uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubReject  uint64
	localHubClients uint64
	localPending    uint64
	localErrors     uint64
	localBusy       uint64
	localMalformed  uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Tx               uint64
	Rx               uint64
	Interrupts       uint64
	Aborts           uint64
	ControllerErrors uint64
	MirrorRx         uint64
	MirrorTx         uint64
	TCPRx            uint64
	TCPTx            uint64
	HubDrops         uint64
	HubKicks         uint64
	HubRejects       uint64
	HubClients       uint64
	PendingBuffers   uint64
	Errors           uint64 // sum across error labels
	Busy             uint64
	Malformed        uint64
}

func Snap() Snapshot {
	return Snapshot{
		Tx:               atomic.LoadUint64(&localTx),
		Rx:               atomic.LoadUint64(&localRx),
		Interrupts:       atomic.LoadUint64(&localIRQ),
		Aborts:           atomic.LoadUint64(&localAborts),
		ControllerErrors: atomic.LoadUint64(&localCtrlErrors),
		MirrorRx:         atomic.LoadUint64(&localMirrorRx),
		MirrorTx:         atomic.LoadUint64(&localMirrorTx),
		TCPRx:            atomic.LoadUint64(&localTCPRx),
		TCPTx:            atomic.LoadUint64(&localTCPTx),
		HubDrops:         atomic.LoadUint64(&localHubDrop),
		HubKicks:         atomic.LoadUint64(&localHubKick),
		HubRejects:       atomic.LoadUint64(&localHubReject),
		HubClients:       atomic.LoadUint64(&localHubClients),
		PendingBuffers:   atomic.LoadUint64(&localPending),
		Errors:           atomic.LoadUint64(&localErrors),
		Busy:             atomic.LoadUint64(&localBusy),
		Malformed:        atomic.LoadUint64(&localMalformed),
	}
}

func IncTx() {
	ChipTxFrames.Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncRx() {
	ChipRxFrames.Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncInterrupt() {
	ChipInterrupts.Inc()
	atomic.AddUint64(&localIRQ, 1)
}

func IncAbort() {
	ChipAborts.Inc()
	atomic.AddUint64(&localAborts, 1)
}

// IncControllerError counts an ERRIF report; it also feeds errors_total.
func IncControllerError() {
	ChipControllerErrors.Inc()
	atomic.AddUint64(&localCtrlErrors, 1)
	IncError(ErrController)
}

func IncMirrorRx() {
	MirrorRxFrames.Inc()
	atomic.AddUint64(&localMirrorRx, 1)
}

func IncMirrorTx() {
	MirrorTxFrames.Inc()
	atomic.AddUint64(&localMirrorTx, 1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

// SetPendingBuffers records the transmit occupancy bitmap population.
func SetPendingBuffers(n int) {
	TxPendingBuffers.Set(float64(n))
	atomic.StoreUint64(&localPending, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
	if label == ErrBusy {
		atomic.AddUint64(&localBusy, 1)
	}
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSPI, ErrBusy, ErrTxTimeout, ErrChipTx, ErrChipOverflow, ErrRxOverflow, ErrBridge,
		ErrMirrorRead, ErrMirrorWrite, ErrMirrorOver, ErrController,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not set yet: report ready so the endpoint doesn't flap
		return true
	}
	return fn()
}
