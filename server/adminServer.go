package server

import (
	json "encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ss-govern/govern/common"
	"github.com/ss-govern/govern/log"
)

/////////////////////////////////////////////////
// Type Declaration
/////////////////////////////////////////////////

//
// StatusProvider is what the admin endpoints report on.  *Server
// implements it.
//
type StatusProvider interface {
	IsRunning() bool
	Status() ServerStatus
}

type AdminServer struct {
	naddr    string
	listener net.Listener
	server   *http.Server

	mutex    sync.Mutex
	isClosed bool
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

var (
	adminRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.METRICS_NAMESPACE,
		Subsystem: "admin",
		Name:      "requests_total",
		Help:      "Total number of admin http requests",
	}, []string{"route", "code"})

	adminDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: common.METRICS_NAMESPACE,
		Subsystem: "admin",
		Name:      "request_duration_seconds",
		Help:      "Admin http request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	// Peer frames that reached a node after its election finished.
	latePeerFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: common.METRICS_NAMESPACE,
		Subsystem: "server",
		Name:      "late_peer_frames_total",
		Help:      "Total number of master frames received after the election",
	})
)

func init() {
	common.Registry.MustRegister(adminRequests, adminDuration, latePeerFrames)
}

/////////////////////////////////////////////////
// Public Function
/////////////////////////////////////////////////

//
// Build the admin router: /healthz, /status and /metrics.
//
func NewAdminRouter(provider StatusProvider) *mux.Router {
	router := mux.NewRouter()
	router.Use(instrument)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !provider.IsRunning() {
			http.Error(w, "not running", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet).Name("healthz")

	router.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		data, err := json.Marshal(provider.Status())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}).Methods(http.MethodGet).Name("status")

	router.Handle("/metrics", common.MetricsHandler()).Methods(http.MethodGet).Name("metrics")

	return router
}

//
// Start the admin http server.
// laddr - local network address (host:port)
//
func StartAdminServer(laddr string, provider StatusProvider) (*AdminServer, error) {

	li, err := net.Listen(common.MESSAGE_TRANSPORT_TYPE, laddr)
	if err != nil {
		return nil, err
	}

	server := &http.Server{Handler: NewAdminRouter(provider), ReadHeaderTimeout: 5 * time.Second}
	admin := &AdminServer{naddr: laddr, listener: li, server: server}

	go func() {
		if err := server.Serve(li); err != nil && err != http.ErrServerClosed {
			log.Current.Errorf("AdminServer.Serve() : admin server on %s stopped.  Error = %v", laddr, err)
		}
	}()

	log.Current.Infof("AdminServer.Start() : listening on %s", li.Addr())
	return admin, nil
}

func (a *AdminServer) Addr() net.Addr {
	return a.listener.Addr()
}

//
// Close the admin server.  This drops open client connections.
//
func (a *AdminServer) Close() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if !a.isClosed {
		a.isClosed = true
		a.server.Close()
	}
}

/////////////////////////////////////////////////
// Private Function
/////////////////////////////////////////////////

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if current := mux.CurrentRoute(r); current != nil && len(current.GetName()) != 0 {
			route = current.GetName()
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(sw, r)

		adminRequests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
		adminDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
