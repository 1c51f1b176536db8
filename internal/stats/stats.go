package stats

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ActiveConnections = "skillswap_active_connections"
	OnlineUsers       = "skillswap_online_users"
	ActiveRooms       = "skillswap_active_rooms"
	MessagesPersisted = "skillswap_messages_persisted_total"
	QuotaRejections   = "skillswap_quota_rejections_total"
	TransportDrops    = "skillswap_transport_drops_total"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterGauge(name, help string)
	RegisterCounter(name, help string)
}

// StatsUpdater keeps named gauges and counters in a private prometheus registry.
type StatsUpdater struct {
	registry *prometheus.Registry
	mu       sync.RWMutex
	gauges   map[string]prometheus.Gauge
	counters map[string]prometheus.Counter

	httpReqs *prometheus.CounterVec
	httpLat  *prometheus.HistogramVec
}

func NewStatsUpdater() *StatsUpdater {
	su := &StatsUpdater{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]prometheus.Gauge),
		counters: make(map[string]prometheus.Counter),
		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skillswap_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skillswap_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	su.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		su.httpReqs,
		su.httpLat,
	)

	startTime := time.Now()
	su.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "skillswap_uptime_seconds",
		Help: "Seconds since the server started.",
	}, func() float64 {
		return time.Since(startTime).Seconds()
	}))

	return su
}

// RegisterGauge is a no-op if name is already registered.
func (su *StatsUpdater) RegisterGauge(name, help string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.gauges[name]; ok {
		return
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	su.registry.MustRegister(g)
	su.gauges[name] = g
}

// RegisterCounter is a no-op if name is already registered.
func (su *StatsUpdater) RegisterCounter(name, help string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.counters[name]; ok {
		return
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	su.registry.MustRegister(c)
	su.counters[name] = c
}

func (su *StatsUpdater) Incr(name string) {
	su.mu.RLock()
	defer su.mu.RUnlock()

	if g, ok := su.gauges[name]; ok {
		g.Inc()
		return
	}
	if c, ok := su.counters[name]; ok {
		c.Inc()
		return
	}
	panic("metric not found: " + name)
}

// Decr panics for counters, which can only go up.
func (su *StatsUpdater) Decr(name string) {
	su.mu.RLock()
	defer su.mu.RUnlock()

	g, ok := su.gauges[name]
	if !ok {
		panic("gauge not found: " + name)
	}
	g.Dec()
}

// ObserveRequest records one finished HTTP request.
func (su *StatsUpdater) ObserveRequest(method, path string, status int, dur time.Duration) {
	su.httpReqs.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	su.httpLat.WithLabelValues(method, path).Observe(dur.Seconds())
}

func (su *StatsUpdater) Handler() http.Handler {
	return promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{Registry: su.registry})
}

// RegisterDefaults registers the metrics the chat server reports.
func RegisterDefaults(sp StatsProvider) {
	sp.RegisterGauge(ActiveConnections, "Open websocket connections.")
	sp.RegisterGauge(OnlineUsers, "Users with at least one open connection.")
	sp.RegisterGauge(ActiveRooms, "Conversations with at least one joined connection.")
	sp.RegisterCounter(MessagesPersisted, "Messages accepted and stored.")
	sp.RegisterCounter(QuotaRejections, "Messages rejected by the monthly usage quota.")
	sp.RegisterCounter(TransportDrops, "Events dropped because a connection could not take them.")
}
