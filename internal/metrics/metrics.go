package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/profiles/internal/profile"
	"github.com/kalambet/profiles/internal/service"
)

// Outcome label values.
const (
	OutcomeOK       = "ok"
	OutcomeAbsent   = "absent"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Collector holds the Prometheus metrics for profile service calls and the
// local cache. Each Collector owns its registry so tests can create many.
type Collector struct {
	registry *prometheus.Registry

	Requests     *prometheus.CounterVec
	Duration     *prometheus.HistogramVec
	CacheEntries prometheus.Gauge
	Changes      *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered under
// namespace (e.g. "profiles").
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_requests_total",
				Help:      "Total number of profile service calls by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "service_request_duration_seconds",
				Help:      "Profile service call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Number of profiles held in the local cache",
			},
		),
		Changes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_changes_total",
				Help:      "Total number of applied cache changes by store operation",
			},
			[]string{"op"},
		),
	}

	registry.MustRegister(c.Requests, c.Duration, c.CacheEntries, c.Changes)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an http.Handler serving the registry in the Prometheus
// exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Observe records one service call.
func (c *Collector) Observe(op string, start time.Time, outcome string) {
	c.Requests.WithLabelValues(op, outcome).Inc()
	c.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// TrackStore keeps the cache gauges current by subscribing to s. The
// returned function stops tracking.
func (c *Collector) TrackStore(s *profile.Store) func() {
	c.CacheEntries.Set(float64(len(s.KnownProfiles())))
	return s.Subscribe(func(ch profile.Change) {
		c.Changes.WithLabelValues(ch.Op).Inc()
		c.CacheEntries.Set(float64(len(s.KnownProfiles())))
	})
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case profile.IsValidation(err):
		return OutcomeRejected
	default:
		return OutcomeError
	}
}

// InstrumentService wraps svc so every call is counted and timed.
func InstrumentService(svc profile.Service, c *Collector) profile.Service {
	return &instrumented{next: svc, c: c}
}

type instrumented struct {
	next profile.Service
	c    *Collector
}

func (i *instrumented) MyAgentID() string {
	return i.next.MyAgentID()
}

func (i *instrumented) GetAllProfiles(ctx context.Context) ([]profile.AgentProfile, error) {
	start := time.Now()
	out, err := i.next.GetAllProfiles(ctx)
	i.c.Observe(service.OpGetAllProfiles, start, outcomeOf(err))
	return out, err
}

func (i *instrumented) GetMyProfile(ctx context.Context) (*profile.AgentProfile, error) {
	start := time.Now()
	out, err := i.next.GetMyProfile(ctx)
	outcome := outcomeOf(err)
	if err == nil && out == nil {
		outcome = OutcomeAbsent
	}
	i.c.Observe(service.OpGetMyProfile, start, outcome)
	return out, err
}

func (i *instrumented) GetAgentProfile(ctx context.Context, agentID string) (*profile.AgentProfile, error) {
	start := time.Now()
	out, err := i.next.GetAgentProfile(ctx, agentID)
	outcome := outcomeOf(err)
	if err == nil && out == nil {
		outcome = OutcomeAbsent
	}
	i.c.Observe(service.OpGetAgentProfile, start, outcome)
	return out, err
}

func (i *instrumented) GetAgentsProfiles(ctx context.Context, agentIDs []string) ([]profile.AgentProfile, error) {
	start := time.Now()
	out, err := i.next.GetAgentsProfiles(ctx, agentIDs)
	i.c.Observe(service.OpGetAgentsProfiles, start, outcomeOf(err))
	return out, err
}

func (i *instrumented) SearchProfiles(ctx context.Context, nicknamePrefix string) ([]profile.AgentProfile, error) {
	start := time.Now()
	out, err := i.next.SearchProfiles(ctx, nicknamePrefix)
	i.c.Observe(service.OpSearchProfiles, start, outcomeOf(err))
	return out, err
}

func (i *instrumented) CreateProfile(ctx context.Context, p profile.Profile) error {
	start := time.Now()
	err := i.next.CreateProfile(ctx, p)
	i.c.Observe(service.OpCreateProfile, start, outcomeOf(err))
	return err
}
