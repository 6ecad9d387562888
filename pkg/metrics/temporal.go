package metrics

import (
	"errors"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
)

// temporalHandler implements Temporal's MetricsHandler on top of a
// Prometheus registerer. A metric keeps the label names it was first seen
// with; later tag sets are projected onto them, and tags that do not fit are
// logged once per metric.
type temporalHandler struct {
	store *vecStore
	tags  map[string]string
}

// NewTemporalHandler returns a client.MetricsHandler that registers SDK
// metrics with reg. logger may be nil.
func NewTemporalHandler(reg prometheus.Registerer, tags map[string]string, logger tlog.Logger) client.MetricsHandler {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if tags == nil {
		tags = map[string]string{}
	}
	return &temporalHandler{
		store: &vecStore{
			reg:      reg,
			counters: make(map[string]*prometheus.CounterVec),
			gauges:   make(map[string]*prometheus.GaugeVec),
			timers:   make(map[string]*prometheus.HistogramVec),
			labels:   make(map[string][]string),
			logger:   logger,
			warned:   make(map[string]bool),
		},
		tags: tags,
	}
}

func (h *temporalHandler) WithTags(tags map[string]string) client.MetricsHandler {
	merged := maps.Clone(h.tags)
	maps.Copy(merged, tags)
	return &temporalHandler{store: h.store, tags: merged}
}

func (h *temporalHandler) Counter(name string) client.MetricsCounter {
	vec, keys := h.store.counter(name, h.tags)
	h.store.noteDropped("c:"+name, keys, h.tags)
	return counter{c: vec.WithLabelValues(project(keys, h.tags)...)}
}

func (h *temporalHandler) Gauge(name string) client.MetricsGauge {
	vec, keys := h.store.gauge(name, h.tags)
	h.store.noteDropped("g:"+name, keys, h.tags)
	return gauge{g: vec.WithLabelValues(project(keys, h.tags)...)}
}

func (h *temporalHandler) Timer(name string) client.MetricsTimer {
	vec, keys := h.store.timer(name, h.tags)
	h.store.noteDropped("t:"+name, keys, h.tags)
	return timer{o: vec.WithLabelValues(project(keys, h.tags)...)}
}

type counter struct{ c prometheus.Counter }

func (c counter) Inc(d int64) {
	if d > 0 {
		c.c.Add(float64(d))
	}
}

type gauge struct{ g prometheus.Gauge }

func (g gauge) Update(v float64) { g.g.Set(v) }

type timer struct{ o prometheus.Observer }

func (t timer) Record(d time.Duration) { t.o.Observe(d.Seconds()) }

type vecStore struct {
	reg prometheus.Registerer

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	timers   map[string]*prometheus.HistogramVec
	labels   map[string][]string

	logger tlog.Logger
	warned map[string]bool
}

// noteDropped logs the tags that did not fit a metric's label names, the
// first time that metric drops any.
func (s *vecStore) noteDropped(metric string, keys []string, tags map[string]string) {
	if s.logger == nil {
		return
	}
	dropped := extraTags(keys, tags)
	if len(dropped) == 0 {
		return
	}

	s.mu.Lock()
	seen := s.warned[metric]
	s.warned[metric] = true
	s.mu.Unlock()

	if !seen {
		s.logger.Warn("Temporal metric tags dropped",
			"metric", metric[2:], "labels", keys, "dropped", dropped)
	}
}

func (s *vecStore) counter(name string, tags map[string]string) (*prometheus.CounterVec, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vec, ok := s.counters[name]; ok {
		return vec, s.labels["c:"+name]
	}
	keys := labelKeys(tags)
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: sanitize(name),
		Help: "Temporal SDK counter " + name,
	}, keys)
	vec = register(s.reg, vec)
	s.counters[name] = vec
	s.labels["c:"+name] = keys
	return vec, keys
}

func (s *vecStore) gauge(name string, tags map[string]string) (*prometheus.GaugeVec, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vec, ok := s.gauges[name]; ok {
		return vec, s.labels["g:"+name]
	}
	keys := labelKeys(tags)
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: sanitize(name),
		Help: "Temporal SDK gauge " + name,
	}, keys)
	vec = register(s.reg, vec)
	s.gauges[name] = vec
	s.labels["g:"+name] = keys
	return vec, keys
}

func (s *vecStore) timer(name string, tags map[string]string) (*prometheus.HistogramVec, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vec, ok := s.timers[name]; ok {
		return vec, s.labels["t:"+name]
	}
	keys := labelKeys(tags)
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    sanitize(name) + "_seconds",
		Help:    "Temporal SDK timer " + name,
		Buckets: prometheus.DefBuckets,
	}, keys)
	vec = register(s.reg, vec)
	s.timers[name] = vec
	s.labels["t:"+name] = keys
	return vec, keys
}

// register returns the collector already registered under the same
// descriptor, if any. On any other registration error the collector still
// works but is not exported.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func labelKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, sanitize(k))
	}
	sort.Strings(keys)
	return keys
}

func project(keys []string, tags map[string]string) []string {
	byKey := make(map[string]string, len(tags))
	for k, v := range tags {
		byKey[sanitize(k)] = v
	}
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = byKey[k]
	}
	return values
}

func extraTags(keys []string, tags map[string]string) []string {
	var extra []string
	for k := range tags {
		k = sanitize(k)
		if !slices.Contains(keys, k) {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra
}

func sanitize(name string) string {
	var sb strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			sb.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
