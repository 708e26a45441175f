// Package routing resolves road distance, duration and geometry between two
// points. The external routing engine is optional: timeouts, errors and an
// open circuit all degrade to a geometric estimate.
package routing

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	// detourFactor stretches straight-line distance to approximate road distance.
	detourFactor = 1.3
	// fallbackSpeedMps is 25 km/h.
	fallbackSpeedMps = 25000.0 / 3600.0

	defaultCacheSize = 10000
)

type Route struct {
	DistanceMeters  int64        `json:"distance_meters"`
	DurationSeconds int64        `json:"duration_seconds"`
	Geometry        [][2]float64 `json:"geometry"`
	Estimated       bool         `json:"estimated"`
}

// Client is implemented by routing engine adapters.
type Client interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

type Config struct {
	Timeout   time.Duration
	CacheTTL  time.Duration
	CacheSize int
	// FailureThreshold consecutive failures open the circuit for OpenTimeout.
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second, CacheTTL: 10 * time.Minute, CacheSize: defaultCacheSize, FailureThreshold: 5, OpenTimeout: 30 * time.Second}
}

// Service wraps a Client with a timeout, a circuit breaker and a route cache.
type Service struct {
	client  Client
	cache   *Cache
	breaker *gobreaker.CircuitBreaker[Route]
	timeout time.Duration
	logger  *slog.Logger
}

// NewService accepts a nil client, in which case every lookup is estimated.
func NewService(client Client, cfg Config, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{client: client, timeout: cfg.Timeout, logger: logger}
	if cfg.CacheTTL > 0 {
		s.cache = NewCache(cfg.CacheTTL, cfg.CacheSize)
	}
	s.breaker = gobreaker.NewCircuitBreaker[Route](gobreaker.Settings{
		Name:        "routing",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("routing circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
			observability.RoutingBreakerOpen.Set(boolGauge(to == gobreaker.StateOpen))
		},
	})
	return s
}

// Route never fails: an unavailable engine yields Estimate.
func (s *Service) Route(ctx context.Context, from, to models.Coord) Route {
	if s.cache != nil {
		if r, ok := s.cache.Get(from, to); ok {
			return r
		}
	}
	if s.client == nil {
		return Estimate(from, to)
	}
	start := time.Now()
	r, err := s.breaker.Execute(func() (Route, error) {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.client.Route(cctx, from, to)
	})
	observability.RoutingLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Warn("routing unavailable, using estimate", "error", apperr.Upstream(err, "route lookup"))
		observability.RoutingFallbacksTotal.Inc()
		return Estimate(from, to)
	}
	if s.cache != nil {
		s.cache.Set(from, to, r)
	}
	return r
}

// RunSweeper drops expired cache entries every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if s.cache == nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.cache.Sweep(); n > 0 {
				s.logger.Debug("route cache swept", "removed", n)
			}
		}
	}
}

// Estimate is haversine distance stretched by the detour factor, driven at 25 km/h
// along a straight two-point line.
func Estimate(from, to models.Coord) Route {
	d := geo.Distance(from, to) * detourFactor
	return Route{
		DistanceMeters:  int64(math.Round(d)),
		DurationSeconds: int64(math.Round(d / fallbackSpeedMps)),
		Geometry:        [][2]float64{{from.Lat, from.Lng}, {to.Lat, to.Lng}},
		Estimated:       true,
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Cache is an in-memory LRU of routes keyed by rounded coordinates. Entries
// expire after ttl and the least recently used one is evicted at capacity.
type Cache struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List // front is most recently used
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

type cacheEntry struct {
	key       string
	v         Route
	expiresAt time.Time
}

func NewCache(ttl time.Duration, capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultCacheSize
	}
	return &Cache{
		items:    make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f->%.5f,%.5f", a.Lat, a.Lng, b.Lat, b.Lng)
}

func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[k]
	if !ok {
		return Route{}, false
	}
	e := el.Value.(*cacheEntry)
	if c.now().After(e.expiresAt) {
		c.remove(el)
		return Route{}, false
	}
	c.order.MoveToFront(el)
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, r Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	defer c.mu.Unlock()
	exp := c.now().Add(c.ttl)
	if el, ok := c.items[k]; ok {
		e := el.Value.(*cacheEntry)
		e.v, e.expiresAt = r, exp
		c.order.MoveToFront(el)
		return
	}
	c.items[k] = c.order.PushFront(&cacheEntry{key: k, v: r, expiresAt: exp})
	for c.order.Len() > c.capacity {
		c.remove(c.order.Back())
	}
}

// Sweep drops expired entries and returns how many went.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*cacheEntry).expiresAt) {
			c.remove(el)
			removed++
		}
		el = prev
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*cacheEntry).key)
}
