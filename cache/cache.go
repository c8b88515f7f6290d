// Package cache stores computed query results behind a key. Backends are
// opportunistic: read errors are misses and failed writes evict the key.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"vizql/frame"
)

var (
	metricCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vizql_cache_requests_total",
			Help: "Total number of cache lookups",
		},
		[]string{"result"},
	)

	metricCacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vizql_cache_writes_total",
			Help: "Total number of cache writes",
		},
		[]string{"result"},
	)
)

// Backend is a byte store with per key expiry. Get returns nil, nil when
// the key is missing or expired.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, timeout time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Entry is one cached result.
type Entry struct {
	Frame      *frame.Frame `cbor:"frame"`
	Query      string       `cbor:"query"`
	TotalFound int          `cbor:"total_found"`
	Dttm       time.Time    `cbor:"dttm"`
	// Failed entries are returned to the caller but never stored.
	Failed     bool   `cbor:"-"`
	Error      string `cbor:"-"`
	Stacktrace string `cbor:"-"`
}

func (e *Entry) clone() *Entry {
	out := *e
	if e.Frame != nil {
		out.Frame = e.Frame.Clone()
	}
	return &out
}

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano, TimeTag: cbor.EncTagRequired}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func Encode(e *Entry) ([]byte, error) {
	b, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("error encoding cache entry: %w", err)
	}
	return b, nil
}

func Decode(b []byte) (*Entry, error) {
	var e Entry
	if err := cbor.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("error decoding cache entry: %w", err)
	}
	if e.Frame == nil {
		e.Frame = &frame.Frame{}
	}
	e.Frame.Normalize()
	return &e, nil
}

type Result struct {
	Entry    *Entry
	IsCached bool
}

// Layer computes results at most once per key and timeout window. A nil
// Layer or a Layer without Backend always computes.
type Layer struct {
	Backend Backend
	Logger  *slog.Logger
	group   singleflight.Group
}

func New(backend Backend, logger *slog.Logger) *Layer {
	return &Layer{Backend: backend, Logger: logger}
}

func (l *Layer) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.Logger
}

// GetOrCompute returns the cached entry for key unless force is set.
// Otherwise it calls compute, sharing the computation with concurrent
// callers of the same key, and stores the entry for timeout.
func (l *Layer) GetOrCompute(
	ctx context.Context,
	key string,
	timeout time.Duration,
	force bool,
	compute func(ctx context.Context) (*Entry, error),
) (*Result, error) {
	if l == nil || l.Backend == nil || key == "" {
		e, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Entry: e}, nil
	}
	if !force {
		if e := l.get(ctx, key); e != nil {
			return &Result{Entry: e, IsCached: true}, nil
		}
	}

	flightKey := key
	if force {
		flightKey = "force:" + key
	}
	v, err, shared := l.group.Do(flightKey, func() (any, error) {
		// Shared by all waiters, so one caller going away must not cancel it.
		cctx := context.WithoutCancel(ctx)
		e, err := compute(cctx)
		if err != nil {
			return nil, err
		}
		if !e.Failed {
			l.set(cctx, key, e, timeout)
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	e := v.(*Entry)
	if shared {
		e = e.clone()
	}
	return &Result{Entry: e}, nil
}

func (l *Layer) get(ctx context.Context, key string) *Entry {
	b, err := l.Backend.Get(ctx, key)
	if err != nil {
		l.logger().WarnContext(ctx, "Cache read failed", slog.String("key", key), slog.Any("error", err))
		metricCacheRequests.WithLabelValues("error").Inc()
		return nil
	}
	if b == nil {
		metricCacheRequests.WithLabelValues("miss").Inc()
		return nil
	}
	e, err := Decode(b)
	if err != nil {
		l.logger().WarnContext(ctx, "Cache entry unreadable", slog.String("key", key), slog.Any("error", err))
		metricCacheRequests.WithLabelValues("error").Inc()
		return nil
	}
	metricCacheRequests.WithLabelValues("hit").Inc()
	return e
}

func (l *Layer) set(ctx context.Context, key string, e *Entry, timeout time.Duration) {
	b, err := Encode(e)
	if err == nil {
		err = l.Backend.Set(ctx, key, b, timeout)
	}
	if err == nil {
		metricCacheWrites.WithLabelValues("success").Inc()
		return
	}
	metricCacheWrites.WithLabelValues("error").Inc()
	l.logger().ErrorContext(ctx, "Cache write failed", slog.String("key", key), slog.Any("error", err))
	if err := l.Backend.Delete(ctx, key); err != nil {
		l.logger().ErrorContext(ctx, "Cache evict failed", slog.String("key", key), slog.Any("error", err))
	}
}
