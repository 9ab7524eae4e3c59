// Package netmon watches outbound connectivity with a periodic ping.
package netmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultURL      = "https://www.google.com/favicon.ico"
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
)

const (
	reasonTimeout = "请求超时"
	reasonNetwork = "网络连接失败"
	reasonUnknown = "未知错误"
)

// Listener receives connectivity callbacks.
type Listener interface {
	StatusChange(online bool)
	PingSuccess(latency time.Duration)
	PingFailure(reason string)
}

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
}

// Status is the latest connectivity snapshot.
type Status struct {
	Online      bool          `json:"online"`
	LastPing    time.Time     `json:"last_ping"`
	Latency     time.Duration `json:"latency_ns"`
	LastFailure string        `json:"last_failure,omitempty"`
}

type Monitor struct {
	cfg    Config
	client HTTPClient
	log    *slog.Logger

	mu        sync.RWMutex
	status    Status
	checked   bool
	listeners map[int]Listener
	nextID    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, client HTTPClient, log *slog.Logger) *Monitor {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = http.DefaultClient
	}
	m := &Monitor{
		cfg:       cfg,
		client:    client,
		log:       log.With(slog.String("component", "netmon")),
		listeners: make(map[int]Listener),
	}
	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return m
}

// Subscribe registers a listener and returns a function removing it.
func (m *Monitor) Subscribe(l Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Start pings immediately and then on every interval until ctx ends or
// Close is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		m.Ping(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Ping(ctx)
			}
		}
	}()
}

func (m *Monitor) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Ping performs one connectivity check. Any HTTP response counts as online.
func (m *Monitor) Ping(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := m.head(ctx)
	latency := time.Since(start)

	m.mu.Lock()
	wasOnline, hadStatus := m.status.Online, m.checked
	m.checked = true
	m.status.LastPing = time.Now().UTC()
	if err == nil {
		m.status.Online = true
		m.status.Latency = latency
		m.status.LastFailure = ""
	} else {
		m.status.Online = false
		m.status.LastFailure = reason(err)
	}
	online := m.status.Online
	failure := m.status.LastFailure
	listeners := m.snapshotLocked()
	m.mu.Unlock()

	if !hadStatus || wasOnline != online {
		m.log.Info("connectivity changed", slog.Bool("online", online))
		for _, l := range listeners {
			l.StatusChange(online)
		}
	}
	for _, l := range listeners {
		if online {
			l.PingSuccess(latency)
		} else {
			l.PingFailure(failure)
		}
	}
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Monitor) head(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (m *Monitor) snapshotLocked() []Listener {
	out := make([]Listener, 0, len(m.listeners))
	for id := 0; id < m.nextID; id++ {
		if l, ok := m.listeners[id]; ok {
			out = append(out, l)
		}
	}
	return out
}

func reason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return reasonTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return reasonTimeout
	case errors.As(err, &netErr):
		return reasonNetwork
	case err != nil:
		return err.Error()
	}
	return reasonUnknown
}

func (m *Monitor) initMetrics() error {
	meter := otel.Meter("github.com/bestZwei/AIBC/netmon")
	online, err := meter.Int64ObservableGauge("aibc.netmon.online", metric.WithDescription("1 when the last ping succeeded"))
	if err != nil {
		return err
	}
	latency, err := meter.Int64ObservableGauge("aibc.netmon.latency_ms", metric.WithDescription("Latency of the last successful ping"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		st := m.Status()
		var up int64
		if st.Online {
			up = 1
		}
		obs.ObserveInt64(online, up)
		obs.ObserveInt64(latency, st.Latency.Milliseconds())
		return nil
	}, online, latency)
	return err
}
