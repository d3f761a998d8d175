package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// labels identifies one handler/method series. Status codes are tracked
// inside the series so that a single sort covers all three metric families.
type labels struct {
	handler string
	method  string
}

// httpSeries accumulates everything observed for one label pair.
type httpSeries struct {
	byCode  map[string]uint64
	errors  uint64
	latency histogram
}

// latencyBounds are the upper bounds of the duration histogram, in seconds.
var latencyBounds = [...]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type histogram struct {
	counts [len(latencyBounds)]uint64 // per-bucket, non-cumulative
	sum    float64
	count  uint64
}

func (h *histogram) observe(seconds float64) {
	h.count++
	h.sum += seconds
	for i, bound := range latencyBounds {
		if seconds <= bound {
			h.counts[i]++
			return
		}
	}
	// past the last bound: counted only in +Inf via h.count
}

type collector struct {
	mu     sync.Mutex
	series map[labels]*httpSeries
}

var httpCollector = &collector{series: make(map[labels]*httpSeries)}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpCollector.observe(handler, method, status, duration)
}

func (c *collector) observe(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := labels{handler: handler, method: method}
	s := c.series[key]
	if s == nil {
		s = &httpSeries{byCode: make(map[string]uint64)}
		c.series[key] = s
	}
	s.byCode[strconv.Itoa(status)]++
	if status >= 500 {
		s.errors++
	}
	s.latency.observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, httpCollector.render())
		_, _ = fmt.Fprint(w, agentCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]labels, 0, len(c.series))
	for key := range c.series {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler == keys[j].handler {
			return keys[i].method < keys[j].method
		}
		return keys[i].handler < keys[j].handler
	})

	var b strings.Builder
	b.Grow(1024)

	b.WriteString("# HELP agenticforge_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE agenticforge_http_requests_total counter\n")
	for _, key := range keys {
		s := c.series[key]
		codes := make([]string, 0, len(s.byCode))
		for code := range s.byCode {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			fmt.Fprintf(&b, "agenticforge_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
				escape(key.handler), escape(key.method), escape(code), s.byCode[code])
		}
	}

	b.WriteString("# HELP agenticforge_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	b.WriteString("# TYPE agenticforge_http_request_errors_total counter\n")
	for _, key := range keys {
		if s := c.series[key]; s.errors > 0 {
			fmt.Fprintf(&b, "agenticforge_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
				escape(key.handler), escape(key.method), s.errors)
		}
	}

	b.WriteString("# HELP agenticforge_http_request_duration_seconds HTTP request duration in seconds.\n")
	b.WriteString("# TYPE agenticforge_http_request_duration_seconds histogram\n")
	for _, key := range keys {
		h := &c.series[key].latency
		var cumulative uint64
		for i, bound := range latencyBounds {
			cumulative += h.counts[i]
			fmt.Fprintf(&b, "agenticforge_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"%s\"} %d\n",
				escape(key.handler), escape(key.method), formatFloat(bound), cumulative)
		}
		fmt.Fprintf(&b, "agenticforge_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n",
			escape(key.handler), escape(key.method), h.count)
		fmt.Fprintf(&b, "agenticforge_http_request_duration_seconds_sum{handler=\"%s\",method=\"%s\"} %s\n",
			escape(key.handler), escape(key.method), formatFloat(h.sum))
		fmt.Fprintf(&b, "agenticforge_http_request_duration_seconds_count{handler=\"%s\",method=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), h.count)
	}

	return b.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
// It blocks until ctx is cancelled or the listener fails.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
