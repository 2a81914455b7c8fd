// Package stats provides a lightweight Prometheus-compatible metrics registry
// for Switchboard. It deliberately avoids the prometheus/client_golang package
// so embedding the router adds no additional dependencies.
//
// # Counter naming convention
//
// Every message counter is keyed by the message's priority tier, so a single
// sync.Map per counter holds all label combinations without map nesting.
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all counters
// in the Prometheus exposition format (text/plain; version=0.0.4).
package stats

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// Total sums the counter across all keys.
func (lc *labelCounter) Total() int64 {
	var n int64
	lc.vals.Range(func(_, v any) bool {
		n += v.(*atomic.Int64).Load()
		return true
	})
	return n
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all Switchboard application metrics.
// Every counter is keyed by priority tier ("low", "normal", "high", "urgent").
type Registry struct {
	// Sent counts messages accepted by the router (any outcome).
	Sent labelCounter
	// Delivered counts messages accepted by at least one live connection.
	Delivered labelCounter
	// Queued counts messages parked in a session queue.
	Queued labelCounter
	// Failed counts messages that exhausted their delivery attempts.
	Failed labelCounter
	// Retried counts failed delivery attempts that were re-queued.
	Retried labelCounter
	// Evicted counts messages shed from full queues to make room.
	Evicted labelCounter
	// Dropped counts messages discarded without delivery: full-queue admission
	// failures and queued messages thrown away when their session is destroyed.
	Dropped labelCounter
}

// Totals is a point-in-time sum of every counter across all priority tiers.
type Totals struct {
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Queued    int64 `json:"queued"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Evicted   int64 `json:"evicted"`
	Dropped   int64 `json:"dropped"`
}

// Snapshot assembles the aggregate counter view.
func (r *Registry) Snapshot() Totals {
	return Totals{
		Sent:      r.Sent.Total(),
		Delivered: r.Delivered.Total(),
		Queued:    r.Queued.Total(),
		Failed:    r.Failed.Total(),
		Retried:   r.Retried.Total(),
		Evicted:   r.Evicted.Total(),
		Dropped:   r.Dropped.Total(),
	}
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		families := []struct {
			name string
			help string
			lc   *labelCounter
		}{
			{"switchboard_messages_sent_total", "Total messages accepted by the router", &r.Sent},
			{"switchboard_messages_delivered_total", "Total messages delivered to a live connection", &r.Delivered},
			{"switchboard_messages_queued_total", "Total messages parked in a session queue", &r.Queued},
			{"switchboard_messages_failed_total", "Total messages that exhausted delivery attempts", &r.Failed},
			{"switchboard_messages_retried_total", "Total failed delivery attempts re-queued for retry", &r.Retried},
			{"switchboard_messages_evicted_total", "Total messages shed from full session queues", &r.Evicted},
			{"switchboard_messages_dropped_total", "Total messages discarded without delivery", &r.Dropped},
		}

		for _, f := range families {
			writeFamily(&b, f.name, f.help, "counter",
				func(fn func(labels, val string)) {
					f.lc.Each(func(key string, val int64) {
						fn(fmt.Sprintf(`priority=%q`, key), fmt.Sprintf("%d", val))
					})
				})
		}

		fmt.Fprint(w, b.String())
	})
}

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}
