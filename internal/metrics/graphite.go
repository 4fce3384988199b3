package metrics

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/radicle-link/linkd/internal/logging"
)

// graphiteExporter periodically flattens the Prometheus registry into
// Graphite's plaintext protocol ("<path> <value> <unix-ts>\n" per line) and
// pushes it over a short-lived TCP connection. No Graphite client library
// exists in this codebase's dependency set; the plaintext protocol is three
// fields per line, so the sender is written directly against net.Conn.
type graphiteExporter struct {
	addr     string
	prefix   string
	interval time.Duration
	registry *prometheus.Registry
}

func newGraphiteExporter(addr, prefix string, interval time.Duration, registry *prometheus.Registry) *graphiteExporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &graphiteExporter{addr: addr, prefix: sanitizeGraphite(prefix), interval: interval, registry: registry}
}

func (g *graphiteExporter) run(ctx context.Context) {
	logger := logging.FromContext(ctx)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := g.push(now); err != nil {
				logger.WarnContext(ctx, "graphite push failed", "addr", g.addr, "error", err)
			}
		}
	}
}

func (g *graphiteExporter) push(now time.Time) error {
	families, err := g.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	conn, err := net.DialTimeout("tcp", g.addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial graphite: %w", err)
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	ts := now.Unix()
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			path := g.path(mf.GetName(), m)
			for _, line := range sampleLines(path, mf.GetType(), m, ts) {
				if _, err := w.WriteString(line); err != nil {
					return fmt.Errorf("write graphite line: %w", err)
				}
			}
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush graphite lines: %w", err)
	}
	return nil
}

// path joins the service prefix, metric name, and sorted label values into a
// dotted Graphite path.
func (g *graphiteExporter) path(name string, m *dto.Metric) string {
	parts := []string{g.prefix, sanitizeGraphite(name)}
	labels := m.GetLabel()
	sort.Slice(labels, func(i, j int) bool { return labels[i].GetName() < labels[j].GetName() })
	for _, l := range labels {
		parts = append(parts, sanitizeGraphite(l.GetValue()))
	}
	return strings.Join(parts, ".")
}

func sampleLines(path string, kind dto.MetricType, m *dto.Metric, ts int64) []string {
	line := func(suffix string, value float64) string {
		p := path
		if suffix != "" {
			p += "." + suffix
		}
		return fmt.Sprintf("%s %g %d\n", p, value, ts)
	}

	switch kind {
	case dto.MetricType_COUNTER:
		return []string{line("", m.GetCounter().GetValue())}
	case dto.MetricType_GAUGE:
		return []string{line("", m.GetGauge().GetValue())}
	case dto.MetricType_HISTOGRAM:
		h := m.GetHistogram()
		return []string{
			line("count", float64(h.GetSampleCount())),
			line("sum", h.GetSampleSum()),
		}
	case dto.MetricType_SUMMARY:
		s := m.GetSummary()
		return []string{
			line("count", float64(s.GetSampleCount())),
			line("sum", s.GetSampleSum()),
		}
	default:
		return []string{line("", m.GetUntyped().GetValue())}
	}
}

// sanitizeGraphite replaces the characters Graphite treats as structural.
func sanitizeGraphite(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
