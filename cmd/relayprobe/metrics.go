package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// trackedMetrics are the relay series reported as before/after deltas.
var trackedMetrics = []string{
	"relay_sessions_active",
	"relay_upstream_streams_total",
	"relay_fragments_total",
	"relay_decode_errors_total",
	"relay_heartbeats_total",
	"relay_sessions_terminated_total",
	"relay_forwarded_submits_total",
}

// metricSnapshot maps a metric name (labels stripped, series summed) to its
// value at scrape time.
type metricSnapshot map[string]float64

// scrapeMetrics fetches the relay's Prometheus endpoint and sums every series
// per metric name.
func scrapeMetrics(ctx context.Context, metricsURL string) (metricSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metricsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", metricsURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", metricsURL, resp.StatusCode)
	}

	snap := metricSnapshot{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok || !strings.HasPrefix(name, "relay_") {
			continue
		}
		snap[name] += value
	}
	return snap, scanner.Err()
}

// parseMetricLine parses a text exposition line into the metric name without
// labels and its value.
//
//	metric_name 1.23
//	metric_name{label="value"} 1.23
func parseMetricLine(line string) (name string, value float64, ok bool) {
	raw := line
	if idx := strings.IndexByte(raw, '{'); idx != -1 {
		name = raw[:idx]
		closing := strings.IndexByte(raw[idx:], '}')
		if closing == -1 {
			return "", 0, false
		}
		raw = name + raw[idx+closing+1:]
	}

	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", 0, false
	}
	if name == "" {
		name = fields[0]
	}

	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// printMetricDeltas prints the change of each tracked metric between two
// scrapes.
func printMetricDeltas(before, after metricSnapshot) {
	fmt.Println("\n--- Server metrics ---")
	fmt.Printf("  %-34s %10s %10s %8s\n", "metric", "before", "after", "delta")
	for _, name := range trackedMetrics {
		b, a := before[name], after[name]
		fmt.Printf("  %-34s %10.0f %10.0f %+8.0f\n", name, b, a, a-b)
	}
}
