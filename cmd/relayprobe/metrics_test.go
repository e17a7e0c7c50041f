package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"relay_fragments_total 42", "relay_fragments_total", 42, true},
		{`relay_sessions_terminated_total{reason="done"} 3`, "relay_sessions_terminated_total", 3, true},
		{`relay_heartbeats_total{result="sent"} 1.5e+01`, "relay_heartbeats_total", 15, true},
		{"relay_fragments_total 7 1700000000000", "relay_fragments_total", 7, true},
		{`broken{label="x" 1`, "", 0, false},
		{"lonely_name", "", 0, false},
		{"relay_fragments_total NaNish", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, value, ok := parseMetricLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.name, name)
			assert.InDelta(t, tt.value, value, 1e-9)
		})
	}
}

func TestScrapeMetrics_SumsSeries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`# HELP relay_sessions_terminated_total Total
# TYPE relay_sessions_terminated_total counter
relay_sessions_terminated_total{reason="done"} 4
relay_sessions_terminated_total{reason="disconnect"} 2
relay_fragments_total 10
go_goroutines 12
`))
	}))
	t.Cleanup(srv.Close)

	snap, err := scrapeMetrics(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, float64(6), snap["relay_sessions_terminated_total"])
	assert.Equal(t, float64(10), snap["relay_fragments_total"])
	assert.NotContains(t, snap, "go_goroutines")
}

func TestScrapeMetrics_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	_, err := scrapeMetrics(context.Background(), srv.URL)
	assert.Error(t, err)
}
