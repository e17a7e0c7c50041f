// Command relayprobe is a smoke test for a running relay. It checks the
// health endpoint, opens an event stream, submits one message and prints the
// streamed reply as it arrives.
//
// Usage:
//
//	go run ./cmd/relayprobe -key $API_KEY -project $PROJECT_ID [-api http://localhost:3000] [-message "hi"]
//
// Exit code 0 if the reply ends with a done event, 1 otherwise.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sserelay/relay/internal/protocol"
	"github.com/sserelay/relay/internal/sseclient"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// stepResult holds the outcome of a single probe step.
type stepResult struct {
	name   string
	ok     bool
	detail string
}

func (r stepResult) tag() string {
	if r.ok {
		return "PASS"
	}
	return "FAIL"
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	apiBase := flag.String("api", "http://localhost:3000", "relay base URL")
	apiKey := flag.String("key", os.Getenv("RELAY_API_KEY"), "upstream API key")
	projectID := flag.String("project", os.Getenv("RELAY_PROJECT_ID"), "upstream project id")
	toolID := flag.String("tool", "", "optional tool id")
	sessionID := flag.String("session", "", "session id (default: random)")
	message := flag.String("message", "hi", "user message to send")
	timeout := flag.Duration("timeout", 60*time.Second, "overall probe timeout")
	flag.Parse()

	if *sessionID == "" {
		*sessionID = "probe-" + uuid.NewString()
	}

	fmt.Println("=== Relay Probe ===")
	fmt.Printf("Server: %s  Session: %s\n\n", *apiBase, *sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	before, scrapeErr := scrapeMetrics(ctx, *apiBase+"/metrics")

	results := []stepResult{checkHealth(ctx, *apiBase)}
	if results[0].ok {
		results = append(results, streamReply(ctx, *apiBase, *sessionID, protocol.Credentials{
			APIKey:    *apiKey,
			ProjectID: *projectID,
			ToolID:    *toolID,
		}, *message)...)
	}

	if scrapeErr == nil {
		if after, err := scrapeMetrics(ctx, *apiBase+"/metrics"); err == nil {
			printMetricDeltas(before, after)
		}
	}

	fmt.Println()
	failed := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()
		if !r.ok {
			failed++
		}
	}
	fmt.Printf("\n=== Results: %d/%d passed ===\n", len(results)-failed, len(results))

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Steps
// ---------------------------------------------------------------------------

func checkHealth(ctx context.Context, apiBase string) stepResult {
	name := "Health check"

	body, err := httpGetBody(ctx, apiBase+"/health")
	if err != nil {
		return stepResult{name, false, err.Error()}
	}
	var health protocol.HealthBody
	if err := json.Unmarshal(body, &health); err != nil {
		return stepResult{name, false, fmt.Sprintf("parse: %v", err)}
	}
	return stepResult{name, health.Status == protocol.StatusOK, fmt.Sprintf("server=%s sessions=%d uptime=%s", health.Server, health.Sessions, health.Uptime)}
}

func streamReply(ctx context.Context, apiBase, sessionID string, creds protocol.Credentials, message string) []stepResult {
	q := url.Values{}
	q.Set("session_id", sessionID)
	q.Set("api_key", creds.APIKey)
	q.Set("project_id", creds.ProjectID)
	if creds.ToolID != "" {
		q.Set("tool_id", creds.ToolID)
	}

	stream, err := sseclient.Dial(ctx, nil, apiBase+"/sse?"+q.Encode())
	if err != nil {
		return []stepResult{{"Open stream", false, err.Error()}}
	}
	defer stream.Close()
	results := []stepResult{{"Open stream", true, fmt.Sprintf("connect=%s", stream.GetMetrics().ConnectLatency.Round(time.Millisecond))}}

	ack, err := postMessage(ctx, apiBase, protocol.SubmitRequest{
		SessionID: sessionID,
		Messages:  []protocol.Message{{Role: "user", Content: message}},
	})
	if err != nil {
		return append(results, stepResult{"Submit message", false, err.Error()})
	}
	results = append(results, stepResult{"Submit message", true, ack.Status})

	fmt.Print("reply: ")
	fragments := 0
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			fmt.Println()
			if errors.Is(err, sseclient.ErrClosed) {
				err = errors.New("stream closed without a terminal event")
			}
			return append(results, stepResult{"Stream reply", false, err.Error()})
		}

		switch ev.Name {
		case "":
			fragments++
			fmt.Print(ev.Data)
		case "done":
			fmt.Println()
			m := stream.GetMetrics()
			return append(results, stepResult{"Stream reply", true, fmt.Sprintf("fragments=%d first_event=%s keep_alives=%d",
				fragments, m.FirstEventLatency.Round(time.Millisecond), m.CommentsReceived)})
		case "error":
			fmt.Println()
			return append(results, stepResult{"Stream reply", false, "error event: " + ev.Data})
		}
	}
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func postMessage(ctx context.Context, apiBase string, req protocol.SubmitRequest) (*protocol.SubmitAck, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("POST /messages: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode != http.StatusAccepted {
		var e protocol.ErrorBody
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("POST /messages: status %d: %s: %s", resp.StatusCode, e.Error, e.Detail)
		}
		return nil, fmt.Errorf("POST /messages: status %d", resp.StatusCode)
	}

	var ack protocol.SubmitAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, fmt.Errorf("parse ack: %w", err)
	}
	return &ack, nil
}

// httpGetBody performs an HTTP GET and returns the response body.
func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
