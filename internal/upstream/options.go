package upstream

import (
	"net/http"
	"time"
)

// DefaultBaseURL is the completions provider the relay was built against.
const DefaultBaseURL = "https://api.browserbase.com/v1"

type Option func(*options)

type options struct {
	baseURL    string
	httpClient *http.Client
	headers    map[string]string
	timeout    time.Duration
}

func defaultOptions() options {
	return options{
		baseURL: DefaultBaseURL,
		timeout: 60 * time.Second,
		headers: map[string]string{},
	}
}

// WithBaseURL overrides the provider base URL.
func WithBaseURL(url string) Option {
	return func(o *options) {
		if url != "" {
			o.baseURL = url
		}
	}
}

// WithHTTPClient sets a custom HTTP client. Its Timeout must be zero or
// streams will be cut off mid-response.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithHeader adds a static request header.
func WithHeader(key, value string) Option {
	return func(o *options) {
		if o.headers == nil {
			o.headers = map[string]string{}
		}
		o.headers[key] = value
	}
}

// WithTimeout bounds the non-streamed calls (tool listing, execute).
// Streams are bounded only by their context.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}
