package logging

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

// sensitiveParams are masked in logged query strings.
var sensitiveParams = map[string]bool{
	"api_key":                true,
	"browserbase_api_key":    true,
	"browserbase_project_id": true,
	"apikey":                 true,
	"key":                    true,
	"token":                  true,
	"access_token":           true,
	"authorization":          true,
}

// Middleware logs every request with its status, latency and request id, and
// recovers panics into a 500.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				log.WithFields(log.Fields{
					"panic":      p,
					"stack":      string(debug.Stack()),
					"path":       r.URL.Path,
					"request_id": requestID,
				}).Error("recovered from panic")
				if rec.status == 0 {
					http.Error(rec, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}
			logRequest(r, rec.Status(), time.Since(start), requestID)
		}()

		next.ServeHTTP(rec, r)
	})
}

func logRequest(r *http.Request, status int, latency time.Duration, requestID string) {
	path := r.URL.Path
	if raw := MaskSensitiveQuery(r.URL.RawQuery); raw != "" {
		path += "?" + raw
	}
	if latency > time.Minute {
		latency = latency.Truncate(time.Second)
	} else {
		latency = latency.Truncate(time.Millisecond)
	}

	entry := log.WithFields(log.Fields{
		"status":     status,
		"latency_ms": latency.Milliseconds(),
		"client_ip":  clientIP(r),
		"method":     r.Method,
		"path":       path,
		"request_id": requestID,
	})
	switch {
	case status >= http.StatusInternalServerError:
		entry.Errorf("%s %s %d %v", r.Method, path, status, latency)
	case status >= http.StatusBadRequest:
		entry.Warnf("%s %s %d %v", r.Method, path, status, latency)
	default:
		entry.Infof("%s %s %d %v", r.Method, path, status, latency)
	}
}

// MaskSensitiveQuery replaces the values of credential parameters in a raw
// query string. Unparseable queries are dropped entirely.
func MaskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return "<invalid query>"
	}
	for key, vals := range values {
		if !sensitiveParams[strings.ToLower(key)] {
			continue
		}
		for i, v := range vals {
			vals[i] = maskValue(v)
		}
	}
	return values.Encode()
}

func maskValue(v string) string {
	if len(v) <= 8 {
		return "***"
	}
	return v[:4] + "***" + v[len(v)-2:]
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the response status. It forwards Flush so event
// streams keep working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(p)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := s.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("logging: hijack not supported")
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Status returns the recorded status, 200 if nothing was written.
func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}
