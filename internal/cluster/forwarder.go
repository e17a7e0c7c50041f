// Package cluster forwards message submits between relay instances. A
// POST /messages may land on any instance, but only the instance holding
// the session's event stream can start its upstream. The Forwarder looks up
// the owner in the session directory and hands the request over with a NATS
// request/reply; the owner's verdict is returned unchanged.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sserelay/relay/internal/messaging"
	"github.com/sserelay/relay/internal/metrics"
	"github.com/sserelay/relay/internal/protocol"
	"github.com/sserelay/relay/internal/session"
)

// ErrForward wraps failures to reach the owning instance.
var ErrForward = errors.New("cluster: forward failed")

// DefaultTimeout bounds a forwarded submit, including the owner's upstream
// open.
const DefaultTimeout = 30 * time.Second

// Transport carries forwarded requests. *messaging.NATSClient implements it.
type Transport interface {
	Reply(subject string, handler func(data []byte) []byte) error
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// OwnerLookup resolves the instance holding a session.
// *session.Directory implements it.
type OwnerLookup interface {
	Owner(ctx context.Context, sessionID string) (string, error)
}

// SubmitFunc handles a submit on the owning instance.
type SubmitFunc func(ctx context.Context, req protocol.SubmitRequest) protocol.ForwardReply

// Forwarder sends submits to, and serves submits from, other instances.
type Forwarder struct {
	server    string
	transport Transport
	owners    OwnerLookup
	timeout   time.Duration
}

// NewForwarder creates a Forwarder for the instance named server.
func NewForwarder(server string, transport Transport, owners OwnerLookup) *Forwarder {
	return &Forwarder{
		server:    server,
		transport: transport,
		owners:    owners,
		timeout:   DefaultTimeout,
	}
}

// Serve answers submits forwarded to this instance with submit.
func (f *Forwarder) Serve(submit SubmitFunc) error {
	subject := messaging.SubmitSubject(f.server)
	if err := f.transport.Reply(subject, func(data []byte) []byte {
		return f.handle(submit, data)
	}); err != nil {
		return err
	}
	log.WithField("subject", subject).Info("cluster: serving forwarded submits")
	return nil
}

func (f *Forwarder) handle(submit SubmitFunc, data []byte) []byte {
	var reply protocol.ForwardReply
	req, err := protocol.DecodeSubmitRequest(data)
	if err != nil {
		reply = protocol.ForwardReply{
			HTTPStatus: http.StatusBadRequest,
			Error:      &protocol.ErrorBody{Error: "invalid forwarded request", Detail: err.Error()},
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		reply = submit(ctx, req)
		cancel()
	}

	out, err := json.Marshal(reply)
	if err != nil {
		// ForwardReply always marshals; keep the requester from hanging anyway.
		out = []byte(`{"http_status":500,"error":{"error":"internal error"}}`)
	}
	log.WithFields(log.Fields{"session": req.SessionID, "status": reply.HTTPStatus}).Debug("cluster: served forwarded submit")
	return out
}

// Forward hands req to the instance that owns its session. It returns
// session.ErrSessionNotFound when no other instance holds the session, and
// an error wrapping ErrForward when the owner could not be reached.
func (f *Forwarder) Forward(ctx context.Context, req protocol.SubmitRequest) (protocol.ForwardReply, error) {
	owner, err := f.owners.Owner(ctx, req.SessionID)
	if err != nil {
		return protocol.ForwardReply{}, err
	}
	if owner == f.server {
		// The directory still lists us, but the local registry does not.
		return protocol.ForwardReply{}, fmt.Errorf("%w: %s", session.ErrSessionNotFound, req.SessionID)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return protocol.ForwardReply{}, fmt.Errorf("%w: %w", ErrForward, err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	resp, err := f.transport.Request(ctx, messaging.SubmitSubject(owner), data)
	if err != nil {
		metrics.ForwardedTotal.WithLabelValues("error").Inc()
		return protocol.ForwardReply{}, fmt.Errorf("%w: to %s: %w", ErrForward, owner, err)
	}

	var reply protocol.ForwardReply
	if err := json.Unmarshal(resp, &reply); err != nil || reply.HTTPStatus == 0 {
		metrics.ForwardedTotal.WithLabelValues("error").Inc()
		return protocol.ForwardReply{}, fmt.Errorf("%w: bad reply from %s", ErrForward, owner)
	}

	if reply.HTTPStatus < 300 {
		metrics.ForwardedTotal.WithLabelValues("ok").Inc()
	} else {
		metrics.ForwardedTotal.WithLabelValues("rejected").Inc()
	}
	log.WithFields(log.Fields{"session": req.SessionID, "owner": owner, "status": reply.HTTPStatus}).Debug("cluster: forwarded submit")
	return reply, nil
}
