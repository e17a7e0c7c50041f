package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/sserelay/relay/internal/cluster"
	"github.com/sserelay/relay/internal/protocol"
	"github.com/sserelay/relay/internal/relay"
	"github.com/sserelay/relay/internal/session"
	"github.com/sserelay/relay/internal/upstream"
)

// Short error strings of the JSON error body. The detail field carries the
// underlying error text.
const (
	errInvalidRequest   = "missing or invalid parameters"
	errSessionNotFound  = "session not found"
	errSessionBusy      = "session is already streaming a reply"
	errSessionInUse     = "session id already in use"
	errSessionEnded     = "session terminated"
	errUnavailable      = "service unavailable"
	errUpstreamOpen     = "failed to start upstream stream"
	errOwnerUnreachable = "session owner unreachable"
	errInternal         = "internal error"
)

// statusFor maps an error to its HTTP status and short message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, protocol.ErrValidation):
		return http.StatusBadRequest, errInvalidRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusBadRequest, errSessionNotFound
	case errors.Is(err, session.ErrSessionBusy):
		return http.StatusBadRequest, errSessionBusy
	case errors.Is(err, session.ErrDuplicateSession):
		return http.StatusBadRequest, errSessionInUse
	case errors.Is(err, session.ErrSessionTerminated):
		return http.StatusBadRequest, errSessionEnded
	case errors.Is(err, relay.ErrShuttingDown), errors.Is(err, relay.ErrCapacity):
		return http.StatusServiceUnavailable, errUnavailable
	case errors.Is(err, upstream.ErrOpen):
		return http.StatusInternalServerError, errUpstreamOpen
	case errors.Is(err, cluster.ErrForward):
		return http.StatusBadGateway, errOwnerUnreachable
	default:
		return http.StatusInternalServerError, errInternal
	}
}

// replyFor converts an error into the response sent to the caller.
func replyFor(err error) protocol.ForwardReply {
	status, msg := statusFor(err)
	return protocol.ForwardReply{
		HTTPStatus: status,
		Error:      &protocol.ErrorBody{Error: msg, Detail: err.Error()},
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeReply(w, replyFor(err))
}

func writeReply(w http.ResponseWriter, reply protocol.ForwardReply) {
	switch {
	case reply.Error != nil:
		writeJSONError(w, reply.HTTPStatus, *reply.Error)
	case reply.Ack != nil:
		writeJSON(w, reply.HTTPStatus, reply.Ack)
	default:
		w.WriteHeader(reply.HTTPStatus)
	}
}

func writeJSONError(w http.ResponseWriter, status int, body protocol.ErrorBody) {
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("httpapi: write response failed")
	}
}

func writeRawJSON(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		log.WithError(err).Debug("httpapi: write response failed")
	}
}
