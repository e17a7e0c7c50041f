package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/elnormous/contenttype"
	log "github.com/sirupsen/logrus"

	"github.com/sserelay/relay/internal/protocol"
	"github.com/sserelay/relay/internal/session"
	"github.com/sserelay/relay/internal/sse"
)

var eventStreamMediaTypes = []contenttype.MediaType{contenttype.NewMediaType(sse.ContentType)}

// ---------------------------------------------------------------------------
// GET /sse
// ---------------------------------------------------------------------------

// handleSSE opens the event stream for a session and holds it until the
// session ends or the client goes away.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, protocol.ErrorBody{
			Error:  "not acceptable",
			Detail: "this endpoint only produces " + sse.ContentType,
		})
		return
	}

	q := r.URL.Query()
	id := q.Get("session_id")
	creds := protocol.CredentialsFromQuery(q)
	if err := validateStreamParams(id, creds); err != nil {
		writeError(w, err)
		return
	}

	writer, err := sse.NewWriter(r.Context(), w)
	if err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.relay.Open(id, creds, writer)
	if err != nil {
		writeError(w, err)
		return
	}
	writer.Start()

	select {
	case <-r.Context().Done():
		s.relay.Disconnect(sess)
	case <-writer.Done():
	}
}

func validateStreamParams(id string, creds protocol.Credentials) error {
	var missing []string
	if id == "" {
		missing = append(missing, "session_id")
	}
	if creds.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if creds.ProjectID == "" {
		missing = append(missing, "project_id")
	}
	if len(missing) > 0 {
		return protocol.Missing(missing...)
	}
	if err := protocol.ValidateSessionID(id); err != nil {
		return err
	}
	return creds.Validate()
}

// ---------------------------------------------------------------------------
// POST /messages
// ---------------------------------------------------------------------------

// handleMessages starts streaming a reply onto the session's event stream and
// acknowledges immediately. A session held by another instance is forwarded
// to it when forwarding is configured.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := protocol.DecodeSubmitRequest(body)
	if err != nil {
		writeError(w, err)
		return
	}

	err = s.relay.Submit(r.Context(), req.SessionID, req.Messages)
	if errors.Is(err, session.ErrSessionNotFound) && s.forwarder != nil {
		forwarded, ferr := s.forwarder.Forward(r.Context(), req)
		switch {
		case ferr == nil:
			writeReply(w, forwarded)
			return
		case errors.Is(ferr, session.ErrSessionNotFound):
			// Nobody holds it; keep the local verdict.
		default:
			log.WithFields(log.Fields{"session": req.SessionID, "error": ferr}).Warn("httpapi: forward failed")
			err = ferr
		}
	}
	writeReply(w, submitReply(req.SessionID, err))
}

// Submit runs a submit against the local relay and returns the response to
// send. It serves submits forwarded from other instances.
func (s *Server) Submit(ctx context.Context, req protocol.SubmitRequest) protocol.ForwardReply {
	return submitReply(req.SessionID, s.relay.Submit(ctx, req.SessionID, req.Messages))
}

func submitReply(sessionID string, err error) protocol.ForwardReply {
	if err != nil {
		return replyFor(err)
	}
	return protocol.ForwardReply{
		HTTPStatus: http.StatusAccepted,
		Ack:        &protocol.SubmitAck{Status: protocol.StatusStreamingStarted, SessionID: sessionID},
	}
}

// ---------------------------------------------------------------------------
// GET /tools, POST /execute
// ---------------------------------------------------------------------------

// handleTools proxies the provider's tool catalogue for a project.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	creds := protocol.CredentialsFromQuery(r.URL.Query())
	if err := creds.Validate(); err != nil {
		writeError(w, err)
		return
	}

	tools, err := s.provider.ListTools(r.Context(), creds)
	if err != nil {
		log.WithFields(log.Fields{"project": creds.ProjectID, "error": err}).Warn("httpapi: list tools failed")
		writeJSONError(w, http.StatusInternalServerError, protocol.ErrorBody{Error: "failed to list tools", Detail: err.Error()})
		return
	}
	writeRawJSON(w, http.StatusOK, tools)
}

// handleExecute runs a non-streamed completion and returns the provider's
// response as is.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := protocol.DecodeExecuteRequest(body)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.provider.Complete(r.Context(), req.Credentials(), req.Messages)
	if err != nil {
		log.WithFields(log.Fields{"project": req.ProjectID, "tool": req.ToolID, "error": err}).Warn("httpapi: execute failed")
		writeJSONError(w, http.StatusInternalServerError, protocol.ErrorBody{Error: "failed to execute tool", Detail: err.Error()})
		return
	}
	writeRawJSON(w, http.StatusOK, result)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &protocol.ValidationError{Field: "body", Reason: "too large"}
		}
		return nil, &protocol.ValidationError{Field: "body", Reason: err.Error()}
	}
	return body, nil
}
