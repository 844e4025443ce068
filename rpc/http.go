package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/topos-tce/tce-node/berrors"
	"github.com/topos-tce/tce-node/blog"
)

// RequestIDHeader carries the correlation id assigned to a request,
// generated on first receipt and echoed back to the caller so a single
// SubmitCertificate/FetchCheckpoint/FetchCertificates call can be traced
// across a requester's logs and this node's.
const RequestIDHeader = "X-Request-Id"

// RequestEvent is a structured record of the metadata worth logging for
// a single RPC request. Adapted from AKJUS-boulder/web.RequestEvent: the
// same "populate while handling, log once at the end" shape, without the
// ACME-specific fields (UserAgent, Identifiers, ChallengeType, ...) that
// don't apply to this surface.
type RequestEvent struct {
	Method    string  `json:"-"`
	Endpoint  string  `json:"-"`
	Code      int     `json:"-"`
	Latency   float64 `json:"-"`
	RealIP    string  `json:"-"`
	RequestID string  `json:"request_id"`

	InternalErrors []string `json:",omitempty"`
	Error          string   `json:",omitempty"`

	suppressed bool `json:"-"`
}

// AddError appends an internal error to the event and un-suppresses it.
func (e *RequestEvent) AddError(format string, args ...interface{}) {
	e.InternalErrors = append(e.InternalErrors, fmt.Sprintf(format, args...))
	e.suppressed = false
}

// Suppress stops the event from being logged, unless an internal error
// has already been recorded on it.
func (e *RequestEvent) Suppress() {
	if len(e.InternalErrors) == 0 {
		e.suppressed = true
	}
}

// HandlerFunc adapts a plain function to rpcHandler, mirroring
// AKJUS-boulder/web.WFEHandlerFunc.
type HandlerFunc func(context.Context, *RequestEvent, http.ResponseWriter, *http.Request)

func (f HandlerFunc) ServeHTTP(e *RequestEvent, w http.ResponseWriter, r *http.Request) {
	f(r.Context(), e, w, r)
}

type rpcHandler interface {
	ServeHTTP(e *RequestEvent, w http.ResponseWriter, r *http.Request)
}

// routeTable is a flat path-to-handler map that satisfies rpcHandler by
// dispatching on r.URL.Path, standing in for http.ServeMux here since
// the stdlib mux only dispatches plain http.Handlers and this package's
// handlers need the shared *RequestEvent threaded through instead.
type routeTable map[string]HandlerFunc

func (rt routeTable) ServeHTTP(e *RequestEvent, w http.ResponseWriter, r *http.Request) {
	h, ok := rt[r.URL.Path]
	if !ok {
		writeError(e, w, http.StatusNotFound, "no route for %s", r.URL.Path)
		return
	}
	e.Endpoint = r.URL.Path
	h.ServeHTTP(e, w, r)
}

// TopHandler wraps an rpcHandler with request timing and logging,
// adapted from AKJUS-boulder/web.TopHandler.
type TopHandler struct {
	handler rpcHandler
	log     blog.Logger
}

func NewTopHandler(log blog.Logger, handler rpcHandler) *TopHandler {
	return &TopHandler{handler: handler, log: log}
}

type responseWriterWithStatus struct {
	http.ResponseWriter
	code int
}

func (r *responseWriterWithStatus) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (th *TopHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	realIP := r.Header.Get("X-Real-IP")
	if _, err := netip.ParseAddr(realIP); err != nil {
		realIP = "0.0.0.0"
	}

	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, requestID)

	logEvent := &RequestEvent{RealIP: realIP, Method: r.Method, Endpoint: r.URL.Path, RequestID: requestID}

	begin := time.Now()
	rwws := &responseWriterWithStatus{w, 0}
	defer func() {
		logEvent.Code = rwws.code
		if logEvent.Code == 0 {
			logEvent.Code = http.StatusOK
		}
		logEvent.Latency = time.Since(begin).Seconds()
		th.logEvent(logEvent)
	}()
	th.handler.ServeHTTP(logEvent, rwws, r)
}

func (th *TopHandler) logEvent(logEvent *RequestEvent) {
	if logEvent.suppressed {
		return
	}
	jsonEvent, err := json.Marshal(logEvent)
	if err != nil {
		th.log.AuditErrf("rpc: failed to marshal logEvent: %s", err)
		return
	}
	th.log.Infof("%s %s %d %d %s JSON=%s",
		logEvent.Method, logEvent.Endpoint, logEvent.Code, int(logEvent.Latency*1000), logEvent.RealIP, jsonEvent)
}

// decodeJSON reads and decodes a JSON request body into v, writing a 400
// and returning false on failure.
func decodeJSON(e *RequestEvent, w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(e, w, http.StatusBadRequest, "decoding request body: %s", err)
		return false
	}
	return true
}

func writeJSON(e *RequestEvent, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		e.AddError("encoding response: %s", err)
	}
}

func writeError(e *RequestEvent, w http.ResponseWriter, status int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if status >= 500 {
		e.AddError("%s", msg)
	} else {
		e.Error = msg
	}
	writeJSON(e, w, status, ErrorResponse{Error: msg})
}

// writeErrorForErr classifies err via berrors.TCEError and writes the
// matching HTTP status, falling back to 500 for anything unclassified:
// one switch, one line per ErrorKind.
func writeErrorForErr(e *RequestEvent, w http.ResponseWriter, err error) {
	writeError(e, w, statusForError(err), "%s", err)
}

func statusForError(err error) int {
	var tceErr *berrors.TCEError
	if !errors.As(err, &tceErr) {
		return http.StatusInternalServerError
	}
	switch tceErr.Kind {
	case berrors.InvalidCertificate, berrors.ProofInsufficient:
		return http.StatusBadRequest
	case berrors.PositionAlreadyTaken:
		return http.StatusConflict
	case berrors.PrecedenceUnsatisfied:
		return http.StatusAccepted
	case berrors.StaleView, berrors.BufferFull, berrors.RpcTransient, berrors.StorageIO:
		return http.StatusServiceUnavailable
	case berrors.Shutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
