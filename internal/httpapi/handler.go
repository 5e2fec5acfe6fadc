package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/activityd/internal/core"
	"pkt.systems/activityd/internal/correlation"
	"pkt.systems/activityd/internal/svcfields"
	"pkt.systems/activityd/internal/uuidv7"
	"pkt.systems/pslog"
)

const (
	headerCorrelationID = correlation.HeaderName
	contentTypeNDJSON   = "application/x-ndjson"
	defaultJSONMaxBytes = 64 << 10
)

// Handler wires HTTP endpoints to the coordinator.
type Handler struct {
	svc                *core.Service
	logger             pslog.Logger
	tracer             trace.Tracer
	machine            string
	jsonMaxBytes       int64
	httpTracingEnabled bool
	reapOnStreamClose  bool
	ready              func() bool

	streamsMu sync.Mutex
	streams   map[core.ClientID]struct{}
}

// Config groups the dependencies required by Handler.
type Config struct {
	Service *core.Service
	Logger  pslog.Logger
	// Machine names the coordinator host in connect responses.
	Machine      string
	JSONMaxBytes int64
	// EnableHTTPTracing wraps every route with otelhttp spans.
	EnableHTTPTracing bool
	// ReapOnStreamClose disconnects a client when its event stream ends.
	ReapOnStreamClose bool
	// Ready reports readiness for /readyz. Nil means always ready.
	Ready func() bool
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	maxBytes := cfg.JSONMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultJSONMaxBytes
	}
	return &Handler{
		svc:                cfg.Service,
		logger:             svcfields.EnsureLogger(cfg.Logger),
		tracer:             otel.Tracer("pkt.systems/activityd/httpapi"),
		machine:            cfg.Machine,
		jsonMaxBytes:       maxBytes,
		httpTracingEnabled: cfg.EnableHTTPTracing,
		reapOnStreamClose:  cfg.ReapOnStreamClose,
		ready:              cfg.Ready,
		streams:            make(map[core.ClientID]struct{}),
	}
}

// Register wires the routes under /v1 and health endpoints.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/connect", h.wrap("connect", h.handleConnect))
	mux.Handle("/v1/disconnect", h.wrap("disconnect", h.handleDisconnect))
	mux.Handle("/v1/state", h.wrap("state", h.handleState))
	mux.Handle("/v1/transition", h.wrap("transition", h.handleTransition))
	mux.Handle("/v1/ack", h.wrap("ack", h.handleAck))
	mux.Handle("/v1/events", h.wrap("events", h.handleEvents))
	mux.Handle("/v1/machine", h.wrap("machine", h.handleMachine))
	mux.Handle("/v1/status", h.wrap("status", h.handleStatus))
	mux.Handle("/v1/history", h.wrap("history", h.handleHistory))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "activityd.http." + operation
	opSpanName := "activityd.op." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := uuidv7.NewString()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, opSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("activityd.sys", sys),
					attribute.String("activityd.operation", operation),
					attribute.String("activityd.route", r.URL.Path),
				),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx, cid := correlation.Ensure(ctx, r.Header.Get(headerCorrelationID))
		logger = logger.With("cid", cid)
		if instrument {
			span.SetAttributes(attribute.String("activityd.correlation_id", cid))
		}
		ctx = pslog.ContextWithLogger(ctx, logger)
		w.Header().Set(headerCorrelationID, cid)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		err := fn(w, r)
		if err == nil {
			if instrument {
				span.SetStatus(codes.Ok, "")
			}
			logger.Trace("http.request.complete", "elapsed", time.Since(start))
			return
		}
		if errors.Is(err, context.Canceled) {
			logger.Trace("http.request.canceled", "elapsed", time.Since(start))
			return
		}
		if instrument {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
			var httpErr httpError
			if errors.As(err, &httpErr) {
				span.SetAttributes(
					attribute.String("activityd.error_code", httpErr.Code),
					attribute.Int("activityd.error_status", httpErr.Status),
				)
			}
		}
		logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
		h.handleError(ctx, w, err)
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) claimStream(id core.ClientID) bool {
	h.streamsMu.Lock()
	defer h.streamsMu.Unlock()
	if _, ok := h.streams[id]; ok {
		return false
	}
	h.streams[id] = struct{}{}
	return true
}

func (h *Handler) releaseStream(id core.ClientID) {
	h.streamsMu.Lock()
	delete(h.streams, id)
	h.streamsMu.Unlock()
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func methodNotAllowed(allowed ...string) error {
	return httpError{
		Status: http.StatusMethodNotAllowed,
		Code:   "method_not_allowed",
		Detail: "allowed: " + strings.Join(allowed, ", "),
	}
}
