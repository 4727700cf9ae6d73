package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/poastlabs/oauth-relay/instrumentation"
	"github.com/poastlabs/oauth-relay/security"
)

// maxCallbackBody bounds how much of a POST body the ingress will read.
// Real provider callbacks are a few hundred bytes.
const maxCallbackBody = 1 << 20

// Handler is the HTTP ingress for provider callbacks. It normalizes GET
// query parameters, form bodies and JSON bodies into one payload map,
// extracts state and code, and hands the result to the coordinator.
type Handler struct {
	coord   *Coordinator
	cfg     Config
	logger  *slog.Logger
	limiter *security.RateLimiter
	tracer  trace.Tracer
	metrics *instrumentation.Metrics
}

// NewHandler creates the callback ingress for coord.
func NewHandler(coord *Coordinator, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = cfg.logger()
	}
	h := &Handler{coord: coord, cfg: cfg, logger: logger}
	if cfg.RateLimit.Rate > 0 {
		h.limiter = security.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, logger)
	}
	if inst := cfg.Instrumentation; inst != nil {
		h.tracer = inst.Tracer("http")
		h.metrics = inst.Metrics()
	}
	return h
}

// RegisterRoutes mounts the callback endpoint on mux at the configured path.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(h.cfg.CallbackPath, h.HandleCallback)
}

// Close releases the rate limiter's background goroutine.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// HandleCallback serves the OAuth redirect: GET with query parameters, or
// POST with a form or JSON body. 200 when a waiter matched, 404 when none
// did, 400 when the body cannot be parsed.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	requestID := r.Header.Get(security.RequestIDHeader)
	if requestID == "" {
		requestID = security.GenerateRequestID()
	}
	ctx = security.WithRequestID(ctx, requestID)
	w.Header().Set(security.RequestIDHeader, requestID)

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "relay.http.callback")
		defer span.End()
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		h.recordHTTPMetrics(ctx, r.Method, http.StatusMethodNotAllowed, start)
		return
	}

	clientIP := security.GetClientIP(r, h.cfg.RateLimit.TrustProxy, h.cfg.RateLimit.TrustedProxyCount)
	if h.limiter != nil && !h.limiter.Allow(clientIP) {
		h.logger.Warn("callback rate limit exceeded",
			"ip", clientIP,
			"request_id", requestID)
		if h.metrics != nil {
			h.metrics.RecordRateLimitExceeded(ctx, "ip")
		}
		writeHTML(w, http.StatusTooManyRequests, errorHTML)
		h.recordHTTPMetrics(ctx, r.Method, http.StatusTooManyRequests, start)
		return
	}

	payload, err := mergePayload(r)
	if err != nil {
		h.logger.Warn("unparseable OAuth callback body",
			"error", err,
			"request_id", requestID)
		instrumentation.RecordError(span, err)
		writeHTML(w, http.StatusBadRequest, errorHTML)
		h.recordHTTPMetrics(ctx, r.Method, http.StatusBadRequest, start)
		return
	}

	state := LookupState(payload)
	code, found := ExtractCode(payload, h.cfg.CodeKeys)
	var raw Payload
	if !found {
		raw = payload
	}

	outcome := h.coord.Deliver(ctx, state, code, raw)

	status := http.StatusOK
	page := successHTML
	if outcome == OutcomeUnmatched {
		status = http.StatusNotFound
		page = errorHTML
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrDeliveryOutcome, string(outcome)),
		attribute.Bool(instrumentation.AttrCodePresent, found),
		attribute.Bool(instrumentation.AttrStatePresent, state != ""),
	)
	instrumentation.SetSpanSuccess(span)

	h.logger.Info("OAuth callback processed",
		"outcome", string(outcome),
		"status", status,
		"code_present", found,
		"request_id", requestID)

	writeHTML(w, status, page)
	h.recordHTTPMetrics(ctx, r.Method, status, start)
}

// mergePayload flattens the request into one case-preserving map. Query
// parameters are read first; a POST body, parsed by content type with a
// JSON-then-form fallback for anything else, overrides them key by key.
// Multi-valued query and form fields keep all their values.
func mergePayload(r *http.Request) (Payload, error) {
	payload := Payload{}
	mergeValues(payload, r.URL.Query())

	if r.Method != http.MethodPost {
		return payload, nil
	}

	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	switch {
	case strings.Contains(contentType, "application/json"):
		body, err := decodeJSONBody(r.Body)
		if err != nil {
			return nil, err
		}
		for k, v := range body {
			payload[k] = v
		}
	case strings.Contains(contentType, "application/x-www-form-urlencoded"):
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("parse form body: %w", err)
		}
		mergeValues(payload, r.PostForm)
	default:
		// Some providers POST without a usable content type. Try JSON
		// first, then form encoding, the way the upstream shapes allow.
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
		if err != nil {
			return nil, fmt.Errorf("read callback body: %w", err)
		}
		var body map[string]any
		if jsonErr := json.Unmarshal(raw, &body); jsonErr == nil {
			for k, v := range body {
				payload[k] = v
			}
			break
		}
		values, formErr := url.ParseQuery(string(raw))
		if formErr != nil {
			return nil, fmt.Errorf("body is neither JSON nor form encoded: %w", formErr)
		}
		mergeValues(payload, values)
	}
	return payload, nil
}

func mergeValues(payload Payload, values url.Values) {
	for k, vs := range values {
		if len(vs) == 1 {
			payload[k] = vs[0]
		} else {
			payload[k] = vs
		}
	}
}

func decodeJSONBody(body io.Reader) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(body, maxCallbackBody))
	if err != nil {
		return nil, fmt.Errorf("read callback body: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse JSON body: %w", err)
	}
	return m, nil
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, method string, status int, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordHTTPRequest(ctx, method, h.cfg.CallbackPath, status,
		float64(time.Since(start).Milliseconds()))
}
