// Package api wires the Credential Service, User Directory, Concurrency
// Gate, Quota Ledger, and upstream client into the gateway's client-facing
// HTTP handlers (spec.md §4.6).
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vitaliisemenov/llmgateway/internal/concurrency"
	"github.com/vitaliisemenov/llmgateway/internal/credential"
	"github.com/vitaliisemenov/llmgateway/internal/directory"
	"github.com/vitaliisemenov/llmgateway/internal/gatewayerr"
	"github.com/vitaliisemenov/llmgateway/internal/logincache"
	"github.com/vitaliisemenov/llmgateway/internal/quota"
	"github.com/vitaliisemenov/llmgateway/internal/upstream"
	"github.com/vitaliisemenov/llmgateway/pkg/metrics"
)

// Handler serves the client-facing chat/login/quota endpoints.
type Handler struct {
	directory  *directory.Directory
	credential *credential.Service
	logins     *logincache.Cache
	gate       *concurrency.Gate
	ledger     *quota.Ledger
	upstream   *upstream.Client

	idleTimeout time.Duration
	loginTTL    time.Duration

	logger    *slog.Logger
	metrics   *metrics.Registry
	validator *validator.Validate
}

// Deps bundles the Handler's collaborators.
type Deps struct {
	Directory   *directory.Directory
	Credential  *credential.Service
	Logins      *logincache.Cache
	Gate        *concurrency.Gate
	Ledger      *quota.Ledger
	Upstream    *upstream.Client
	IdleTimeout time.Duration
	LoginTTL    time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Registry
}

// New constructs a Handler from its Deps.
func New(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		directory: d.Directory, credential: d.Credential, logins: d.Logins,
		gate: d.Gate, ledger: d.Ledger, upstream: d.Upstream,
		idleTimeout: d.IdleTimeout, loginTTL: d.LoginTTL,
		logger: logger, metrics: d.Metrics, validator: validator.New(),
	}
}

// loginRequest is the POST /auth/login body.
type loginRequest struct {
	Name       string `json:"name" validate:"required"`
	Credential string `json:"credential" validate:"required"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gatewayerr.New(gatewayerr.KindUnauthorized, "malformed login request"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, gatewayerr.New(gatewayerr.KindUnauthorized, "missing name or credential"))
		return
	}

	switch h.directory.Verify(req.Name, req.Credential) {
	case directory.Valid:
	case directory.Disabled:
		if h.metrics != nil {
			h.metrics.Auth().LoginsTotal.WithLabelValues("account_disabled").Inc()
		}
		writeError(w, gatewayerr.New(gatewayerr.KindAccountDisabled, "account disabled"))
		return
	default:
		if h.metrics != nil {
			h.metrics.Auth().LoginsTotal.WithLabelValues("invalid_credentials").Inc()
		}
		writeError(w, gatewayerr.New(gatewayerr.KindUnauthorized, "invalid credentials"))
		return
	}

	if h.metrics != nil {
		if _, hit := h.logins.Lookup(req.Name); hit {
			h.metrics.Auth().LoginCacheHits.Inc()
		} else {
			h.metrics.Auth().LoginCacheMisses.Inc()
		}
	}

	entry, err := h.logins.GetOrIssue(req.Name, func(principal string) (logincache.Entry, error) {
		token, exp, err := h.credential.Issue(principal)
		if err != nil {
			return logincache.Entry{}, err
		}
		return logincache.Entry{Token: token, ExpiresAt: exp}, nil
	})
	if err != nil {
		h.logger.Error("credential issuance failed", "principal", req.Name, "error", err)
		if h.metrics != nil {
			h.metrics.Auth().LoginsTotal.WithLabelValues("error").Inc()
		}
		writeError(w, gatewayerr.Wrap(gatewayerr.KindInternal, "failed to issue credential", err))
		return
	}

	if h.metrics != nil {
		h.metrics.Auth().LoginsTotal.WithLabelValues("success").Inc()
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     entry.Token,
		ExpiresIn: int(h.loginTTL.Seconds()),
	})
}

// quotaResponse is the GET /auth/quota body.
type quotaResponse struct {
	Name             string  `json:"name"`
	Tier             string  `json:"tier"`
	Limit            int     `json:"limit"`
	Used             int     `json:"used"`
	Remaining        int     `json:"remaining"`
	ResetAt          string  `json:"reset_at"`
	UsagePercentage  float64 `json:"usage_percentage"`
	Active           bool    `json:"active"`
}

// Quota handles GET /auth/quota.
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	p := h.directory.Lookup(principal)
	if p == nil {
		writeError(w, gatewayerr.New(gatewayerr.KindUnauthorized, "unknown principal"))
		return
	}

	status, err := h.ledger.Peek(principal)
	if err != nil {
		writeError(w, gatewayerr.Wrap(gatewayerr.KindInternal, "failed to read quota state", err))
		return
	}

	writeJSON(w, http.StatusOK, quotaResponse{
		Name: status.Principal, Tier: status.Tier, Limit: status.Limit,
		Used: status.Used, Remaining: status.Remaining(),
		ResetAt: status.ResetAt.Format(time.RFC3339), UsagePercentage: status.UsagePercentage(),
		Active: p.Active,
	})
}

// ChatCompletions handles POST /chat/completions, the streaming wrapper
// spec.md §4.6 specifies: validate → authorize → admit → reserve → forward
// → stream, with the Permit and Reservation owned by the response body for
// the life of the stream.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	p := h.directory.Lookup(principal)
	if p == nil {
		writeError(w, gatewayerr.New(gatewayerr.KindUnauthorized, "unknown principal"))
		return
	}
	if !p.Active {
		writeError(w, gatewayerr.New(gatewayerr.KindAccountDisabled, "account disabled"))
		return
	}

	permit, ok := h.gate.TryAcquire(principal)
	if !ok {
		if h.metrics != nil {
			h.metrics.Concurrency().Rejections.Inc()
		}
		writeError(w, gatewayerr.New(gatewayerr.KindTooManyRequests, "a request is already in flight for this account"))
		return
	}
	if h.metrics != nil {
		h.metrics.Concurrency().Admissions.Inc()
	}

	reservation, err := h.ledger.Reserve(principal)
	if err != nil {
		permit.Release()
		writeError(w, err)
		return
	}

	contentType := r.Header.Get("Content-Type")
	upstreamStart := time.Now()
	resp, err := h.upstream.ChatCompletions(r.Context(), r.Body, contentType)
	if err != nil {
		// Connect-level failure or 5xx status: nothing was streamed and no
		// chargeable work occurred, so refund.
		reservation.Refund()
		permit.Release()
		if h.metrics != nil {
			h.metrics.Upstream().RequestsTotal.WithLabelValues("connect_error").Inc()
			if ge, ok := gatewayerr.As(err); ok && ge.Kind == gatewayerr.KindUpstreamConnect {
				h.metrics.Upstream().ConnectTimeouts.Inc()
			}
		}
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.Upstream().RequestsTotal.WithLabelValues("accepted").Inc()
		h.metrics.Upstream().RequestDuration.Observe(time.Since(upstreamStart).Seconds())
	}

	// The upstream accepted the request: commit is implicit, and the
	// response body now owns both the Permit and the Reservation for the
	// remainder of the stream's lifetime.
	reservation.Commit()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	h.streamBody(r, w, flusher, resp, permit)
}

// streamBody forwards upstream bytes verbatim until the stream ends, errors,
// or the client disconnects, releasing permit exactly once on every path.
// This owns-the-resource-until-the-body-ends composition is the fix for
// what spec.md §9 calls "the principal known bug of the original
// implementation" — returning the handler and dropping the permit early.
func (h *Handler) streamBody(r *http.Request, w http.ResponseWriter, flusher http.Flusher, resp *upstream.Response, permit *concurrency.Permit) {
	defer permit.Release()
	defer resp.Body.Close()

	reader := upstream.NewIdleReader(r.Context(), resp.Body, h.idleTimeout)
	buf := make([]byte, 32*1024)

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				h.logger.Warn("client disconnected mid-stream", "error", writeErr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				h.logger.Warn("upstream stream ended with error", "error", err)
				if h.metrics != nil {
					if ge, ok := gatewayerr.As(err); ok && ge.Kind == gatewayerr.KindUpstreamIdle {
						h.metrics.Upstream().IdleTimeouts.Inc()
					}
				}
			}
			return
		}
	}
}

// authenticate extracts and validates the bearer token, writing the
// appropriate error response and returning ok=false on any failure.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		if h.metrics != nil {
			h.metrics.Auth().ValidationFailures.WithLabelValues("missing_token").Inc()
		}
		writeError(w, gatewayerr.New(gatewayerr.KindUnauthorized, "missing bearer token"))
		return "", false
	}

	principal, err := h.credential.Validate(token)
	if err != nil {
		if h.metrics != nil {
			h.metrics.Auth().ValidationFailures.WithLabelValues("invalid_token").Inc()
		}
		writeError(w, err)
		return "", false
	}
	return principal, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorBody is the JSON shape for non-streaming error responses.
type errorBody struct {
	Error  string         `json:"error"`
	Detail map[string]any `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	ge, ok := gatewayerr.As(err)
	if !ok {
		ge = gatewayerr.Wrap(gatewayerr.KindInternal, "internal error", err)
	}
	writeJSON(w, ge.HTTPStatus(), errorBody{Error: ge.Message, Detail: ge.Detail})
}
