// Package adminapi implements the loopback-only administrative surface for
// managing principals in the User Directory (spec.md §6).
package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/vitaliisemenov/llmgateway/internal/directory"
	"github.com/vitaliisemenov/llmgateway/internal/gatewayerr"
	"github.com/vitaliisemenov/llmgateway/internal/logincache"
)

// Handler serves the /admin/users endpoints. Loopback enforcement is a
// middleware concern (internal/middleware.LoopbackOnly); this handler
// assumes it has already been applied.
type Handler struct {
	directory *directory.Directory
	logins    *logincache.Cache
	logger    *slog.Logger
	validator *validator.Validate
}

// New constructs an admin Handler.
func New(dir *directory.Directory, logins *logincache.Cache, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{directory: dir, logins: logins, logger: logger, validator: validator.New()}
}

// Register wires the admin routes onto router, a subrouter already scoped
// to the "/admin" path prefix by the caller.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/users", h.ListUsers).Methods(http.MethodGet)
	router.HandleFunc("/users", h.CreateUser).Methods(http.MethodPost)
	router.HandleFunc("/users/{name}", h.GetUser).Methods(http.MethodGet)
	router.HandleFunc("/users/{name}/active", h.SetActive).Methods(http.MethodPost)
}

type userRecord struct {
	Name      string `json:"name"`
	Tier      string `json:"tier"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toRecord(p *directory.Principal) userRecord {
	return userRecord{
		Name: p.Name, Tier: string(p.Tier), Active: p.Active,
		CreatedAt: p.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt: p.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// ListUsers handles GET /admin/users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	principals := h.directory.List()
	records := make([]userRecord, 0, len(principals))
	for _, p := range principals {
		records = append(records, toRecord(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": records})
}

// GetUser handles GET /admin/users/{name}.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	p := h.directory.Lookup(name)
	if p == nil {
		writeError(w, gatewayerr.New(gatewayerr.KindUnauthorized, "unknown principal"))
		return
	}
	writeJSON(w, http.StatusOK, toRecord(p))
}

type createUserRequest struct {
	Name       string `json:"name" validate:"required"`
	Credential string `json:"credential" validate:"required"`
	Tier       string `json:"tier" validate:"required,oneof=basic pro premium"`
}

// CreateUser handles POST /admin/users.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gatewayerr.New(gatewayerr.KindInternal, "malformed request body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, gatewayerr.Wrap(gatewayerr.KindInternal, "invalid request", err))
		return
	}

	digest, err := directory.HashCredential(req.Credential)
	if err != nil {
		writeError(w, gatewayerr.Wrap(gatewayerr.KindInternal, "failed to hash credential", err))
		return
	}

	now := directory.Now()
	p := &directory.Principal{
		Name: req.Name, CredentialDigest: digest, Tier: directory.Tier(req.Tier),
		Active: true, CreatedAt: now, UpdatedAt: now,
	}
	if err := h.directory.Upsert(p); err != nil {
		writeError(w, gatewayerr.Wrap(gatewayerr.KindInternal, "failed to persist user", err))
		return
	}

	h.logger.Info("admin created user", "name", req.Name, "tier", req.Tier)
	writeJSON(w, http.StatusOK, toRecord(p))
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

// SetActive handles POST /admin/users/{name}/active.
func (h *Handler) SetActive(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req setActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gatewayerr.New(gatewayerr.KindInternal, "malformed request body"))
		return
	}

	p, err := h.directory.SetActive(name, req.Active)
	if err != nil {
		writeError(w, gatewayerr.New(gatewayerr.KindUnauthorized, "unknown principal"))
		return
	}
	if !req.Active {
		h.logins.Invalidate(name)
	}

	h.logger.Info("admin updated account status", "name", name, "active", req.Active)
	writeJSON(w, http.StatusOK, toRecord(p))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	ge, ok := gatewayerr.As(err)
	if !ok {
		ge = gatewayerr.Wrap(gatewayerr.KindInternal, "internal error", err)
	}
	writeJSON(w, ge.HTTPStatus(), errorBody{Error: ge.Message})
}
