// Package httpapi exposes the sync protocol over HTTP. One endpoint carries
// the whole exchange: the client POSTs its mutation batch and checkpoint,
// the server answers with per-mutation results, the delta and a new
// checkpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/objectql/sync/internal/common"
	"github.com/objectql/sync/internal/logging"
	"github.com/objectql/sync/internal/server/auth"
	"github.com/objectql/sync/internal/server/changelog"
	"github.com/objectql/sync/internal/server/delta"
	"github.com/objectql/sync/internal/syncwire"
)

type Handler struct {
	store         changelog.Store
	logger        logging.Logger
	secretKey     []byte
	tokenValidity time.Duration
}

func NewHandler(store changelog.Store, logger logging.Logger, secretKey []byte, tokenValidity time.Duration) *Handler {
	return &Handler{
		store:         store,
		logger:        logger,
		secretKey:     secretKey,
		tokenValidity: tokenValidity,
	}
}

// Routes returns the HTTP mux for the sync API.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sync", h.handleSync)
	mux.HandleFunc("GET /api/ping", h.handlePing)
	mux.HandleFunc("POST /api/token", h.handleToken)
	return mux
}

func (h *Handler) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleToken issues a bearer token for a replica identity. Registration is
// open; deployments needing real authentication put this endpoint behind
// their own gate.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"clientId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		h.writeError(w, http.StatusBadRequest, "clientId is required")
		return
	}

	token, err := auth.GenerateToken(req.ClientID, h.secretKey, h.tokenValidity)
	if err != nil {
		h.logger.Error(r.Context(), "token generation failed", "error", err.Error())
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if v := r.Header.Get(common.SyncVersionHeader); v != common.SyncProtocolVersion {
		h.writeError(w, http.StatusUpgradeRequired, "unsupported sync protocol version")
		return
	}

	clientID, err := h.authenticate(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	var req syncwire.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ClientID != clientID {
		h.writeError(w, http.StatusForbidden, "client id does not match token")
		return
	}

	since, err := delta.Position(ctx, h.store, clientID, req.Checkpoint)
	if errors.Is(err, common.ErrCheckpointRegression) {
		h.logger.Warn(ctx, "checkpoint regression, demanding resync",
			"client_id", clientID, "error", err.Error())
		h.writeJSON(w, http.StatusOK, &syncwire.PushResponse{Reset: true})
		return
	}
	if err != nil {
		h.logger.Error(ctx, "checkpoint lookup failed", "error", err.Error())
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.store.SetHighestSubmitted(ctx, clientID, since); err != nil {
		h.logger.Error(ctx, "checkpoint update failed", "error", err.Error())
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	results := make([]syncwire.MutationResult, 0, len(req.Mutations))
	for i := range req.Mutations {
		m := &req.Mutations[i]
		if verr := m.Validate(); verr != nil {
			results = append(results, syncwire.MutationResult{
				MutationID: m.ID,
				Status:     syncwire.StatusRejected,
				Reason:     verr.Error(),
			})
			continue
		}
		res, err := h.store.ApplyMutation(ctx, clientID, m)
		if err != nil {
			h.logger.Error(ctx, "mutation apply failed", "mutation_id", m.ID, "error", err.Error())
			h.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		results = append(results, *res)
	}

	changes, checkpoint, err := delta.Compute(ctx, h.store, clientID, since)
	if err != nil {
		h.logger.Error(ctx, "delta computation failed", "error", err.Error())
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.logger.Info(ctx, "sync handled",
		"client_id", clientID,
		"mutations", len(req.Mutations),
		"delta", len(changes),
	)

	h.writeJSON(w, http.StatusOK, &syncwire.PushResponse{
		Results:    results,
		Delta:      changes,
		Checkpoint: checkpoint,
	})
}

func (h *Handler) authenticate(r *http.Request) (string, error) {
	header := r.Header.Get(common.AuthorizationHeader)
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", common.ErrUnauthorized
	}
	return auth.GetClientIDFromToken(token, h.secretKey)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, &syncwire.ErrorResponse{Error: msg})
}
