package trade

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradepro/options-engine/internal/copytrade"
	"github.com/tradepro/options-engine/internal/model"
	"github.com/tradepro/options-engine/internal/store"
)

// UserHeader carries the caller's account id, set by the auth gateway.
const UserHeader = "X-User-ID"

// AdminHeader carries the admin token for /admin routes.
const AdminHeader = "X-Admin-Token"

// Handler exposes the engine over HTTP.
type Handler struct {
	engine     *Engine
	follows    *copytrade.Manager
	adminToken string
}

// NewHandler creates the HTTP layer. An empty adminToken leaves admin
// routes open, for local runs behind a trusted gateway.
func NewHandler(e *Engine, follows *copytrade.Manager, adminToken string) *Handler {
	return &Handler{engine: e, follows: follows, adminToken: adminToken}
}

// Mount registers the position, account, copy-trade and admin routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/positions", h.OpenPosition)
	r.Get("/positions", h.History)
	r.Post("/positions/{positionID}/reverse", h.ReversePosition)
	r.Delete("/positions/{positionID}", h.CancelPosition)

	r.Get("/account", h.GetAccount)
	r.Get("/assets", h.ListAssets)

	r.Get("/leaders", h.ListLeaders)
	r.Get("/leaders/mine", h.MyLeaders)
	r.Get("/followers", h.MyFollowers)
	r.Post("/leaders/{leaderID}/follow", h.Follow)
	r.Delete("/leaders/{leaderID}/follow", h.Unfollow)

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/positions/open", h.AdminOpenPositions)
		r.Post("/positions/force-close", h.AdminForceClose)
		r.Get("/settings", h.AdminGetSettings)
		r.Put("/settings", h.AdminUpdateSettings)
		r.Get("/assets", h.AdminListAssets)
		r.Get("/assets/{symbol}", h.AdminGetAsset)
		r.Put("/assets/{symbol}", h.AdminSetAsset)
		r.Delete("/assets/{symbol}", h.AdminDeleteAsset)
		r.Put("/accounts/{accountID}", h.AdminProvisionAccount)
	})
}

// --- Positions ---

// OpenPosition handles POST /api/v1/positions
func (h *Handler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	owner, ok := caller(w, r)
	if !ok {
		return
	}

	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.OwnerID = owner

	res, err := h.engine.Open(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// History handles GET /api/v1/positions?denomination=demo|real
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	owner, ok := caller(w, r)
	if !ok {
		return
	}
	denom := model.Denomination(r.URL.Query().Get("denomination"))

	positions, err := h.engine.History(r.Context(), owner, denom)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// ReversePosition handles POST /api/v1/positions/{positionID}/reverse
func (h *Handler) ReversePosition(w http.ResponseWriter, r *http.Request) {
	owner, ok := caller(w, r)
	if !ok {
		return
	}
	res, err := h.engine.Reverse(r.Context(), owner, chi.URLParam(r, "positionID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelPosition handles DELETE /api/v1/positions/{positionID}
func (h *Handler) CancelPosition(w http.ResponseWriter, r *http.Request) {
	owner, ok := caller(w, r)
	if !ok {
		return
	}
	res, err := h.engine.Cancel(r.Context(), owner, chi.URLParam(r, "positionID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Account & assets ---

// GetAccount handles GET /api/v1/account
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	owner, ok := caller(w, r)
	if !ok {
		return
	}
	acct, err := h.engine.Account(r.Context(), owner)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// ListAssets handles GET /api/v1/assets
// Returns only assets positions can currently be opened on.
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.engine.Assets(r.Context())
	if err != nil {
		writeError(w, "failed to list assets", http.StatusInternalServerError)
		return
	}
	tradable := make([]model.Asset, 0, len(assets))
	for i := range assets {
		if assets[i].Tradable() {
			tradable = append(tradable, assets[i])
		}
	}
	writeJSON(w, http.StatusOK, tradable)
}

// --- Copy trading ---

// ListLeaders handles GET /api/v1/leaders
func (h *Handler) ListLeaders(w http.ResponseWriter, r *http.Request) {
	leaders, err := h.follows.Leaders(r.Context())
	if err != nil {
		writeError(w, "failed to list leaders", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, leaderViews(leaders))
}

// MyLeaders handles GET /api/v1/leaders/mine
func (h *Handler) MyLeaders(w http.ResponseWriter, r *http.Request) {
	owner, ok := caller(w, r)
	if !ok {
		return
	}
	leaders, err := h.follows.Following(r.Context(), owner)
	if err != nil {
		writeFollowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leaderViews(leaders))
}

// MyFollowers handles GET /api/v1/followers
// Returns the ids of accounts copying the caller.
func (h *Handler) MyFollowers(w http.ResponseWriter, r *http.Request) {
	owner, ok := caller(w, r)
	if !ok {
		return
	}
	followers, err := h.follows.Followers(r.Context(), owner)
	if err != nil {
		writeFollowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, followers)
}

type leaderView struct {
	ID        string `json:"id"`
	Followers int    `json:"followers"`
}

func leaderViews(leaders []model.Account) []leaderView {
	out := make([]leaderView, 0, len(leaders))
	for _, l := range leaders {
		out = append(out, leaderView{ID: l.ID, Followers: len(l.Followers)})
	}
	return out
}

// Follow handles POST /api/v1/leaders/{leaderID}/follow
func (h *Handler) Follow(w http.ResponseWriter, r *http.Request) {
	follower, ok := caller(w, r)
	if !ok {
		return
	}
	leaderID := chi.URLParam(r, "leaderID")
	if err := h.follows.Follow(r.Context(), follower, leaderID); err != nil {
		writeFollowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "following", "leader_id": leaderID})
}

// Unfollow handles DELETE /api/v1/leaders/{leaderID}/follow
func (h *Handler) Unfollow(w http.ResponseWriter, r *http.Request) {
	follower, ok := caller(w, r)
	if !ok {
		return
	}
	leaderID := chi.URLParam(r, "leaderID")
	if err := h.follows.Unfollow(r.Context(), follower, leaderID); err != nil {
		writeFollowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unfollowed", "leader_id": leaderID})
}

// --- Admin ---

// AdminOpenPositions handles GET /api/v1/admin/positions/open
func (h *Handler) AdminOpenPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.engine.OpenPositions(r.Context())
	if err != nil {
		writeError(w, "failed to list open positions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// ForceCloseRequest is the JSON body for POST /admin/positions/force-close.
// An empty PositionID closes every open position.
type ForceCloseRequest struct {
	PositionID string `json:"position_id"`
}

// AdminForceClose handles POST /api/v1/admin/positions/force-close
func (h *Handler) AdminForceClose(w http.ResponseWriter, r *http.Request) {
	var req ForceCloseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	n, err := h.engine.ForceClose(r.Context(), req.PositionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"closed": n})
}

// AdminGetSettings handles GET /api/v1/admin/settings
func (h *Handler) AdminGetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.Settings(r.Context())
	if err != nil {
		writeError(w, "failed to load settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// AdminUpdateSettings handles PUT /api/v1/admin/settings
func (h *Handler) AdminUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var u SettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s, err := h.engine.UpdateSettings(r.Context(), u)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// AdminListAssets handles GET /api/v1/admin/assets
// Unlike /assets it includes disabled and closed-market assets.
func (h *Handler) AdminListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.engine.Assets(r.Context())
	if err != nil {
		writeError(w, "failed to list assets", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

// AdminGetAsset handles GET /api/v1/admin/assets/{symbol}
func (h *Handler) AdminGetAsset(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.Asset(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// AdminDeleteAsset handles DELETE /api/v1/admin/assets/{symbol}
func (h *Handler) AdminDeleteAsset(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if err := h.engine.DeleteAsset(r.Context(), symbol); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AdminSetAsset handles PUT /api/v1/admin/assets/{symbol}
func (h *Handler) AdminSetAsset(w http.ResponseWriter, r *http.Request) {
	var u AssetUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a, err := h.engine.SetAsset(r.Context(), chi.URLParam(r, "symbol"), u)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// AdminProvisionAccount handles PUT /api/v1/admin/accounts/{accountID}
func (h *Handler) AdminProvisionAccount(w http.ResponseWriter, r *http.Request) {
	var u AccountUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a, err := h.engine.ProvisionAccount(r.Context(), chi.URLParam(r, "accountID"), u)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken != "" {
			got := r.Header.Get(AdminHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.adminToken)) != 1 {
				writeError(w, "admin token required", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// --- Response helpers ---

func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(UserHeader)
	if id == "" {
		writeError(w, "missing "+UserHeader+" header", http.StatusUnauthorized)
		return "", false
	}
	return id, true
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeFollowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, copytrade.ErrSelfFollow), errors.Is(err, copytrade.ErrNotLeader):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	default:
		slog.Error("follow update failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
