package hub

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-quant/tradecore/internal/authstore"
)

// NewRouter assembles the Hub's HTTP surface: the WS upgrade endpoint,
// POST /login and /refresh, and a Prometheus /metrics scrape endpoint,
// wrapped in a permissive CORS handler since the WS clients are browser
// dashboards served from a different origin than the hub.
func NewRouter(h *Hub, login *LoginHandler, refresh *RefreshHandler, reg *prometheus.Registry) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.ServeWS)
	r.Handle("/login", login).Methods(http.MethodPost)
	r.Handle("/refresh", refresh).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(r)
}

// LoginHandler serves POST /login {username,password} ->
// {access_token, refresh_token}, verifying credentials against store.
type LoginHandler struct {
	Store  *authstore.Store
	Tokens *TokenIssuer
	Logger *zap.Logger
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *LoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if !h.Store.VerifyUser(req.Username, req.Password) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	pair, err := h.Tokens.IssuePair(req.Username)
	if err != nil {
		h.Logger.Error("hub: issue token pair failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, pair)
}

// RefreshHandler serves POST /refresh {refresh_token} -> {access_token}.
type RefreshHandler struct {
	Tokens *TokenIssuer
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *RefreshHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	pair, err := h.Tokens.Refresh(req.RefreshToken)
	if err != nil {
		http.Error(w, "invalid or expired refresh token", http.StatusUnauthorized)
		return
	}
	writeJSON(w, pair)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
