// Package commandapi exposes the drive-thru order operations over HTTP. All
// order routes sit behind crew authentication; menu reads included, since the
// menu board is driven from the same lane-side terminal.
package commandapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/goodfood/drivethru/internal/app/identity"
	"github.com/goodfood/drivethru/internal/app/ordering"
	"github.com/goodfood/drivethru/internal/contracts"
	platformauth "github.com/goodfood/drivethru/internal/platform/auth"
	"github.com/goodfood/drivethru/internal/viewstore"
)

// Orders is the slice of the ordering service the handler drives.
type Orders interface {
	CurrentMenu(ctx context.Context) (contracts.MenuSnapshot, error)
	StartOrder(ctx context.Context) (contracts.OrderSnapshot, error)
	AddItem(ctx context.Context, orderID string, menuItemID, qty int) (contracts.OrderSnapshot, error)
	RemoveItem(ctx context.Context, orderID string, menuItemID, qty int) (contracts.OrderSnapshot, error)
	Cancel(ctx context.Context, orderID string) error
	SetCustomerName(ctx context.Context, orderID, name string) error
	Recap(ctx context.Context, orderID string) (contracts.OrderSnapshot, error)
}

type Handler struct {
	Orders        Orders
	Identity      *identity.Service
	AllowedOrigin string
}

func NewHandler(orders Orders, identitySvc *identity.Service, allowedOrigin string) *Handler {
	return &Handler{
		Orders:        orders,
		Identity:      identitySvc,
		AllowedOrigin: allowedOrigin,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/v1/auth/register", h.handleRegister)
	r.Post("/api/v1/auth/login", h.handleLogin)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Get("/api/v1/menu", h.handleCurrentMenu)
		authR.Post("/api/v1/orders", h.handleStartOrder)
		authR.Get("/api/v1/orders/{orderID}", h.handleRecap)
		authR.Post("/api/v1/orders/{orderID}/items", h.handleAddItem)
		authR.Delete("/api/v1/orders/{orderID}/items", h.handleRemoveItem)
		authR.Post("/api/v1/orders/{orderID}/cancel", h.handleCancel)
		authR.Patch("/api/v1/orders/{orderID}/customer-name", h.handleSetCustomerName)
	})

	return r
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type lineRequest struct {
	MenuItemID int `json:"menuitemid"`
	Quantity   int `json:"quantity"`
}

type customerNameRequest struct {
	CustomerNickname string `json:"customernickname"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidPassword):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrUsernameTaken):
			h.writeError(w, http.StatusConflict, "username already exists")
		default:
			h.writeError(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCurrentMenu(w http.ResponseWriter, r *http.Request) {
	menu, err := h.Orders.CurrentMenu(r.Context())
	if err != nil {
		h.writeOrderError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, menu)
}

func (h *Handler) handleStartOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.StartOrder(r.Context())
	if err != nil {
		h.writeOrderError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) handleRecap(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.Recap(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeOrderError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	order, err := h.Orders.AddItem(r.Context(), chi.URLParam(r, "orderID"), req.MenuItemID, req.Quantity)
	if err != nil {
		h.writeOrderError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	order, err := h.Orders.RemoveItem(r.Context(), chi.URLParam(r, "orderID"), req.MenuItemID, req.Quantity)
	if err != nil {
		h.writeOrderError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if err := h.Orders.Cancel(r.Context(), orderID); err != nil {
		h.writeOrderError(w, err)
		return
	}
	claims := claimsFromContext(r.Context())
	log.Printf("order %s canceled by crew %s", orderID, claims.Username)
	order, err := h.Orders.Recap(r.Context(), orderID)
	if err != nil {
		h.writeOrderError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handleSetCustomerName(w http.ResponseWriter, r *http.Request) {
	var req customerNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	orderID := chi.URLParam(r, "orderID")
	if err := h.Orders.SetCustomerName(r.Context(), orderID, req.CustomerNickname); err != nil {
		h.writeOrderError(w, err)
		return
	}
	order, err := h.Orders.Recap(r.Context(), orderID)
	if err != nil {
		h.writeOrderError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

// writeOrderError maps the ordering service's sentinel errors onto HTTP
// statuses. Anything unrecognized is a 500 with a generic message so store
// internals never leak to the lane terminal.
func (h *Handler) writeOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ordering.ErrOrderIDRequired),
		errors.Is(err, ordering.ErrQuantityInvalid),
		errors.Is(err, ordering.ErrNameRequired),
		errors.Is(err, ordering.ErrUnknownMenuItem):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ordering.ErrOrderNotFound),
		errors.Is(err, ordering.ErrNoMenuAvailable):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, viewstore.ErrConflict):
		h.writeError(w, http.StatusConflict, "order is being updated, retry")
	default:
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" {
		return "*"
	}
	if allowed == "*" {
		return allowed
	}

	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed {
		return origin
	}
	if isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	if a.Port() != b.Port() {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Identity.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := contextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}
