package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/safar/storefront/internal/config"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/store"
	"github.com/shopspring/decimal"
)

type server struct {
	db       *sql.DB
	checkout config.CheckoutConfig
}

func newRouter(s *server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.health)

	r.Post("/users", s.createUser)
	r.Get("/users", s.listUsers)
	r.Get("/users/{id}", s.getUser)

	r.Post("/products", s.createProduct)
	r.Get("/products", s.listProducts)
	r.Get("/products/{id}", s.getProduct)
	r.Post("/products/{id}/variants", s.createVariant)
	r.Put("/variants/{id}/price", s.setVariantPrice)
	r.Post("/variants/{id}/restock", s.restockVariant)
	r.Put("/orders/{id}/status", s.updateOrderStatus)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		r.Post("/users/me/addresses", s.createAddress)
		r.Get("/users/me/addresses", s.listAddresses)

		r.Get("/cart", s.listCart)
		r.Post("/cart/items", s.addCartItem)
		r.Put("/cart/items/{id}", s.updateCartItem)
		r.Delete("/cart/items/{id}", s.removeCartItem)

		r.Post("/orders", s.placeOrder)
		r.Get("/orders", s.listOrders)
		r.Get("/orders/{id}", s.getOrder)
		r.Post("/orders/{id}/cancel", s.cancelOrder)
	})

	return r
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := store.CreateUser(r.Context(), s.db, req.Email, req.Name)
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusCreated, user)
}

func (s *server) listUsers(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pagination(r)

	result, err := store.ListUsers(r.Context(), s.db, page, pageSize)
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *server) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	user, err := store.GetUser(r.Context(), s.db, id)
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusOK, user)
}

func (s *server) createAddress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FullName      string `json:"full_name"`
		StreetAddress string `json:"street_address"`
		City          string `json:"city"`
		State         string `json:"state"`
		ZipCode       string `json:"zip_code"`
		Country       string `json:"country"`
		IsDefault     bool   `json:"is_default"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	addr, err := store.CreateAddress(r.Context(), s.db, store.CreateAddressRequest{
		UserID:        userIDFrom(r.Context()),
		FullName:      req.FullName,
		StreetAddress: req.StreetAddress,
		City:          req.City,
		State:         req.State,
		ZipCode:       req.ZipCode,
		Country:       req.Country,
		IsDefault:     req.IsDefault,
	})
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusCreated, addr)
}

func (s *server) listAddresses(w http.ResponseWriter, r *http.Request) {
	addresses, err := store.ListAddresses(r.Context(), s.db, userIDFrom(r.Context()))
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusOK, addresses)
}

func (s *server) createProduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Price       decimal.Decimal `json:"price"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	product, err := store.CreateProduct(r.Context(), s.db, req.Name, req.Description, req.Price)
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusCreated, product)
}

func (s *server) listProducts(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pagination(r)
	filter := store.ProductFilter{
		Name:   r.URL.Query().Get("name"),
		SortBy: r.URL.Query().Get("sort_by"),
	}

	result, err := store.ListProducts(r.Context(), s.db, filter, page, pageSize)
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *server) getProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	product, err := store.GetProduct(r.Context(), s.db, id)
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusOK, product)
}

func (s *server) createVariant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Size         string           `json:"size"`
		Color        string           `json:"color"`
		Price        *decimal.Decimal `json:"price"`
		InitialStock int              `json:"initial_stock"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	variant, err := store.CreateVariant(r.Context(), s.db, store.CreateVariantRequest{
		ProductID:    id,
		Size:         req.Size,
		Color:        req.Color,
		Price:        req.Price,
		InitialStock: req.InitialStock,
	})
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusCreated, variant)
}

func (s *server) setVariantPrice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Price decimal.Decimal `json:"price"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	variant, err := store.SetVariantPrice(r.Context(), s.db, id, req.Price)
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusOK, variant)
}

func (s *server) restockVariant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Quantity int `json:"quantity"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	available, err := store.Restock(r.Context(), s.db, id, req.Quantity)
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"variant_id": id, "available_quantity": available})
}

func (s *server) listCart(w http.ResponseWriter, r *http.Request) {
	lines, err := store.ListCart(r.Context(), s.db, userIDFrom(r.Context()))
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusOK, lines)
}

func (s *server) addCartItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VariantID int64 `json:"variant_id"`
		Quantity  int   `json:"quantity"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	line, err := store.AddToCart(r.Context(), s.db, userIDFrom(r.Context()), req.VariantID, req.Quantity)
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusCreated, line)
}

func (s *server) updateCartItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Quantity int `json:"quantity"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	line, err := store.UpdateCartLine(r.Context(), s.db, userIDFrom(r.Context()), id, req.Quantity)
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusOK, line)
}

func (s *server) removeCartItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := store.RemoveCartLine(r.Context(), s.db, userIDFrom(r.Context()), id); err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShippingAddressID int64 `json:"shipping_address_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.checkout.Timeout)
	defer cancel()

	opts := database.DefaultTxOptions()
	opts.MaxRetries = s.checkout.MaxRetries

	order, err := store.PlaceOrder(ctx, s.db, store.PlaceOrderRequest{
		UserID:            userIDFrom(r.Context()),
		ShippingAddressID: req.ShippingAddressID,
	}, opts)
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusCreated, order)
}

func (s *server) listOrders(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	result, err := store.ListOrdersCursor(r.Context(), s.db, userIDFrom(r.Context()), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *server) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	order, err := store.GetOrderForUser(r.Context(), s.db, userIDFrom(r.Context()), id)
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusOK, order)
}

func (s *server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	order, err := store.CancelOrder(r.Context(), s.db, userIDFrom(r.Context()), id)
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusOK, order)
}

func (s *server) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Status  string `json:"status"`
		Version int    `json:"version"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	order, err := store.UpdateOrderStatus(r.Context(), s.db, id, models.NormalizeOrderStatus(req.Status), req.Version)
	if err != nil {
		respondFailure(r.Context(), w, err)
		return
	}

	respondJSON(w, http.StatusOK, order)
}

func pagination(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, store.CodeValidation, "invalid id")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, store.CodeValidation, "invalid request body")
		return false
	}
	return true
}

var failureStatus = map[string]int{
	store.CodeValidation:        http.StatusBadRequest,
	store.CodeNotFound:          http.StatusNotFound,
	store.CodeAddressNotFound:   http.StatusNotFound,
	store.CodeForbidden:         http.StatusForbidden,
	store.CodeConflict:          http.StatusConflict,
	store.CodeInsufficientStock: http.StatusConflict,
	store.CodeStockChanged:      http.StatusConflict,
	store.CodeEmptyCart:         http.StatusConflict,
	store.CodeInvalidTransition: http.StatusConflict,
	store.CodeTimeout:           http.StatusGatewayTimeout,
	store.CodeInconsistentState: http.StatusInternalServerError,
	store.CodeInternal:          http.StatusInternalServerError,
}

func statusForFailure(code string) int {
	if status, ok := failureStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func respondFailure(ctx context.Context, w http.ResponseWriter, err error) {
	failure := store.DescribeFailure(err)
	status := statusForFailure(failure.Code)

	if status >= http.StatusInternalServerError {
		attrs := []any{
			"request_id", middleware.GetReqID(ctx),
			"code", failure.Code,
			"error", err,
		}
		if errors.Is(err, database.ErrInconsistentState) {
			attrs = append(attrs, "kind", "inconsistent_state")
		}
		slog.ErrorContext(ctx, "Request failed", attrs...)
	}

	respondJSON(w, status, failure)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Error encoding JSON response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, store.Failure{Code: code, Message: message})
}
