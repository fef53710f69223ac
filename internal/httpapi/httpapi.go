package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"gestionventas/backend/internal/domain"
	"gestionventas/backend/internal/service"
	"gestionventas/backend/internal/store"
)

type API struct {
	service       *service.Service
	allowedOrigin string
}

func New(svc *service.Service, allowedOrigin string) *API {
	return &API{
		service:       svc,
		allowedOrigin: allowedOrigin,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)

	mux.HandleFunc("/empresas", a.handleCompanies)
	mux.HandleFunc("/empresas/", a.handleCompanyActions)

	mux.HandleFunc("/productos", a.handleProducts)
	mux.HandleFunc("/productos/", a.handleProductActions)

	mux.HandleFunc("/ventas", a.handleSales)
	mux.HandleFunc("/ventas/", a.handleSaleActions)

	mux.HandleFunc("/reportes/flujo_caja", a.handleCashflow)
	mux.HandleFunc("/dashboard/resumen", a.handleDashboard)

	mux.HandleFunc("/carritos", a.handleCarts)
	mux.HandleFunc("/carritos/", a.handleCartActions)

	return a.withMiddleware(mux)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleCompanies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		companies, err := a.service.ListCompanies(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, companies)
	case http.MethodPost:
		var company domain.Company
		if err := decodeJSON(r, &company); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		created, err := a.service.CreateCompany(r.Context(), company)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCompanyActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/empresas/"), "/")
	if rest == "" {
		a.handleCompanies(w, r)
		return
	}

	id, err := parseID(rest)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		company, err := a.service.GetCompany(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, company)
	case http.MethodPut:
		var company domain.Company
		if err := decodeJSON(r, &company); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err := a.service.UpdateCompany(r.Context(), id, company)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		deleted, err := a.service.DeleteCompany(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deleted)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := a.service.ListProducts(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, products)
	case http.MethodPost:
		var product domain.Product
		if err := decodeJSON(r, &product); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		created, err := a.service.CreateProduct(r.Context(), product)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/productos/"), "/")
	if rest == "" {
		a.handleProducts(w, r)
		return
	}
	if rest == "importar_excel" {
		a.handleProductImport(w, r)
		return
	}

	id, err := parseID(rest)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		product, err := a.service.GetProduct(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, product)
	case http.MethodPut:
		var product domain.Product
		if err := decodeJSON(r, &product); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err := a.service.UpdateProduct(r.Context(), id, product)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		deleted, err := a.service.DeleteProduct(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deleted)
	default:
		writeMethodNotAllowed(w)
	}
}

// handleProductImport receives a multipart .xlsx upload in the "file"
// field and applies it to the catalog.
func (a *API) handleProductImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("archivo multipart invalido"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("campo 'file' requerido"))
		return
	}
	defer func() { _ = file.Close() }()

	if !strings.EqualFold(path.Ext(header.Filename), ".xlsx") {
		writeError(w, http.StatusBadRequest, errors.New("solo se aceptan archivos .xlsx"))
		return
	}

	summary, err := a.service.ImportProducts(r.Context(), file)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter, err := saleFilterFromQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sales, err := a.service.ListSales(r.Context(), filter)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sales)
	case http.MethodPost:
		// The console posts full sale objects; server-computed fields
		// (id, compra_id, total) are ignored.
		var req domain.Sale
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var at *time.Time
		if !req.OccurredAt.IsZero() {
			at = &req.OccurredAt
		}
		sale, err := a.service.CreateSale(r.Context(), req.CompanyID, req.ProductID, req.Quantity, at)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sale)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleSaleActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ventas/"), "/")
	switch {
	case rest == "":
		a.handleSales(w, r)
	case rest == "compra":
		a.handlePurchase(w, r)
	case strings.HasPrefix(rest, "empresas/"):
		a.handleCompanyHistory(w, r, rest)
	default:
		id, err := parseID(rest)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		sale, err := a.service.GetSale(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sale)
	}
}

func (a *API) handlePurchase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.PurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.CreatePurchase(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleCompanyHistory serves /ventas/empresas/{id}/historial.
func (a *API) handleCompanyHistory(w http.ResponseWriter, r *http.Request, rest string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] != "empresas" || parts[2] != "historial" {
		writeError(w, http.StatusNotFound, errors.New("ruta desconocida"))
		return
	}
	id, err := parseID(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	history, err := a.service.CompanyHistory(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *API) handleCashflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	from, err := parseTimeParam(r.URL.Query().Get("desde"))
	if err != nil || from == nil {
		writeError(w, http.StatusBadRequest, errors.New("parametro desde requerido (ISO-8601)"))
		return
	}
	to, err := parseTimeParam(r.URL.Query().Get("hasta"))
	if err != nil || to == nil {
		writeError(w, http.StatusBadRequest, errors.New("parametro hasta requerido (ISO-8601)"))
		return
	}

	report, err := a.service.Cashflow(r.Context(), *from, *to)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	summary, err := a.service.Dashboard(r.Context(), r.URL.Query().Get("periodo"), time.Now())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleCarts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"carrito_id": a.service.CreateCart(),
	})
}

func (a *API) handleCartActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/carritos/"), "/")
	if rest == "" {
		a.handleCarts(w, r)
		return
	}

	parts := strings.Split(rest, "/")
	cartID := parts[0]

	switch {
	case len(parts) == 1:
		a.handleCart(w, r, cartID)
	case len(parts) == 2 && parts[1] == "items":
		a.handleCartItems(w, r, cartID)
	case len(parts) == 3 && parts[1] == "items":
		a.handleCartItemRemove(w, r, cartID, parts[2])
	case len(parts) == 2 && parts[1] == "confirmar":
		a.handleCartConfirm(w, r, cartID)
	default:
		writeError(w, http.StatusNotFound, errors.New("ruta desconocida"))
	}
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request, cartID string) {
	switch r.Method {
	case http.MethodGet:
		view, err := a.service.CartView(cartID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodDelete:
		if err := a.service.ClearCart(cartID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCartItems(w http.ResponseWriter, r *http.Request, cartID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CartAddRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.AddToCart(r.Context(), cartID, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCartItemRemove(w http.ResponseWriter, r *http.Request, cartID string, rawIndex string) {
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}

	index, err := strconv.Atoi(rawIndex)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("indice invalido"))
		return
	}
	view, err := a.service.RemoveFromCart(cartID, index)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCartConfirm(w http.ResponseWriter, r *http.Request, cartID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CartConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.ConfirmCart(r.Context(), cartID, req.CompanyID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func saleFilterFromQuery(r *http.Request) (domain.SaleFilter, error) {
	var filter domain.SaleFilter
	query := r.URL.Query()

	if raw := strings.TrimSpace(query.Get("empresa_id")); raw != "" {
		id, err := parseID(raw)
		if err != nil {
			return domain.SaleFilter{}, errors.New("empresa_id invalido")
		}
		filter.CompanyID = &id
	}
	if raw := strings.TrimSpace(query.Get("producto_id")); raw != "" {
		id, err := parseID(raw)
		if err != nil {
			return domain.SaleFilter{}, errors.New("producto_id invalido")
		}
		filter.ProductID = &id
	}

	from, err := parseTimeParam(query.Get("desde"))
	if err != nil {
		return domain.SaleFilter{}, errors.New("desde invalido (ISO-8601)")
	}
	filter.From = from

	to, err := parseTimeParam(query.Get("hasta"))
	if err != nil {
		return domain.SaleFilter{}, errors.New("hasta invalido (ISO-8601)")
	}
	filter.To = to

	return filter, nil
}

// parseTimeParam accepts RFC3339 instants or bare dates; empty input
// returns nil without error.
func parseTimeParam(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	return nil, errors.New("fecha invalida")
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id < 1 {
		return 0, errors.New("id invalido")
	}
	return id, nil
}

// writeServiceError maps sentinel errors from the service and store layers
// to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses get a generic message so internal details (SQL errors,
	// file paths) never reach the client; 4xx messages are user-facing.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
