package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gestionventas/backend/internal/analytics"
	"gestionventas/backend/internal/cache"
	"gestionventas/backend/internal/cart"
	"gestionventas/backend/internal/domain"
	"gestionventas/backend/internal/excel"
	"gestionventas/backend/internal/store"
	"gestionventas/backend/internal/xid"
)

// cartSessionTTL bounds how long an untouched cart survives. Stale
// sessions are evicted lazily on the next registry access.
const cartSessionTTL = 24 * time.Hour

// maxImportErrors caps the per-row errors returned to the client; the
// total count is always reported.
const maxImportErrors = 50

const dashboardCachePrefix = "gestionventas:dashboard:"

type cartSession struct {
	cart     *cart.Cart
	lastUsed time.Time
}

type Service struct {
	repo     store.Repository
	cache    cache.DashboardCache
	cacheTTL time.Duration

	mu    sync.Mutex
	carts map[string]*cartSession
}

func New(repo store.Repository, dashboardCache cache.DashboardCache, cacheTTL time.Duration) *Service {
	if dashboardCache == nil {
		dashboardCache = cache.NoopDashboardCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 20 * time.Second
	}
	return &Service{
		repo:     repo,
		cache:    dashboardCache,
		cacheTTL: cacheTTL,
		carts:    make(map[string]*cartSession),
	}
}

func (s *Service) ListCompanies(ctx context.Context) ([]domain.Company, error) {
	return s.repo.ListCompanies(ctx)
}

func (s *Service) GetCompany(ctx context.Context, id int64) (*domain.Company, error) {
	return s.repo.GetCompany(ctx, id)
}

func (s *Service) CreateCompany(ctx context.Context, company domain.Company) (*domain.Company, error) {
	if err := normalizeCompany(&company); err != nil {
		return nil, err
	}
	company.ID = 0
	return s.repo.CreateCompany(ctx, company)
}

func (s *Service) UpdateCompany(ctx context.Context, id int64, company domain.Company) (*domain.Company, error) {
	if err := normalizeCompany(&company); err != nil {
		return nil, err
	}
	company.ID = id
	return s.repo.UpdateCompany(ctx, company)
}

func (s *Service) DeleteCompany(ctx context.Context, id int64) (*domain.Company, error) {
	return s.repo.DeleteCompany(ctx, id)
}

func normalizeCompany(company *domain.Company) error {
	company.Name = strings.TrimSpace(company.Name)
	company.TaxID = strings.TrimSpace(company.TaxID)
	company.Industry = strings.TrimSpace(company.Industry)
	company.Phone = strings.TrimSpace(company.Phone)
	company.Email = strings.TrimSpace(company.Email)
	company.Address = strings.TrimSpace(company.Address)

	if company.Name == "" {
		return fmt.Errorf("%w: nombre requerido", store.ErrValidation)
	}
	if company.TaxID == "" {
		return fmt.Errorf("%w: rut requerido", store.ErrValidation)
	}
	return nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, id)
}

func (s *Service) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if err := normalizeProduct(&product); err != nil {
		return nil, err
	}
	product.ID = 0
	return s.repo.CreateProduct(ctx, product)
}

func (s *Service) UpdateProduct(ctx context.Context, id int64, product domain.Product) (*domain.Product, error) {
	if err := normalizeProduct(&product); err != nil {
		return nil, err
	}
	product.ID = id
	return s.repo.UpdateProduct(ctx, product)
}

func (s *Service) DeleteProduct(ctx context.Context, id int64) (*domain.Product, error) {
	return s.repo.DeleteProduct(ctx, id)
}

func normalizeProduct(product *domain.Product) error {
	product.Name = strings.TrimSpace(product.Name)
	product.Category = strings.TrimSpace(product.Category)

	if product.Name == "" {
		return fmt.Errorf("%w: nombre requerido", store.ErrValidation)
	}
	if product.Category == "" {
		return fmt.Errorf("%w: categoria requerida", store.ErrValidation)
	}
	if product.Price.IsNegative() {
		return fmt.Errorf("%w: precio no puede ser negativo", store.ErrValidation)
	}
	if product.Cost.IsNegative() {
		return fmt.Errorf("%w: costo no puede ser negativo", store.ErrValidation)
	}
	if product.Stock < 0 {
		return fmt.Errorf("%w: stock no puede ser negativo", store.ErrValidation)
	}
	return nil
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, filter)
}

func (s *Service) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	return s.repo.GetSale(ctx, id)
}

// CreateSale records one sale line. The total comes from the current
// product price and stock is debited atomically; fecha defaults to now.
func (s *Service) CreateSale(ctx context.Context, companyID, productID int64, quantity int, at *time.Time) (*domain.Sale, error) {
	occurredAt := time.Now().UTC()
	if at != nil {
		occurredAt = at.UTC()
	}

	sale, err := s.repo.RecordSale(ctx, companyID, productID, quantity, occurredAt)
	if err != nil {
		return nil, err
	}
	s.invalidateDashboard(ctx)
	return sale, nil
}

// CompanyHistory lists a company's sales. An unknown company and an empty
// history both report not found, which is what the console expects.
func (s *Service) CompanyHistory(ctx context.Context, companyID int64) ([]domain.Sale, error) {
	if _, err := s.repo.GetCompany(ctx, companyID); err != nil {
		return nil, err
	}
	sales, err := s.repo.ListSales(ctx, domain.SaleFilter{CompanyID: &companyID})
	if err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return nil, fmt.Errorf("%w: empresa %d sin ventas", store.ErrNotFound, companyID)
	}
	return sales, nil
}

// CreatePurchase records a multi-item purchase as one sale line per item
// under a shared purchase id. Validation is all-or-nothing: any bad item
// leaves stock and sales untouched.
func (s *Service) CreatePurchase(ctx context.Context, req domain.PurchaseRequest) (*domain.PurchaseResponse, error) {
	if req.CompanyID < 1 {
		return nil, fmt.Errorf("%w: empresa requerida", store.ErrValidation)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: sin items", store.ErrValidation)
	}

	occurredAt := time.Now().UTC()
	if req.OccurredAt != nil {
		occurredAt = req.OccurredAt.UTC()
	}

	sales, purchaseID, err := s.repo.RecordPurchase(ctx, req.CompanyID, req.Items, occurredAt)
	if err != nil {
		return nil, err
	}
	s.invalidateDashboard(ctx)

	total := decimal.Zero
	totalItems := 0
	for _, sale := range sales {
		total = total.Add(sale.Total)
		totalItems += sale.Quantity
	}
	return &domain.PurchaseResponse{
		PurchaseID:   purchaseID,
		CompanyID:    req.CompanyID,
		Total:        total,
		TotalItems:   totalItems,
		LinesCreated: len(sales),
		OccurredAt:   occurredAt,
	}, nil
}

// Cashflow reports revenue, units and profit for the inclusive range.
// Profit uses the current catalog cost, not the cost at sale time.
func (s *Service) Cashflow(ctx context.Context, from, to time.Time) (*domain.CashflowReport, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: hasta debe ser mayor o igual a desde", store.ErrValidation)
	}

	sales, err := s.repo.ListSales(ctx, domain.SaleFilter{From: &from, To: &to})
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(sales))
	seen := make(map[int64]struct{}, len(sales))
	for _, sale := range sales {
		if _, ok := seen[sale.ProductID]; ok {
			continue
		}
		seen[sale.ProductID] = struct{}{}
		ids = append(ids, sale.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	report := analytics.Cashflow(sales, products, from, to)
	return &report, nil
}

// Dashboard composes the console dashboard for the requested period,
// serving from cache when a fresh copy exists.
func (s *Service) Dashboard(ctx context.Context, period string, now time.Time) (*domain.DashboardSummary, error) {
	period = analytics.NormalizeGranularity(period)
	key := dashboardCachePrefix + period

	if cached, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		return cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: dashboard cache get: %v", err)
	}

	companies, err := s.repo.ListCompanies(ctx)
	if err != nil {
		return nil, err
	}
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	sales, err := s.repo.ListSales(ctx, domain.SaleFilter{})
	if err != nil {
		return nil, err
	}

	productMap := make(map[int64]domain.Product, len(products))
	stockTotal := 0
	for _, p := range products {
		productMap[p.ID] = p
		stockTotal += p.Stock
	}
	salesTotal := decimal.Zero
	for _, sale := range sales {
		salesTotal = salesTotal.Add(sale.Total)
	}

	labels, values := analytics.AggregateByBucket(sales, period, now)
	summary := &domain.DashboardSummary{
		Companies:         len(companies),
		Products:          len(products),
		StockTotal:        stockTotal,
		SalesTotal:        salesTotal,
		Period:            period,
		ChartLabels:       labels,
		ChartValues:       values,
		TopProducts:       analytics.TopProductsByRevenue(sales, productMap, 5),
		LowStock:          analytics.LowStock(products, analytics.DefaultLowStockThreshold),
		LowStockThreshold: analytics.DefaultLowStockThreshold,
		GeneratedAt:       now.UTC().Format(time.RFC3339),
	}

	if err := s.cache.Set(ctx, key, summary, s.cacheTTL); err != nil {
		log.Printf("[service] WARN: dashboard cache set: %v", err)
	}
	return summary, nil
}

// invalidateDashboard drops every cached dashboard period after a write
// that changes sales or stock.
func (s *Service) invalidateDashboard(ctx context.Context) {
	keys := []string{
		dashboardCachePrefix + analytics.GranularityDay,
		dashboardCachePrefix + analytics.GranularityWeek,
		dashboardCachePrefix + analytics.GranularityMonth,
	}
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		log.Printf("[service] WARN: dashboard cache invalidate: %v", err)
	}
}

// ImportProducts parses an uploaded workbook and applies it to the
// catalog: rows carrying an id update that product, the rest create new
// ones. Row-level failures never abort the import.
func (s *Service) ImportProducts(ctx context.Context, r io.Reader) (*domain.ImportSummary, error) {
	rows, rowErrors, err := excel.ParseProducts(r)
	if err != nil {
		return nil, err
	}

	summary := domain.ImportSummary{Errors: rowErrors}
	for _, row := range rows {
		product := row.Product
		if err := normalizeProduct(&product); err != nil {
			summary.Errors = append(summary.Errors, domain.ImportRowError{Row: row.Line, Message: errMessage(err)})
			continue
		}

		if row.HasID {
			if _, err := s.repo.UpdateProduct(ctx, product); err != nil {
				summary.Errors = append(summary.Errors, domain.ImportRowError{Row: row.Line, Message: errMessage(err)})
				continue
			}
			summary.Updated++
			continue
		}

		product.ID = 0
		if _, err := s.repo.CreateProduct(ctx, product); err != nil {
			summary.Errors = append(summary.Errors, domain.ImportRowError{Row: row.Line, Message: errMessage(err)})
			continue
		}
		summary.Created++
	}

	summary.TotalErrors = len(summary.Errors)
	summary.OK = summary.TotalErrors == 0
	if len(summary.Errors) > maxImportErrors {
		summary.Errors = summary.Errors[:maxImportErrors]
	}
	return &summary, nil
}

func errMessage(err error) string {
	msg := err.Error()
	// The operator reads the row message, not the sentinel prefix.
	if idx := strings.Index(msg, ": "); idx >= 0 {
		return msg[idx+2:]
	}
	return msg
}

// CreateCart opens a fresh server-held cart session and returns its id.
func (s *Service) CreateCart() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictStaleLocked(time.Now())

	id := xid.New("cart")
	s.carts[id] = &cartSession{cart: cart.New(), lastUsed: time.Now()}
	return id
}

// CartView returns the current lines and total of a cart session.
func (s *Service) CartView(cartID string) (*domain.CartView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.sessionLocked(cartID)
	if err != nil {
		return nil, err
	}
	return cartViewLocked(cartID, session), nil
}

// AddToCart merges a product into the session cart, validating the request
// against the current catalog snapshot.
func (s *Service) AddToCart(ctx context.Context, cartID string, req domain.CartAddRequest) (*domain.CartView, error) {
	product, err := s.repo.GetProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.sessionLocked(cartID)
	if err != nil {
		return nil, err
	}
	if err := session.cart.Add(*product, req.Quantity); err != nil {
		return nil, err
	}
	return cartViewLocked(cartID, session), nil
}

// RemoveFromCart drops the line at index; out-of-range is a no-op.
func (s *Service) RemoveFromCart(cartID string, index int) (*domain.CartView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.sessionLocked(cartID)
	if err != nil {
		return nil, err
	}
	session.cart.Remove(index)
	return cartViewLocked(cartID, session), nil
}

// ClearCart empties a session cart without closing the session.
func (s *Service) ClearCart(cartID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.sessionLocked(cartID)
	if err != nil {
		return err
	}
	session.cart.Clear()
	return nil
}

// ConfirmCart submits the cart as a purchase for the company. On success
// the cart is emptied; on failure it is left intact so the operator can
// correct and retry.
func (s *Service) ConfirmCart(ctx context.Context, cartID string, companyID int64) (*domain.PurchaseResponse, error) {
	s.mu.Lock()
	session, err := s.sessionLocked(cartID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	items, err := session.cart.ToPurchasePayload(companyID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	resp, err := s.CreatePurchase(ctx, domain.PurchaseRequest{CompanyID: companyID, Items: items})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if session, ok := s.carts[cartID]; ok {
		session.cart.Clear()
		session.lastUsed = time.Now()
	}
	s.mu.Unlock()
	return resp, nil
}

func cartViewLocked(cartID string, session *cartSession) *domain.CartView {
	return &domain.CartView{
		CartID: cartID,
		Lines:  session.cart.Lines(),
		Total:  session.cart.Total(),
	}
}

// sessionLocked assumes s.mu is held. It refreshes the session's idle
// timer on every hit.
func (s *Service) sessionLocked(cartID string) (*cartSession, error) {
	s.evictStaleLocked(time.Now())

	session, ok := s.carts[cartID]
	if !ok {
		return nil, fmt.Errorf("%w: carrito %s", store.ErrNotFound, cartID)
	}
	session.lastUsed = time.Now()
	return session, nil
}

func (s *Service) evictStaleLocked(now time.Time) {
	for id, session := range s.carts {
		if now.Sub(session.lastUsed) > cartSessionTTL {
			delete(s.carts, id)
		}
	}
}
