package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gestionventas/backend/internal/domain"
	"gestionventas/backend/internal/store"
)

type Store struct {
	mu             sync.RWMutex
	companies      map[int64]domain.Company
	products       map[int64]domain.Product
	sales          map[int64]domain.Sale
	nextCompanyID  int64
	nextProductID  int64
	nextSaleID     int64
	nextPurchaseID int64
}

func New() *Store {
	return &Store{
		companies:      make(map[int64]domain.Company),
		products:       make(map[int64]domain.Product),
		sales:          make(map[int64]domain.Sale),
		nextCompanyID:  1,
		nextProductID:  1,
		nextSaleID:     1,
		nextPurchaseID: 1,
	}
}

// NewSeeded returns a store preloaded with demo data for dev mode (the
// backend uses PostgreSQL when DATABASE_URL is set).
func NewSeeded() *Store {
	s := New()

	companies := []domain.Company{
		{Name: "Comercial Andina SpA", TaxID: "76.111.222-3", Industry: "Distribución", Phone: "+56 2 2345 6789", Email: "contacto@andina.cl", Address: "Av. Providencia 1234, Santiago"},
		{Name: "Ferretería El Martillo Ltda", TaxID: "77.333.444-5", Industry: "Ferretería", Phone: "+56 9 8765 4321", Email: "ventas@elmartillo.cl", Address: "Calle Comercio 56, Valparaíso"},
		{Name: "Minimarket Doña Rosa", TaxID: "78.555.666-7", Industry: "Retail", Email: "rosa@minimarket.cl", Address: "Los Aromos 89, Concepción"},
	}
	products := []domain.Product{
		{Name: "Café de grano 1kg", Category: "Abarrotes", Price: decimal.NewFromInt(12990), Cost: decimal.NewFromInt(8500), Stock: 40},
		{Name: "Té verde caja 20u", Category: "Abarrotes", Price: decimal.NewFromInt(3490), Cost: decimal.NewFromInt(1900), Stock: 60},
		{Name: "Azúcar 1kg", Category: "Abarrotes", Price: decimal.NewFromInt(1590), Cost: decimal.NewFromInt(1100), Stock: 2},
		{Name: "Aceite vegetal 1L", Category: "Abarrotes", Price: decimal.NewFromInt(2890), Cost: decimal.NewFromInt(2100), Stock: 25},
		{Name: "Arroz grado 1 1kg", Category: "Abarrotes", Price: decimal.NewFromInt(1790), Cost: decimal.NewFromInt(1250), Stock: 3},
		{Name: "Detergente 3kg", Category: "Limpieza", Price: decimal.NewFromInt(8990), Cost: decimal.NewFromInt(6200), Stock: 18},
	}

	ctx := context.Background()
	for _, c := range companies {
		if _, err := s.CreateCompany(ctx, c); err != nil {
			panic(fmt.Sprintf("seed company: %v", err))
		}
	}
	for _, p := range products {
		if _, err := s.CreateProduct(ctx, p); err != nil {
			panic(fmt.Sprintf("seed product: %v", err))
		}
	}
	return s
}

func (s *Store) ListCompanies(_ context.Context) ([]domain.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	companies := make([]domain.Company, 0, len(s.companies))
	for _, c := range s.companies {
		companies = append(companies, c)
	}
	slices.SortFunc(companies, func(a, b domain.Company) int {
		return int(a.ID - b.ID)
	})
	return companies, nil
}

func (s *Store) GetCompany(_ context.Context, id int64) (*domain.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	company, ok := s.companies[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &company, nil
}

func (s *Store) CreateCompany(_ context.Context, company domain.Company) (*domain.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.companies {
		if strings.EqualFold(existing.TaxID, company.TaxID) {
			return nil, fmt.Errorf("%w: rut ya registrado", store.ErrConflict)
		}
	}

	company.ID = s.nextCompanyID
	s.nextCompanyID++
	s.companies[company.ID] = company
	return &company, nil
}

func (s *Store) UpdateCompany(_ context.Context, company domain.Company) (*domain.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.companies[company.ID]; !ok {
		return nil, store.ErrNotFound
	}
	for id, existing := range s.companies {
		if id != company.ID && strings.EqualFold(existing.TaxID, company.TaxID) {
			return nil, fmt.Errorf("%w: rut ya registrado", store.ErrConflict)
		}
	}
	s.companies[company.ID] = company
	return &company, nil
}

func (s *Store) DeleteCompany(_ context.Context, id int64) (*domain.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	company, ok := s.companies[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(s.companies, id)
	return &company, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return int(a.ID - b.ID)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []int64) (map[int64]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[int64]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := s.products[id]; ok {
			result[id] = product
		}
	}
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product.ID = s.nextProductID
	s.nextProductID++
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[product.ID]; !ok {
		return nil, store.ErrNotFound
	}
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) DeleteProduct(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(s.products, id)
	return &product, nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if !matchesFilter(sale, filter) {
			continue
		}
		sales = append(sales, sale)
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		return int(a.ID - b.ID)
	})
	return sales, nil
}

func matchesFilter(sale domain.Sale, filter domain.SaleFilter) bool {
	if filter.CompanyID != nil && sale.CompanyID != *filter.CompanyID {
		return false
	}
	if filter.ProductID != nil && sale.ProductID != *filter.ProductID {
		return false
	}
	if filter.From != nil && sale.OccurredAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && sale.OccurredAt.After(*filter.To) {
		return false
	}
	return true
}

func (s *Store) GetSale(_ context.Context, id int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sale, nil
}

func (s *Store) RecordSale(_ context.Context, companyID, productID int64, quantity int, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, err := s.recordSaleLocked(companyID, productID, quantity, at, nil)
	if err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) RecordPurchase(_ context.Context, companyID int64, items []domain.PurchaseItem, at time.Time) ([]domain.Sale, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.companies[companyID]; !ok {
		return nil, 0, fmt.Errorf("%w: empresa %d", store.ErrNotFound, companyID)
	}
	if len(items) == 0 {
		return nil, 0, fmt.Errorf("%w: sin items", store.ErrValidation)
	}

	// Validate everything before writing anything: per-product demand may
	// span several items and must fit the available stock as a whole.
	demand := make(map[int64]int, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, 0, fmt.Errorf("%w: cantidad debe ser mayor que cero", store.ErrValidation)
		}
		if _, ok := s.products[item.ProductID]; !ok {
			return nil, 0, fmt.Errorf("%w: producto %d", store.ErrNotFound, item.ProductID)
		}
		demand[item.ProductID] += item.Quantity
	}
	for productID, qty := range demand {
		if product := s.products[productID]; product.Stock < qty {
			return nil, 0, fmt.Errorf("%w: producto %d tiene stock %d, solicitado %d",
				store.ErrInsufficientStock, productID, product.Stock, qty)
		}
	}

	purchaseID := s.nextPurchaseID
	s.nextPurchaseID++

	created := make([]domain.Sale, 0, len(items))
	for _, item := range items {
		sale, err := s.recordSaleLocked(companyID, item.ProductID, item.Quantity, at, &purchaseID)
		if err != nil {
			// Unreachable after the validation pass above.
			return nil, 0, err
		}
		created = append(created, *sale)
	}
	return created, purchaseID, nil
}

// recordSaleLocked assumes s.mu is held for writing.
func (s *Store) recordSaleLocked(companyID, productID int64, quantity int, at time.Time, purchaseID *int64) (*domain.Sale, error) {
	if _, ok := s.companies[companyID]; !ok {
		return nil, fmt.Errorf("%w: empresa %d", store.ErrNotFound, companyID)
	}
	product, ok := s.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: producto %d", store.ErrNotFound, productID)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: cantidad debe ser mayor que cero", store.ErrValidation)
	}
	if product.Stock < quantity {
		return nil, fmt.Errorf("%w: producto %d tiene stock %d, solicitado %d",
			store.ErrInsufficientStock, productID, product.Stock, quantity)
	}

	product.Stock -= quantity
	s.products[productID] = product

	sale := domain.Sale{
		ID:         s.nextSaleID,
		PurchaseID: purchaseID,
		ProductID:  productID,
		CompanyID:  companyID,
		Quantity:   quantity,
		Total:      product.Price.Mul(decimal.NewFromInt(int64(quantity))),
		OccurredAt: at,
	}
	s.nextSaleID++
	s.sales[sale.ID] = sale
	return &sale, nil
}
