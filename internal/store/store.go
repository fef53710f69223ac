package store

import (
	"context"
	"errors"
	"time"

	"gestionventas/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("invalid input")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConflict          = errors.New("conflict")
)

type Repository interface {
	ListCompanies(ctx context.Context) ([]domain.Company, error)
	GetCompany(ctx context.Context, id int64) (*domain.Company, error)
	CreateCompany(ctx context.Context, company domain.Company) (*domain.Company, error)
	UpdateCompany(ctx context.Context, company domain.Company) (*domain.Company, error)
	DeleteCompany(ctx context.Context, id int64) (*domain.Company, error)

	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id int64) (*domain.Product, error)

	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, error)
	// RecordSale computes the line total from the current product price,
	// debits stock and assigns the sale id, all atomically.
	RecordSale(ctx context.Context, companyID, productID int64, quantity int, at time.Time) (*domain.Sale, error)
	// RecordPurchase creates one sale line per item under a fresh shared
	// purchase id. Stock is verified for every item before anything is
	// written; on any failure no line is created and no stock moves.
	RecordPurchase(ctx context.Context, companyID int64, items []domain.PurchaseItem, at time.Time) ([]domain.Sale, int64, error)
}
