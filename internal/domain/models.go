package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// The console frontend expects plain JSON numbers for money fields.
	decimal.MarshalJSONWithoutQuotes = true
}

// Company is a customer business. JSON field names keep the Spanish wire
// format the existing console frontend speaks.
type Company struct {
	ID       int64  `json:"id"`
	Name     string `json:"nombre"`
	TaxID    string `json:"rut"`
	Industry string `json:"giro,omitempty"`
	Phone    string `json:"telefono,omitempty"`
	Email    string `json:"email,omitempty"`
	Address  string `json:"direccion,omitempty"`
}

// Product is a catalog entry. Price and Cost are decimals so monetary
// arithmetic stays exact; Stock is the current on-hand quantity.
type Product struct {
	ID       int64           `json:"id"`
	Name     string          `json:"nombre"`
	Category string          `json:"categoria"`
	Price    decimal.Decimal `json:"precio"`
	Cost     decimal.Decimal `json:"costo"`
	Stock    int             `json:"stock"`
}

// Sale is one sold line. PurchaseID groups lines created by a multi-item
// purchase and is nil for standalone sales.
type Sale struct {
	ID         int64           `json:"id"`
	PurchaseID *int64          `json:"compra_id"`
	ProductID  int64           `json:"producto_id"`
	CompanyID  int64           `json:"empresa_id"`
	Quantity   int             `json:"cantidad"`
	Total      decimal.Decimal `json:"total"`
	OccurredAt time.Time       `json:"fecha"`
}

// SaleFilter narrows ListSales. Nil fields are ignored; From and To are
// inclusive bounds.
type SaleFilter struct {
	CompanyID *int64
	ProductID *int64
	From      *time.Time
	To        *time.Time
}

type PurchaseItem struct {
	ProductID int64 `json:"producto_id"`
	Quantity  int   `json:"cantidad"`
}

type PurchaseRequest struct {
	CompanyID  int64          `json:"empresa_id"`
	Items      []PurchaseItem `json:"items"`
	OccurredAt *time.Time     `json:"fecha,omitempty"`
}

type PurchaseResponse struct {
	PurchaseID   int64           `json:"compra_id"`
	CompanyID    int64           `json:"empresa_id"`
	Total        decimal.Decimal `json:"total_compra"`
	TotalItems   int             `json:"total_items"`
	LinesCreated int             `json:"lineas_creadas"`
	OccurredAt   time.Time       `json:"fecha"`
}

// CartLine is one product entry in an in-progress purchase. Name and
// UnitPrice are snapshots taken when the line was added; later catalog
// edits do not affect lines already in the cart.
type CartLine struct {
	ProductID int64           `json:"producto_id"`
	Name      string          `json:"nombre"`
	UnitPrice decimal.Decimal `json:"precio"`
	Quantity  int             `json:"cantidad"`
}

type CartAddRequest struct {
	ProductID int64 `json:"producto_id"`
	Quantity  int   `json:"cantidad"`
}

type CartConfirmRequest struct {
	CompanyID int64 `json:"empresa_id"`
}

type CartView struct {
	CartID string          `json:"carrito_id"`
	Lines  []CartLine      `json:"items"`
	Total  decimal.Decimal `json:"total"`
}

// ProductRevenue is one bar of the top-products chart.
type ProductRevenue struct {
	ProductID int64           `json:"producto_id"`
	Label     string          `json:"nombre"`
	Revenue   decimal.Decimal `json:"total"`
}

type CashflowReport struct {
	From        time.Time       `json:"fecha_inicio"`
	To          time.Time       `json:"fecha_fin"`
	TotalSales  decimal.Decimal `json:"ventas_totales"`
	TotalProfit decimal.Decimal `json:"ganancias_totales"`
	UnitsSold   int             `json:"productos_vendidos"`
}

// DashboardSummary is the server-side rendition of the console dashboard:
// KPI counters, the bucketed sales series for the requested period, top
// products by revenue and the low-stock table.
type DashboardSummary struct {
	Companies         int               `json:"kpi_empresas"`
	Products          int               `json:"kpi_productos"`
	StockTotal        int               `json:"kpi_stock_total"`
	SalesTotal        decimal.Decimal   `json:"kpi_ventas_total"`
	Period            string            `json:"periodo"`
	ChartLabels       []string          `json:"chart_labels"`
	ChartValues       []decimal.Decimal `json:"chart_values"`
	TopProducts       []ProductRevenue  `json:"top_productos"`
	LowStock          []Product         `json:"bajo_stock"`
	LowStockThreshold int               `json:"umbral_bajo_stock"`
	GeneratedAt       string            `json:"generado_en"`
}

type ImportRowError struct {
	Row     int    `json:"fila"`
	Message string `json:"error"`
}

type ImportSummary struct {
	OK          bool             `json:"ok"`
	Created     int              `json:"creados"`
	Updated     int              `json:"actualizados"`
	Errors      []ImportRowError `json:"errores"`
	TotalErrors int              `json:"total_errores"`
}
