package cart

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gestionventas/backend/internal/domain"
	"gestionventas/backend/internal/store"
)

// Cart accumulates purchase lines before confirmation, one line per
// product. It is not safe for concurrent use; the owning session registry
// serializes access.
type Cart struct {
	lines []domain.CartLine
}

func New() *Cart {
	return &Cart{}
}

// Add merges qty units of product into the cart. The product argument is
// the caller's current catalog snapshot: the merged line quantity may not
// exceed product.Stock at the time of the call. On any failure the cart is
// left untouched.
func (c *Cart) Add(product domain.Product, qty int) error {
	if product.ID == 0 {
		return fmt.Errorf("%w: producto inexistente", store.ErrValidation)
	}
	if qty <= 0 {
		return fmt.Errorf("%w: cantidad debe ser mayor que cero", store.ErrValidation)
	}

	idx := c.indexOf(product.ID)
	merged := qty
	if idx >= 0 {
		merged += c.lines[idx].Quantity
	}
	if merged > product.Stock {
		return fmt.Errorf("%w: stock disponible %d, solicitado %d", store.ErrInsufficientStock, product.Stock, merged)
	}

	if idx >= 0 {
		c.lines[idx].Quantity = merged
		return nil
	}
	c.lines = append(c.lines, domain.CartLine{
		ProductID: product.ID,
		Name:      product.Name,
		UnitPrice: product.Price,
		Quantity:  qty,
	})
	return nil
}

// Remove drops the line at index. Out-of-range indexes are ignored.
func (c *Cart) Remove(index int) {
	if index < 0 || index >= len(c.lines) {
		return
	}
	c.lines = append(c.lines[:index], c.lines[index+1:]...)
}

func (c *Cart) Clear() {
	c.lines = nil
}

// Lines returns a copy of the current lines in insertion order.
func (c *Cart) Lines() []domain.CartLine {
	out := make([]domain.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

// Total is the sum of unit price times quantity over all lines, using the
// prices snapshotted at Add time.
func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range c.lines {
		total = total.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return total
}

// ToPurchasePayload converts the cart into the items of a purchase request
// for companyID, dropping the price and name snapshots. The cart itself is
// not modified.
func (c *Cart) ToPurchasePayload(companyID int64) ([]domain.PurchaseItem, error) {
	if companyID == 0 {
		return nil, fmt.Errorf("%w: empresa requerida", store.ErrValidation)
	}
	if len(c.lines) == 0 {
		return nil, fmt.Errorf("%w: carrito vacio", store.ErrValidation)
	}

	items := make([]domain.PurchaseItem, 0, len(c.lines))
	for _, line := range c.lines {
		items = append(items, domain.PurchaseItem{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return items, nil
}

func (c *Cart) indexOf(productID int64) int {
	for i, line := range c.lines {
		if line.ProductID == productID {
			return i
		}
	}
	return -1
}
