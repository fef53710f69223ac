// Package excel parses product import workbooks uploaded by the console.
package excel

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"gestionventas/backend/internal/domain"
	"gestionventas/backend/internal/store"
)

// SheetName is the worksheet the importer reads. Uploads without it are
// rejected outright.
const SheetName = "productos"

var requiredHeaders = []string{"nombre", "categoria", "precio"}

// Row is one parsed product line. HasID marks rows carrying an explicit id
// column value, which the importer treats as updates.
type Row struct {
	Line    int
	HasID   bool
	Product domain.Product
}

// ParseProducts reads an .xlsx workbook and returns the parseable product
// rows plus one error per rejected row. A malformed file or a missing
// required header fails the whole parse.
func ParseProducts(r io.Reader) ([]Row, []domain.ImportRowError, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: archivo xlsx invalido", store.ErrValidation)
	}
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(SheetName)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: falta la hoja %q", store.ErrValidation, SheetName)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("%w: hoja %q vacia", store.ErrValidation, SheetName)
	}

	columns := make(map[string]int, len(rows[0]))
	for i, header := range rows[0] {
		name := strings.ToLower(strings.TrimSpace(header))
		if name != "" {
			columns[name] = i
		}
	}
	for _, header := range requiredHeaders {
		if _, ok := columns[header]; !ok {
			return nil, nil, fmt.Errorf("%w: falta la columna %q", store.ErrValidation, header)
		}
	}

	parsed := make([]Row, 0, len(rows)-1)
	rowErrors := make([]domain.ImportRowError, 0)
	for i, cells := range rows[1:] {
		line := i + 2 // 1-based, headers on line 1
		if isEmptyRow(cells) {
			continue
		}

		row, err := parseRow(line, cells, columns)
		if err != nil {
			rowErrors = append(rowErrors, domain.ImportRowError{Row: line, Message: err.Error()})
			continue
		}
		parsed = append(parsed, row)
	}
	return parsed, rowErrors, nil
}

func parseRow(line int, cells []string, columns map[string]int) (Row, error) {
	row := Row{Line: line}

	row.Product.Name = strings.TrimSpace(cellAt(cells, columns, "nombre"))
	if row.Product.Name == "" {
		return Row{}, fmt.Errorf("nombre requerido")
	}
	row.Product.Category = strings.TrimSpace(cellAt(cells, columns, "categoria"))
	if row.Product.Category == "" {
		return Row{}, fmt.Errorf("categoria requerida")
	}

	priceRaw := strings.TrimSpace(cellAt(cells, columns, "precio"))
	if priceRaw == "" {
		return Row{}, fmt.Errorf("precio requerido")
	}
	price, err := decimal.NewFromString(priceRaw)
	if err != nil {
		return Row{}, fmt.Errorf("precio %q no es un numero", priceRaw)
	}
	if price.IsNegative() {
		return Row{}, fmt.Errorf("precio no puede ser negativo")
	}
	row.Product.Price = price

	if costRaw := strings.TrimSpace(cellAt(cells, columns, "costo")); costRaw != "" {
		cost, err := decimal.NewFromString(costRaw)
		if err != nil {
			return Row{}, fmt.Errorf("costo %q no es un numero", costRaw)
		}
		if cost.IsNegative() {
			return Row{}, fmt.Errorf("costo no puede ser negativo")
		}
		row.Product.Cost = cost
	}

	if stockRaw := strings.TrimSpace(cellAt(cells, columns, "stock")); stockRaw != "" {
		stock, err := strconv.Atoi(stockRaw)
		if err != nil {
			return Row{}, fmt.Errorf("stock %q no es un entero", stockRaw)
		}
		if stock < 0 {
			return Row{}, fmt.Errorf("stock no puede ser negativo")
		}
		row.Product.Stock = stock
	}

	if idRaw := strings.TrimSpace(cellAt(cells, columns, "id")); idRaw != "" {
		id, err := strconv.ParseInt(idRaw, 10, 64)
		if err != nil || id < 1 {
			return Row{}, fmt.Errorf("id %q no es valido", idRaw)
		}
		row.HasID = true
		row.Product.ID = id
	}

	return row, nil
}

func cellAt(cells []string, columns map[string]int, name string) string {
	idx, ok := columns[name]
	if !ok || idx >= len(cells) {
		return ""
	}
	return cells[idx]
}

func isEmptyRow(cells []string) bool {
	for _, cell := range cells {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
