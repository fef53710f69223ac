package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"gestionventas/backend/internal/domain"
	"gestionventas/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListCompanies(ctx context.Context) ([]domain.Company, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, nombre, rut, COALESCE(giro,''), COALESCE(telefono,''), COALESCE(email,''), COALESCE(direccion,'')
		FROM empresas
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	companies := make([]domain.Company, 0, 64)
	for rows.Next() {
		var c domain.Company
		if err := rows.Scan(&c.ID, &c.Name, &c.TaxID, &c.Industry, &c.Phone, &c.Email, &c.Address); err != nil {
			return nil, err
		}
		companies = append(companies, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return companies, nil
}

func (s *Store) GetCompany(ctx context.Context, id int64) (*domain.Company, error) {
	var c domain.Company
	err := s.db.QueryRowContext(ctx, `
		SELECT id, nombre, rut, COALESCE(giro,''), COALESCE(telefono,''), COALESCE(email,''), COALESCE(direccion,'')
		FROM empresas
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.TaxID, &c.Industry, &c.Phone, &c.Email, &c.Address)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateCompany(ctx context.Context, company domain.Company) (*domain.Company, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO empresas (nombre, rut, giro, telefono, email, direccion)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, company.Name, company.TaxID, company.Industry, company.Phone, company.Email, company.Address).Scan(&company.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: rut ya registrado", store.ErrConflict)
		}
		return nil, err
	}
	return &company, nil
}

func (s *Store) UpdateCompany(ctx context.Context, company domain.Company) (*domain.Company, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE empresas
		SET nombre = $2, rut = $3, giro = $4, telefono = $5, email = $6, direccion = $7
		WHERE id = $1
	`, company.ID, company.Name, company.TaxID, company.Industry, company.Phone, company.Email, company.Address)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: rut ya registrado", store.ErrConflict)
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return &company, nil
}

func (s *Store) DeleteCompany(ctx context.Context, id int64) (*domain.Company, error) {
	var c domain.Company
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM empresas
		WHERE id = $1
		RETURNING id, nombre, rut, COALESCE(giro,''), COALESCE(telefono,''), COALESCE(email,''), COALESCE(direccion,'')
	`, id).Scan(&c.ID, &c.Name, &c.TaxID, &c.Industry, &c.Phone, &c.Email, &c.Address)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, nombre, categoria, precio, costo, stock
		FROM productos
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Cost, &p.Stock); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, nombre, categoria, precio, costo, stock
		FROM productos
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Cost, &p.Stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	result := make(map[int64]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, nombre, categoria, precio, costo, stock
		FROM productos
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Cost, &p.Stock); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO productos (nombre, categoria, precio, costo, stock)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, product.Name, product.Category, product.Price, product.Cost, product.Stock).Scan(&product.ID)
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE productos
		SET nombre = $2, categoria = $3, precio = $4, costo = $5, stock = $6
		WHERE id = $1
	`, product.ID, product.Name, product.Category, product.Price, product.Cost, product.Stock)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id int64) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM productos
		WHERE id = $1
		RETURNING id, nombre, categoria, precio, costo, stock
	`, id).Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Cost, &p.Stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	var query strings.Builder
	query.WriteString(`
		SELECT id, compra_id, producto_id, empresa_id, cantidad, total, fecha
		FROM ventas
		WHERE 1=1
	`)
	args := make([]any, 0, 4)
	if filter.CompanyID != nil {
		args = append(args, *filter.CompanyID)
		fmt.Fprintf(&query, " AND empresa_id = $%d", len(args))
	}
	if filter.ProductID != nil {
		args = append(args, *filter.ProductID)
		fmt.Fprintf(&query, " AND producto_id = $%d", len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		fmt.Fprintf(&query, " AND fecha >= $%d", len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		fmt.Fprintf(&query, " AND fecha <= $%d", len(args))
	}
	query.WriteString(" ORDER BY id")

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 256)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, compra_id, producto_id, empresa_id, cantidad, total, fecha
		FROM ventas
		WHERE id = $1
	`, id)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sale, nil
}

func (s *Store) RecordSale(ctx context.Context, companyID, productID int64, quantity int, at time.Time) (*domain.Sale, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: cantidad debe ser mayor que cero", store.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := recordSaleTx(ctx, tx, companyID, productID, quantity, at, nil)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) RecordPurchase(ctx context.Context, companyID int64, items []domain.PurchaseItem, at time.Time) ([]domain.Sale, int64, error) {
	if len(items) == 0 {
		return nil, 0, fmt.Errorf("%w: sin items", store.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := companyExistsTx(ctx, tx, companyID); err != nil {
		return nil, 0, err
	}

	// Lock every product up front and verify the whole purchase fits the
	// available stock before writing a single line. Demand per product may
	// span several items.
	demand := make(map[int64]int, len(items))
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, 0, fmt.Errorf("%w: cantidad debe ser mayor que cero", store.ErrValidation)
		}
		if _, ok := demand[item.ProductID]; !ok {
			ids = append(ids, item.ProductID)
		}
		demand[item.ProductID] += item.Quantity
	}

	stock := make(map[int64]int, len(ids))
	rows, err := tx.QueryContext(ctx, `
		SELECT id, stock
		FROM productos
		WHERE id = ANY($1)
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, 0, err
	}
	for rows.Next() {
		var id int64
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			_ = rows.Close()
			return nil, 0, err
		}
		stock[id] = qty
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, 0, err
	}
	_ = rows.Close()

	for _, id := range ids {
		available, ok := stock[id]
		if !ok {
			return nil, 0, fmt.Errorf("%w: producto %d", store.ErrNotFound, id)
		}
		if available < demand[id] {
			return nil, 0, fmt.Errorf("%w: producto %d tiene stock %d, solicitado %d",
				store.ErrInsufficientStock, id, available, demand[id])
		}
	}

	var purchaseID int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(compra_id), 0) + 1 FROM ventas
	`).Scan(&purchaseID)
	if err != nil {
		return nil, 0, err
	}

	created := make([]domain.Sale, 0, len(items))
	for _, item := range items {
		sale, err := recordSaleTx(ctx, tx, companyID, item.ProductID, item.Quantity, at, &purchaseID)
		if err != nil {
			return nil, 0, err
		}
		created = append(created, *sale)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return created, purchaseID, nil
}

// recordSaleTx debits stock and inserts one sale line inside the caller's
// transaction. The line total comes from the current catalog price.
func recordSaleTx(ctx context.Context, tx *sql.Tx, companyID, productID int64, quantity int, at time.Time, purchaseID *int64) (*domain.Sale, error) {
	if err := companyExistsTx(ctx, tx, companyID); err != nil {
		return nil, err
	}

	var price decimal.Decimal
	var available int
	err := tx.QueryRowContext(ctx, `
		SELECT precio, stock
		FROM productos
		WHERE id = $1
		FOR UPDATE
	`, productID).Scan(&price, &available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: producto %d", store.ErrNotFound, productID)
		}
		return nil, err
	}
	if available < quantity {
		return nil, fmt.Errorf("%w: producto %d tiene stock %d, solicitado %d",
			store.ErrInsufficientStock, productID, available, quantity)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE productos
		SET stock = stock - $2
		WHERE id = $1
	`, productID, quantity)
	if err != nil {
		return nil, err
	}

	sale := domain.Sale{
		PurchaseID: purchaseID,
		ProductID:  productID,
		CompanyID:  companyID,
		Quantity:   quantity,
		Total:      price.Mul(decimal.NewFromInt(int64(quantity))),
		OccurredAt: at,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO ventas (compra_id, producto_id, empresa_id, cantidad, total, fecha)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, nullInt64(purchaseID), productID, companyID, quantity, sale.Total, at).Scan(&sale.ID)
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func companyExistsTx(ctx context.Context, tx *sql.Tx, companyID int64) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM empresas WHERE id = $1`, companyID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: empresa %d", store.ErrNotFound, companyID)
		}
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	var purchaseID sql.NullInt64
	if err := row.Scan(&sale.ID, &purchaseID, &sale.ProductID, &sale.CompanyID, &sale.Quantity, &sale.Total, &sale.OccurredAt); err != nil {
		return domain.Sale{}, err
	}
	if purchaseID.Valid {
		id := purchaseID.Int64
		sale.PurchaseID = &id
	}
	sale.OccurredAt = sale.OccurredAt.UTC()
	return sale, nil
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
