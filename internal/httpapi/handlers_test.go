package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"gestionventas/backend/internal/cache"
	"gestionventas/backend/internal/domain"
	"gestionventas/backend/internal/service"
	"gestionventas/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store and a real Service so
// handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	svc := service.New(memory.NewSeeded(), cache.NoopDashboardCache{}, 5*time.Second)
	return New(svc, "http://127.0.0.1:3000")
}

func doRequest(t *testing.T, api *API, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok true, got %v", body)
	}
}

func TestListCompanies(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/empresas/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	companies := decodeBody[[]domain.Company](t, rec)
	if len(companies) != 3 {
		t.Fatalf("expected 3 seeded companies, got %d", len(companies))
	}
	if companies[0].Name != "Comercial Andina SpA" {
		t.Fatalf("unexpected first company %q", companies[0].Name)
	}
}

func TestCreateCompany(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/empresas/", map[string]any{
		"nombre": "Panadería San José",
		"rut":    "79.888.111-2",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	company := decodeBody[domain.Company](t, rec)
	if company.ID != 4 {
		t.Fatalf("expected id 4, got %d", company.ID)
	}
}

func TestCreateCompanyValidation(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/empresas/", map[string]any{
		"nombre": "  ",
		"rut":    "79.888.111-2",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateCompanyDuplicateTaxID(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/empresas/", map[string]any{
		"nombre": "Otra Comercial",
		"rut":    "76.111.222-3",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateCompanyRejectsUnknownFields(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/empresas/", map[string]any{
		"nombre":     "Empresa X",
		"rut":        "70.000.000-1",
		"inesperado": true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestGetCompanyNotFound(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/empresas/999", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUpdateAndDeleteCompany(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPut, "/empresas/2", map[string]any{
		"nombre": "Ferretería El Martillo Ltda",
		"rut":    "77.333.444-5",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody[domain.Company](t, rec)
	if updated.ID != 2 || updated.Name != "Ferretería El Martillo Ltda" {
		t.Fatalf("unexpected update result %+v", updated)
	}

	rec = doRequest(t, api, http.MethodDelete, "/empresas/2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = doRequest(t, api, http.MethodGet, "/empresas/2", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestProductCRUD(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/productos/", map[string]any{
		"nombre":    "Harina 1kg",
		"categoria": "Abarrotes",
		"precio":    1290,
		"costo":     700,
		"stock":     30,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[domain.Product](t, rec)
	if created.ID != 7 {
		t.Fatalf("expected id 7, got %d", created.ID)
	}

	rec = doRequest(t, api, http.MethodGet, fmt.Sprintf("/productos/%d", created.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doRequest(t, api, http.MethodDelete, fmt.Sprintf("/productos/%d", created.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateProductNegativePrice(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/productos/", map[string]any{
		"nombre":    "Producto roto",
		"categoria": "Abarrotes",
		"precio":    -10,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateSale(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/ventas/", map[string]any{
		"empresa_id":  1,
		"producto_id": 1,
		"cantidad":    2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	sale := decodeBody[domain.Sale](t, rec)
	if sale.Total.String() != "25980" {
		t.Fatalf("expected total 25980, got %s", sale.Total)
	}

	rec = doRequest(t, api, http.MethodGet, "/productos/1", nil)
	product := decodeBody[domain.Product](t, rec)
	if product.Stock != 38 {
		t.Fatalf("expected stock 38 after sale, got %d", product.Stock)
	}
}

func TestCreateSaleInsufficientStock(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/ventas/", map[string]any{
		"empresa_id":  1,
		"producto_id": 3,
		"cantidad":    50,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListSalesWithFilters(t *testing.T) {
	api := newTestAPI(t)

	doRequest(t, api, http.MethodPost, "/ventas/", map[string]any{
		"empresa_id": 1, "producto_id": 1, "cantidad": 1,
	})
	doRequest(t, api, http.MethodPost, "/ventas/", map[string]any{
		"empresa_id": 2, "producto_id": 2, "cantidad": 1,
	})

	rec := doRequest(t, api, http.MethodGet, "/ventas/?empresa_id=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	sales := decodeBody[[]domain.Sale](t, rec)
	if len(sales) != 1 || sales[0].CompanyID != 1 {
		t.Fatalf("unexpected filtered sales %+v", sales)
	}

	rec = doRequest(t, api, http.MethodGet, "/ventas/?desde=no-es-fecha", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad desde, got %d", rec.Code)
	}
}

func TestPurchaseAllOrNothing(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/ventas/compra", map[string]any{
		"empresa_id": 1,
		"items": []map[string]any{
			{"producto_id": 1, "cantidad": 2},
			{"producto_id": 3, "cantidad": 50},
		},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, api, http.MethodGet, "/productos/1", nil)
	product := decodeBody[domain.Product](t, rec)
	if product.Stock != 40 {
		t.Fatalf("expected stock untouched at 40, got %d", product.Stock)
	}
}

func TestPurchase(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/ventas/compra", map[string]any{
		"empresa_id": 1,
		"items": []map[string]any{
			{"producto_id": 1, "cantidad": 2},
			{"producto_id": 2, "cantidad": 1},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[domain.PurchaseResponse](t, rec)
	if resp.Total.String() != "29470" {
		t.Fatalf("expected total 29470, got %s", resp.Total)
	}
	if resp.LinesCreated != 2 || resp.TotalItems != 3 {
		t.Fatalf("unexpected purchase response %+v", resp)
	}
}

func TestCompanyHistory(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/ventas/empresas/1/historial", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without sales, got %d", rec.Code)
	}

	doRequest(t, api, http.MethodPost, "/ventas/", map[string]any{
		"empresa_id": 1, "producto_id": 1, "cantidad": 1,
	})

	rec = doRequest(t, api, http.MethodGet, "/ventas/empresas/1/historial", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	history := decodeBody[[]domain.Sale](t, rec)
	if len(history) != 1 {
		t.Fatalf("expected 1 sale, got %d", len(history))
	}
}

func TestCashflowRequiresRange(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/reportes/flujo_caja?desde=2024-01-01", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without hasta, got %d", rec.Code)
	}
}

func TestCashflow(t *testing.T) {
	api := newTestAPI(t)

	doRequest(t, api, http.MethodPost, "/ventas/", map[string]any{
		"empresa_id": 1, "producto_id": 1, "cantidad": 2,
	})

	from := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	to := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	rec := doRequest(t, api, http.MethodGet, "/reportes/flujo_caja?desde="+from+"&hasta="+to, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	report := decodeBody[domain.CashflowReport](t, rec)
	if report.TotalSales.String() != "25980" {
		t.Fatalf("expected ventas_totales 25980, got %s", report.TotalSales)
	}
	if report.TotalProfit.String() != "8980" {
		t.Fatalf("expected ganancias_totales 8980, got %s", report.TotalProfit)
	}
	if report.UnitsSold != 2 {
		t.Fatalf("expected 2 productos_vendidos, got %d", report.UnitsSold)
	}
}

func TestDashboard(t *testing.T) {
	api := newTestAPI(t)

	doRequest(t, api, http.MethodPost, "/ventas/", map[string]any{
		"empresa_id": 1, "producto_id": 1, "cantidad": 1,
	})

	rec := doRequest(t, api, http.MethodGet, "/dashboard/resumen?periodo=dia", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	summary := decodeBody[domain.DashboardSummary](t, rec)
	if summary.Companies != 3 || summary.Products != 6 {
		t.Fatalf("unexpected KPIs %+v", summary)
	}
	if len(summary.ChartLabels) != 14 {
		t.Fatalf("expected 14 day buckets, got %d", len(summary.ChartLabels))
	}
	if summary.Period != "dia" {
		t.Fatalf("unexpected periodo %q", summary.Period)
	}
	if len(summary.LowStock) != 2 {
		t.Fatalf("expected 2 low stock products, got %d", len(summary.LowStock))
	}
}

func TestDashboardUnknownPeriodFallsBack(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/dashboard/resumen?periodo=trimestre", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	summary := decodeBody[domain.DashboardSummary](t, rec)
	if summary.Period != "dia" {
		t.Fatalf("expected fallback periodo dia, got %q", summary.Period)
	}
}

func TestCartLifecycle(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/carritos", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[map[string]string](t, rec)
	cartID := created["carrito_id"]
	if cartID == "" {
		t.Fatal("expected carrito_id in response")
	}

	rec = doRequest(t, api, http.MethodPost, "/carritos/"+cartID+"/items", map[string]any{
		"producto_id": 1, "cantidad": 2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	view := decodeBody[domain.CartView](t, rec)
	if len(view.Lines) != 1 || view.Total.String() != "25980" {
		t.Fatalf("unexpected cart view %+v", view)
	}

	rec = doRequest(t, api, http.MethodPost, "/carritos/"+cartID+"/confirmar", map[string]any{
		"empresa_id": 1,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[domain.PurchaseResponse](t, rec)
	if resp.Total.String() != "25980" {
		t.Fatalf("expected total 25980, got %s", resp.Total)
	}

	rec = doRequest(t, api, http.MethodGet, "/carritos/"+cartID, nil)
	view = decodeBody[domain.CartView](t, rec)
	if len(view.Lines) != 0 {
		t.Fatalf("expected empty cart after confirm, got %+v", view.Lines)
	}
}

func TestCartRemoveOutOfRangeIsNoOp(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/carritos", nil)
	cartID := decodeBody[map[string]string](t, rec)["carrito_id"]

	doRequest(t, api, http.MethodPost, "/carritos/"+cartID+"/items", map[string]any{
		"producto_id": 2, "cantidad": 1,
	})

	rec = doRequest(t, api, http.MethodDelete, "/carritos/"+cartID+"/items/9", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	view := decodeBody[domain.CartView](t, rec)
	if len(view.Lines) != 1 {
		t.Fatalf("expected line kept, got %+v", view.Lines)
	}
}

func TestCartUnknownSession(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/carritos/cart-desconocido", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestImportProducts(t *testing.T) {
	api := newTestAPI(t)

	workbook := excelize.NewFile()
	workbook.SetSheetName(workbook.GetSheetName(0), "productos")
	rows := [][]any{
		{"nombre", "categoria", "precio", "costo", "stock"},
		{"Harina 1kg", "Abarrotes", 1290, 700, 30},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := workbook.SetSheetRow("productos", cell, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	var buf bytes.Buffer
	if err := workbook.Write(&buf); err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, err := writer.CreateFormFile("file", "catalogo.xlsx")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(buf.Bytes()); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/productos/importar_excel", &form)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	summary := decodeBody[domain.ImportSummary](t, rec)
	if !summary.OK || summary.Created != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestImportProductsRejectsExtension(t *testing.T) {
	api := newTestAPI(t)

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, _ := writer.CreateFormFile("file", "catalogo.csv")
	_, _ = part.Write([]byte("nombre,categoria,precio"))
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/productos/importar_excel", &form)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPatch, "/empresas/", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodOptions, "/empresas/", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://127.0.0.1:3000" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("missing security header, got %q", got)
	}
}

func TestBadIDReturns400(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/empresas/abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
