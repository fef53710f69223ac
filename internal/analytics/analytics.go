package analytics

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"gestionventas/backend/internal/domain"
)

// Granularity values are the wire values the console frontend sends.
const (
	GranularityDay   = "dia"
	GranularityWeek  = "semana"
	GranularityMonth = "mes"
)

// DefaultLowStockThreshold marks products needing replenishment.
const DefaultLowStockThreshold = 3

const (
	dayWindow   = 14
	weekWindow  = 8
	monthWindow = 12
)

// NormalizeGranularity maps unknown values to the day view, the console's
// default.
func NormalizeGranularity(g string) string {
	switch g {
	case GranularityDay, GranularityWeek, GranularityMonth:
		return g
	default:
		return GranularityDay
	}
}

// BucketsFor returns the chart labels for the window ending at ref, oldest
// first: 14 calendar days, up to 8 ISO weeks or 12 months. The week path
// steps back seven days at a time and deduplicates, so around a year
// boundary fewer than eight distinct labels can come out.
func BucketsFor(granularity string, ref time.Time) []string {
	switch NormalizeGranularity(granularity) {
	case GranularityWeek:
		labels := make([]string, 0, weekWindow)
		seen := make(map[string]struct{}, weekWindow)
		for i := weekWindow - 1; i >= 0; i-- {
			key := isoWeekKey(ref.AddDate(0, 0, -7*i))
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			labels = append(labels, key)
		}
		return labels
	case GranularityMonth:
		labels := make([]string, 0, monthWindow)
		for i := monthWindow - 1; i >= 0; i-- {
			month := time.Date(ref.Year(), ref.Month()-time.Month(i), 1, 0, 0, 0, 0, ref.Location())
			labels = append(labels, month.Format("2006-01"))
		}
		return labels
	default:
		labels := make([]string, 0, dayWindow)
		for i := dayWindow - 1; i >= 0; i-- {
			labels = append(labels, ref.AddDate(0, 0, -i).Format("2006-01-02"))
		}
		return labels
	}
}

// BucketKey returns the label the instant t falls into for the given
// granularity.
func BucketKey(t time.Time, granularity string) string {
	switch NormalizeGranularity(granularity) {
	case GranularityWeek:
		return isoWeekKey(t)
	case GranularityMonth:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// isoWeekKey formats the ISO-8601 week of t's calendar date, evaluated in
// UTC so the label matches what the frontend historically rendered.
func isoWeekKey(t time.Time) string {
	utc := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	year, week := utc.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// AggregateByBucket sums sale totals into the chart buckets for the window
// ending at ref. Every generated bucket appears with at least a zero value;
// sales outside the window are skipped.
func AggregateByBucket(sales []domain.Sale, granularity string, ref time.Time) ([]string, []decimal.Decimal) {
	granularity = NormalizeGranularity(granularity)
	labels := BucketsFor(granularity, ref)

	totals := make(map[string]decimal.Decimal, len(labels))
	for _, label := range labels {
		totals[label] = decimal.Zero
	}
	for _, sale := range sales {
		key := BucketKey(sale.OccurredAt, granularity)
		if current, ok := totals[key]; ok {
			totals[key] = current.Add(sale.Total)
		}
	}

	values := make([]decimal.Decimal, len(labels))
	for i, label := range labels {
		values[i] = totals[label]
	}
	return labels, values
}

// TopProductsByRevenue ranks products by summed sale totals, highest first.
// Ties keep the order products first appeared in the sales slice. Products
// missing from the catalog snapshot get a generated label. A limit of zero
// or less means the console default of five.
func TopProductsByRevenue(sales []domain.Sale, products map[int64]domain.Product, limit int) []domain.ProductRevenue {
	if limit <= 0 {
		limit = 5
	}

	revenue := make(map[int64]decimal.Decimal)
	order := make([]int64, 0)
	for _, sale := range sales {
		if _, seen := revenue[sale.ProductID]; !seen {
			order = append(order, sale.ProductID)
		}
		revenue[sale.ProductID] = revenue[sale.ProductID].Add(sale.Total)
	}

	ranked := make([]domain.ProductRevenue, 0, len(order))
	for _, id := range order {
		label := fmt.Sprintf("Producto %d", id)
		if product, ok := products[id]; ok {
			label = product.Name
		}
		ranked = append(ranked, domain.ProductRevenue{ProductID: id, Label: label, Revenue: revenue[id]})
	}

	// Stable sort keeps ties in first-encounter order.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Revenue.GreaterThan(ranked[j].Revenue)
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// LowStock returns the products at or below threshold, lowest stock first.
// Ties keep catalog order.
func LowStock(products []domain.Product, threshold int) []domain.Product {
	alerts := make([]domain.Product, 0)
	for _, product := range products {
		if product.Stock <= threshold {
			alerts = append(alerts, product)
		}
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].Stock < alerts[j].Stock
	})
	return alerts
}

// Cashflow summarizes the given sales: gross revenue, units moved and the
// profit implied by the current catalog snapshot. Sales whose product no
// longer exists contribute revenue and units but no profit.
func Cashflow(sales []domain.Sale, products map[int64]domain.Product, from, to time.Time) domain.CashflowReport {
	report := domain.CashflowReport{
		From:        from,
		To:          to,
		TotalSales:  decimal.Zero,
		TotalProfit: decimal.Zero,
	}
	for _, sale := range sales {
		report.TotalSales = report.TotalSales.Add(sale.Total)
		report.UnitsSold += sale.Quantity
		if product, ok := products[sale.ProductID]; ok {
			unitProfit := product.Price.Sub(product.Cost)
			report.TotalProfit = report.TotalProfit.Add(unitProfit.Mul(decimal.NewFromInt(int64(sale.Quantity))))
		}
	}
	return report
}
