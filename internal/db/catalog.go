package db

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Guizzs26/go-sync-stock/internal/models"
	"github.com/Guizzs26/go-sync-stock/pkg/encoding"
	"github.com/Guizzs26/go-sync-stock/pkg/metrics"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const DefaultKeyChunkSize = 2000

// Stock is the signed sum of every movement per item; the clamp happens in Go
const catalogSelect = `
	SELECT i.CODE, i.NAME, i.PRINT_NAME, i.SALE_PRICE, i.COST_PRICE, COALESCE(s.QTY, 0)
	FROM ITEMS i
	LEFT JOIN (
		SELECT ITEM_CODE, SUM(QTY) AS QTY
		FROM STOCK_MOVEMENTS
		GROUP BY ITEM_CODE
	) s ON s.ITEM_CODE = i.CODE
	WHERE i.ACTIVE = 1`

// Catalog runs the read queries against the item master and stock movements
type Catalog struct {
	src          *Source
	decoder      *encoding.Decoder
	queryTimeout time.Duration
	chunkSize    int
	logger       *slog.Logger
	now          func() time.Time
}

// NewCatalog creates the catalog reader. A non-positive chunk size falls back to DefaultKeyChunkSize
func NewCatalog(src *Source, decoder *encoding.Decoder, queryTimeout time.Duration, chunkSize int, logger *slog.Logger) *Catalog {
	if chunkSize <= 0 {
		chunkSize = DefaultKeyChunkSize
	}
	return &Catalog{
		src:          src,
		decoder:      decoder,
		queryTimeout: queryTimeout,
		chunkSize:    chunkSize,
		logger:       logger,
		now:          time.Now,
	}
}

// FetchAll returns every active item ordered by code
func (c *Catalog) FetchAll(ctx context.Context) ([]models.Record, error) {
	start := time.Now()
	query := c.src.rebind(catalogSelect + ` ORDER BY i.CODE`)

	records, err := c.query(ctx, "fetch_all", query)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Catalog snapshot loaded", "count", len(records), "duration_ms", time.Since(start).Milliseconds())
	return records, nil
}

// FetchByKeys returns the active items among keys, ordered by code.
// Missing codes are silently absent from the result
func (c *Catalog) FetchByKeys(ctx context.Context, keys []int) ([]models.Record, error) {
	if len(keys) == 0 {
		return []models.Record{}, nil
	}

	start := time.Now()
	var records []models.Record
	for _, part := range chunk(keys, c.chunkSize) {
		query, args, err := sqlx.In(catalogSelect+` AND i.CODE IN (?) ORDER BY i.CODE`, part)
		if err != nil {
			return nil, fmt.Errorf("%w: fetch_by_keys: build query: %w", ErrDataAccess, err)
		}

		found, err := c.query(ctx, "fetch_by_keys", c.src.rebind(query), args...)
		if err != nil {
			return nil, err
		}
		records = append(records, found...)
	}

	// Chunks are ordered individually; keep the whole result ordered
	sortByCode(records)

	c.logger.Debug("Catalog lookup by keys",
		"requested", len(keys),
		"found", len(records),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return records, nil
}

// Count returns the number of active items. Used as a cheap load proxy
func (c *Catalog) Count(ctx context.Context) (int, error) {
	start := time.Now()
	opCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	var n int
	err := c.src.db.GetContext(opCtx, &n, `SELECT COUNT(*) FROM ITEMS WHERE ACTIVE = 1`)
	if err != nil {
		err = classify(ctx, "count", err)
		c.observe("count", start, err)
		c.logger.Error("Catalog count failed", "op", "count", "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return 0, err
	}
	c.observe("count", start, nil)
	return n, nil
}

func (c *Catalog) query(ctx context.Context, op, query string, args ...any) (records []models.Record, err error) {
	start := time.Now()
	defer func() {
		c.observe(op, start, err)
		if err != nil {
			c.logger.Error("Catalog query failed",
				"op", op,
				"args", len(args),
				"duration_ms", time.Since(start).Milliseconds(),
				"error", err,
			)
		}
	}()

	opCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	rows, err := c.src.db.QueryxContext(opCtx, query, args...)
	if err != nil {
		return nil, classify(ctx, op, err)
	}
	defer rows.Close()

	readAt := c.now()
	records = []models.Record{}
	for rows.Next() {
		var (
			code                   int64
			name, printName        []byte
			sale, cost, stockTotal any
		)
		if err := rows.Scan(&code, &name, &printName, &sale, &cost, &stockTotal); err != nil {
			return nil, classify(ctx, op+": scan", err)
		}

		rec, err := c.buildRecord(code, name, printName, sale, cost, stockTotal, readAt)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrDataAccess, op, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, op, err)
	}
	return records, nil
}

// buildRecord assembles one immutable Record. The source has no trustworthy
// modification column, so LastModified is the read time
func (c *Catalog) buildRecord(code int64, name, printName []byte, sale, cost, stockTotal any, readAt time.Time) (models.Record, error) {
	salePrice, err := toDecimal(sale)
	if err != nil {
		return models.Record{}, fmt.Errorf("item %d sale price: %w", code, err)
	}
	costPrice, err := toDecimal(cost)
	if err != nil {
		return models.Record{}, fmt.Errorf("item %d cost price: %w", code, err)
	}
	stock, err := toDecimal(stockTotal)
	if err != nil {
		return models.Record{}, fmt.Errorf("item %d stock: %w", code, err)
	}

	return models.Record{
		Code:                int(code),
		ItemName:            c.decoder.ToUTF8(name),
		PrintName:           c.decoder.ToUTF8(printName),
		SalePrice:           salePrice,
		CostPrice:           costPrice,
		TotalAvailableStock: models.ClampStock(stock),
		LastModified:        readAt,
	}, nil
}

func (c *Catalog) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.QueryDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

// toDecimal normalizes the numeric representations returned by the supported drivers.
// Firebird returns scaled NUMERIC columns as decimal.Decimal, pgx as strings, sqlite as int64/float64
func toDecimal(v any) (decimal.Decimal, error) {
	switch val := v.(type) {
	case nil:
		return decimal.Zero, nil
	case decimal.Decimal:
		return val, nil
	case *decimal.Decimal:
		if val == nil {
			return decimal.Zero, nil
		}
		return *val, nil
	case int64:
		return decimal.NewFromInt(val), nil
	case int32:
		return decimal.NewFromInt(int64(val)), nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case float64:
		return decimal.NewFromFloat(val), nil
	case float32:
		return decimal.NewFromFloat32(val), nil
	case []byte:
		return decimal.NewFromString(string(val))
	case string:
		return decimal.NewFromString(val)
	case fmt.Stringer:
		return decimal.NewFromString(val.String())
	default:
		return decimal.Zero, fmt.Errorf("unsupported numeric type %T", v)
	}
}

func sortByCode(records []models.Record) {
	slices.SortFunc(records, func(a, b models.Record) int {
		return cmp.Compare(a.Code, b.Code)
	})
}
