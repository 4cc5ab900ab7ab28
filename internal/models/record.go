package models

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// The receiving endpoint expects numbers, not quoted strings
	decimal.MarshalJSONWithoutQuotes = true
}

// Record is one catalog item as it is sent downstream.
// Values are built once per read and never mutated afterwards
type Record struct {
	Code                int             `json:"Code"`
	ItemName            string          `json:"ItemName"`
	PrintName           string          `json:"PrintName"`
	SalePrice           decimal.Decimal `json:"SalePrice"`
	CostPrice           decimal.Decimal `json:"CostPrice"`
	TotalAvailableStock decimal.Decimal `json:"TotalAvailableStock"`
	LastModified        time.Time       `json:"LastModified"`
}

// ClampStock returns the summed stock movements with negative totals floored at zero
func ClampStock(sum decimal.Decimal) decimal.Decimal {
	if sum.IsNegative() {
		return decimal.Zero
	}
	return sum
}

// Partition splits records into consecutive groups of at most size elements
func Partition(records []Record, size int) [][]Record {
	if size <= 0 || len(records) == 0 {
		return nil
	}
	batches := make([][]Record, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		batches = append(batches, records[start:end])
	}
	return batches
}
