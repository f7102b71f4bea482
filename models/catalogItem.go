package models

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"
)

// CatalogItem is one baseline record of the reference catalog.
// Product code is the authoritative per-session key; barcode is a secondary
// lookup key only. Rows are seeded in bulk by the import collaborator while
// the session is OPEN and are read-only to the counting core.
type CatalogItem struct {
	ID          int             `gorm:"primary_key" json:"id"`
	SessionId   int             `gorm:"index:uniq_session_code,unique;not null" json:"session_id"`
	ProductCode string          `gorm:"size:100;index:uniq_session_code,unique;not null" json:"product_code"`
	Barcode     string          `gorm:"size:100;index" json:"barcode"`
	Description string          `gorm:"size:255" json:"description"`
	BaselineQty decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"baseline_qty"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewCatalogItem is one import row.
type NewCatalogItem struct {
	ProductCode string          `json:"product_code" validate:"required"`
	Barcode     string          `json:"barcode"`
	Description string          `json:"description"`
	BaselineQty decimal.Decimal `json:"baseline_qty"`
}

// CatalogItemCount is a catalog row joined with its current counted total.
type CatalogItemCount struct {
	ProductCode string          `json:"product_code"`
	Barcode     string          `json:"barcode"`
	Description string          `json:"description"`
	BaselineQty decimal.Decimal `json:"baseline_qty"`
	CountedQty  decimal.Decimal `json:"counted_qty"`
}

// UpsertCatalogItems bulk-upserts import rows keyed on (session, product
// code). Row-level problems are skipped and counted; the batch continues.
// Returns (imported, skipped).
func UpsertCatalogItems(ctx context.Context, sessionId int, rows []*NewCatalogItem) (int, int, error) {

	db := config.GetDB()

	var session CountSession
	if err := db.WithContext(ctx).First(&session, sessionId).Error; err != nil {
		return 0, 0, utils.ErrorRecordNotFound
	}
	if session.Status != SessionStatusOpen {
		return 0, 0, ErrorSessionNotOpen
	}

	imported, skipped := 0, 0
	for _, row := range rows {
		code := strings.TrimSpace(row.ProductCode)
		if code == "" {
			skipped++
			continue
		}
		item := CatalogItem{
			SessionId:   sessionId,
			ProductCode: code,
			Barcode:     strings.TrimSpace(row.Barcode),
			Description: strings.TrimSpace(row.Description),
			BaselineQty: row.BaselineQty,
		}
		err := db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "session_id"}, {Name: "product_code"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"barcode", "description", "baseline_qty", "updated_at",
			}),
		}).Create(&item).Error
		if err != nil {
			config.LogError(config.GetLogger(), "catalogItem.go", "UpsertCatalogItems", "upsert row", code, err)
			skipped++
			continue
		}
		imported++
	}
	return imported, skipped, nil
}

// GetSessionCatalog lists catalog rows with their current counted quantity
// (zero when uncounted). Counted-but-unknown identifiers do not appear here;
// they surface in sync snapshots and in the final report.
// (may return RecordNotFound)
func GetSessionCatalog(ctx context.Context, sessionId int) ([]*CatalogItemCount, error) {

	// Session ids are guessable; the catalog and its live counts belong to
	// the session owner only.
	if _, err := GetSession(ctx, sessionId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var items []*CatalogItem
	if err := db.WithContext(ctx).Where("session_id = ?", sessionId).
		Order("product_code").Find(&items).Error; err != nil {
		return nil, err
	}

	counted, err := AggregateCounts(ctx, sessionId)
	if err != nil {
		return nil, err
	}

	results := make([]*CatalogItemCount, 0, len(items))
	for _, item := range items {
		results = append(results, &CatalogItemCount{
			ProductCode: item.ProductCode,
			Barcode:     item.Barcode,
			Description: item.Description,
			BaselineQty: item.BaselineQty,
			CountedQty:  countedQtyFor(item, counted),
		})
	}
	return results, nil
}

// ItemSnapshot is one entry of the full session snapshot returned on every
// sync cycle: every catalog item plus any identifier counted outside the
// catalog. ItemIdentifier is the key clients mirror on (barcode when the
// item has one, product code otherwise).
type ItemSnapshot struct {
	ItemIdentifier string          `json:"item_identifier"`
	ProductCode    string          `json:"product_code"`
	Description    string          `json:"description"`
	BaselineQty    decimal.Decimal `json:"baseline_qty"`
	CountedQty     decimal.Decimal `json:"counted_qty"`
	Unregistered   bool            `json:"unregistered,omitempty"`
}

// GetSessionSnapshot builds the global session state for one sync response.
// Every sync returns the whole session, so concurrent counting by other
// participants is visible on the next cycle.
func GetSessionSnapshot(ctx context.Context, sessionId int) ([]*ItemSnapshot, error) {

	db := config.GetDB()
	var items []*CatalogItem
	if err := db.WithContext(ctx).Where("session_id = ?", sessionId).
		Order("product_code").Find(&items).Error; err != nil {
		return nil, err
	}

	counted, err := AggregateCounts(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	remaining := make(map[string]decimal.Decimal, len(counted))
	for k, v := range counted {
		remaining[k] = v
	}

	snapshot := make([]*ItemSnapshot, 0, len(items)+len(remaining))
	for _, item := range items {
		qty := decimal.Zero
		if v, ok := remaining[item.ProductCode]; ok {
			qty = qty.Add(v)
			delete(remaining, item.ProductCode)
		}
		if item.Barcode != "" && item.Barcode != item.ProductCode {
			if v, ok := remaining[item.Barcode]; ok {
				qty = qty.Add(v)
				delete(remaining, item.Barcode)
			}
		}
		identifier := item.Barcode
		if identifier == "" {
			identifier = item.ProductCode
		}
		snapshot = append(snapshot, &ItemSnapshot{
			ItemIdentifier: identifier,
			ProductCode:    item.ProductCode,
			Description:    item.Description,
			BaselineQty:    item.BaselineQty,
			CountedQty:     qty,
		})
	}

	unknown := make([]*ItemSnapshot, 0, len(remaining))
	for identifier, qty := range remaining {
		unknown = append(unknown, &ItemSnapshot{
			ItemIdentifier: identifier,
			ProductCode:    identifier,
			BaselineQty:    decimal.Zero,
			CountedQty:     qty,
			Unregistered:   true,
		})
	}
	sort.Slice(unknown, func(i, j int) bool {
		return unknown[i].ItemIdentifier < unknown[j].ItemIdentifier
	})
	return append(snapshot, unknown...), nil
}

// countedQtyFor sums the aggregate entries reachable from an item's keys
// (movements may target either the product code or the barcode).
func countedQtyFor(item *CatalogItem, counted map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	if v, ok := counted[item.ProductCode]; ok {
		total = total.Add(v)
	}
	if item.Barcode != "" && item.Barcode != item.ProductCode {
		if v, ok := counted[item.Barcode]; ok {
			total = total.Add(v)
		}
	}
	return total
}
