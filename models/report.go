package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StocktakeReport is the finalize-time snapshot of baseline vs counted.
// Immutable after creation; one per session (unique index), which doubles
// as the finalize-once guard inside the transaction.
type StocktakeReport struct {
	ID               int       `gorm:"primary_key" json:"id"`
	BusinessId       string    `gorm:"index;not null" json:"business_id"`
	SessionId        int       `gorm:"uniqueIndex;not null" json:"session_id"`
	SessionName      string    `gorm:"size:100" json:"session_name"`
	TotalItems       int       `gorm:"not null" json:"total_items"`
	TotalCounted     int       `gorm:"not null" json:"total_counted"`
	TotalMissing     int       `gorm:"not null" json:"total_missing"`
	ParticipantCount int       `gorm:"not null" json:"participant_count"`
	DurationSeconds  int64     `gorm:"not null" json:"duration_seconds"`
	RowsJSON         string    `gorm:"type:mediumtext" json:"-"`
	Artifact         string    `gorm:"type:mediumtext" json:"-"`
	ArtifactURL      string    `gorm:"size:512" json:"artifact_url"`
	FinalizedAt      time.Time `gorm:"not null" json:"finalized_at"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ReconRow is one report line.
type ReconRow struct {
	Barcode      string          `json:"barcode"`
	ProductCode  string          `json:"product_code"`
	Description  string          `json:"description"`
	Baseline     decimal.Decimal `json:"baseline"`
	Counted      decimal.Decimal `json:"counted"`
	Difference   decimal.Decimal `json:"difference"`
	Unregistered bool            `json:"unregistered,omitempty"`
}

// ReconciliationResult is the pure output of the report computation.
type ReconciliationResult struct {
	Rows             []ReconRow
	Discrepancies    []ReconRow
	TotalItems       int
	TotalCounted     int
	TotalMissing     int
	ParticipantCount int
	Duration         time.Duration
}

// BuildReconciliation cross-joins the catalog baseline against the final
// aggregate. It is a pure computation: no side effects, so finalize can run
// it inside the commit transaction.
//
// Catalog items consume their aggregate entries (by product code and by
// barcode); whatever remains was counted but never existed in the catalog
// and becomes an unregistered surplus row with baseline 0.
func BuildReconciliation(items []*CatalogItem, counted map[string]decimal.Decimal, participantCount int, createdAt, finalizedAt time.Time) *ReconciliationResult {

	remaining := make(map[string]decimal.Decimal, len(counted))
	for k, v := range counted {
		remaining[k] = v
	}

	result := &ReconciliationResult{
		TotalItems:       len(items),
		ParticipantCount: participantCount,
		Duration:         finalizedAt.Sub(createdAt),
	}

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
		row := ReconRow{
			Barcode:     item.Barcode,
			ProductCode: item.ProductCode,
			Description: item.Description,
			Baseline:    item.BaselineQty,
			Counted:     qty,
			Difference:  qty.Sub(item.BaselineQty),
		}
		result.Rows = append(result.Rows, row)
		if qty.IsZero() {
			result.TotalMissing++
		} else {
			result.TotalCounted++
		}
	}

	// leftovers: counted but not in the catalog
	surplus := make([]ReconRow, 0, len(remaining))
	for identifier, qty := range remaining {
		surplus = append(surplus, ReconRow{
			Barcode:      identifier,
			ProductCode:  identifier,
			Baseline:     decimal.Zero,
			Counted:      qty,
			Difference:   qty,
			Unregistered: true,
		})
	}
	sort.Slice(surplus, func(i, j int) bool {
		return surplus[i].ProductCode < surplus[j].ProductCode
	})
	result.Rows = append(result.Rows, surplus...)

	// discrepancies sorted largest variance first, for operator review
	for _, row := range result.Rows {
		if !row.Difference.IsZero() {
			result.Discrepancies = append(result.Discrepancies, row)
		}
	}
	sort.SliceStable(result.Discrepancies, func(i, j int) bool {
		a := result.Discrepancies[i].Difference.Abs()
		b := result.Discrepancies[j].Difference.Abs()
		if !a.Equal(b) {
			return a.GreaterThan(b)
		}
		return result.Discrepancies[i].ProductCode < result.Discrepancies[j].ProductCode
	})

	return result
}

const artifactHeader = "barcode;productCode;description;baseline;counted;difference"

// ExportDelimited serializes the full row set to the delimited-text export.
func ExportDelimited(rows []ReconRow) string {
	var sb strings.Builder
	sb.WriteString(artifactHeader)
	for _, row := range rows {
		sb.WriteString("\n")
		sb.WriteString(strings.Join([]string{
			row.Barcode,
			row.ProductCode,
			row.Description,
			row.Baseline.String(),
			row.Counted.String(),
			row.Difference.String(),
		}, ";"))
	}
	return sb.String()
}

func createReport(tx *gorm.DB, session *CountSession, recon *ReconciliationResult, finalizedAt time.Time) (*StocktakeReport, error) {
	rowsJSON, err := json.Marshal(recon.Rows)
	if err != nil {
		return nil, err
	}

	report := &StocktakeReport{
		BusinessId:       session.BusinessId,
		SessionId:        session.ID,
		SessionName:      session.Name,
		TotalItems:       recon.TotalItems,
		TotalCounted:     recon.TotalCounted,
		TotalMissing:     recon.TotalMissing,
		ParticipantCount: recon.ParticipantCount,
		DurationSeconds:  int64(recon.Duration.Seconds()),
		RowsJSON:         string(rowsJSON),
		Artifact:         ExportDelimited(recon.Rows),
		FinalizedAt:      finalizedAt,
	}
	if err := tx.Create(report).Error; err != nil {
		return nil, err
	}
	return report, nil
}

func uploadReportArtifact(ctx context.Context, report *StocktakeReport) {
	if report == nil || !utils.ReportBucketConfigured() {
		return
	}
	objectName := fmt.Sprintf("reports/%s/session-%d.txt", report.BusinessId, report.SessionId)
	url, err := utils.UploadReportArtifact(ctx, objectName, []byte(report.Artifact))
	if err != nil {
		config.LogError(config.GetLogger(), "report.go", "uploadReportArtifact", "upload", objectName, err)
		return
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(report).Update("artifact_url", url).Error; err != nil {
		config.LogError(config.GetLogger(), "report.go", "uploadReportArtifact", "update url", objectName, err)
	}
	report.ArtifactURL = url
}

// Rows decodes the persisted row set.
func (r *StocktakeReport) Rows() ([]ReconRow, error) {
	var rows []ReconRow
	if err := json.Unmarshal([]byte(r.RowsJSON), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Discrepancies recomputes the sorted non-zero rows from the snapshot.
func (r *StocktakeReport) Discrepancies() ([]ReconRow, error) {
	rows, err := r.Rows()
	if err != nil {
		return nil, err
	}
	var out []ReconRow
	for _, row := range rows {
		if !row.Difference.IsZero() {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a := out[i].Difference.Abs()
		b := out[j].Difference.Abs()
		if !a.Equal(b) {
			return a.GreaterThan(b)
		}
		return out[i].ProductCode < out[j].ProductCode
	})
	return out, nil
}

// GetReportBySession fetches the report of a finalized session.
// (may return RecordNotFound)
func GetReportBySession(ctx context.Context, sessionId int) (*StocktakeReport, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	db := config.GetDB()
	var report StocktakeReport
	if err := db.WithContext(ctx).
		Where("business_id = ? AND session_id = ?", businessId, sessionId).
		First(&report).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &report, nil
}

// GetReports lists the host's report history, newest first.
func GetReports(ctx context.Context) ([]*StocktakeReport, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	db := config.GetDB()
	var reports []*StocktakeReport
	if err := db.WithContext(ctx).
		Select("id", "business_id", "session_id", "session_name", "total_items",
			"total_counted", "total_missing", "participant_count",
			"duration_seconds", "artifact_url", "finalized_at", "created_at").
		Where("business_id = ?", businessId).
		Order("finalized_at DESC").
		Find(&reports).Error; err != nil {
		return nil, err
	}
	return reports, nil
}

// DeleteReport removes a history entry. The row must match both the id and
// the owning business id.
func DeleteReport(ctx context.Context, reportId int) error {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return errors.New("business id is required")
	}
	db := config.GetDB()
	res := db.WithContext(ctx).
		Where("id = ? AND business_id = ?", reportId, businessId).
		Delete(&StocktakeReport{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}
