package models

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OutboxMessageRecord implements the transactional outbox: the record is
// written inside the caller's DB transaction, and publishing to Pub/Sub
// happens asynchronously after commit. Downstream consumers (dashboards,
// ERP stock adjustment) react to report.finalized without the finalize path
// depending on Pub/Sub availability.
type OutboxMessageRecord struct {
	ID            int                 `gorm:"primary_key" json:"id"`
	BusinessId    string              `gorm:"index;not null" json:"business_id"`
	ReferenceId   int                 `gorm:"index;not null" json:"reference_id"`
	ReferenceType string              `gorm:"size:50;not null" json:"reference_type"`
	Action        string              `gorm:"size:20;not null" json:"action"`
	Payload       []byte              `gorm:"type:mediumblob" json:"payload"`
	PublishStatus OutboxPublishStatus `gorm:"size:20;index;not null;default:PENDING" json:"publish_status"`
	PublishError  *string             `gorm:"type:text" json:"publish_error"`
	CreatedAt     time.Time           `gorm:"autoCreateTime" json:"created_at"`
	PublishedAt   *time.Time          `json:"published_at"`
}

const ReferenceTypeStocktakeReport = "StocktakeReport"

func enqueueReportFinalized(tx *gorm.DB, report *StocktakeReport) error {
	payload, err := json.Marshal(map[string]interface{}{
		"session_id":        report.SessionId,
		"session_name":      report.SessionName,
		"total_items":       report.TotalItems,
		"total_counted":     report.TotalCounted,
		"total_missing":     report.TotalMissing,
		"participant_count": report.ParticipantCount,
		"finalized_at":      report.FinalizedAt,
	})
	if err != nil {
		return err
	}

	record := OutboxMessageRecord{
		BusinessId:    report.BusinessId,
		ReferenceId:   report.SessionId,
		ReferenceType: ReferenceTypeStocktakeReport,
		Action:        "report.finalized",
		Payload:       payload,
		PublishStatus: OutboxPublishStatusPending,
	}
	return tx.Create(&record).Error
}

func outboxTopic() string {
	topic := strings.TrimSpace(os.Getenv("OUTBOX_TOPIC"))
	if topic == "" {
		topic = "stocktake-events"
	}
	return topic
}

// ProcessPendingOutbox publishes up to limit pending records and marks them.
// Failures are recorded and retried on the next pass; records are never
// dropped. Returns the number published.
func ProcessPendingOutbox(ctx context.Context, logger *logrus.Logger, limit int) (int, error) {
	db := config.GetDB()

	var records []*OutboxMessageRecord
	if err := db.WithContext(ctx).
		Where("publish_status = ?", OutboxPublishStatusPending).
		Order("id ASC").Limit(limit).
		Find(&records).Error; err != nil {
		return 0, err
	}

	published := 0
	for _, record := range records {
		correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		msg := config.PubSubMessage{
			ID:            record.ID,
			BusinessId:    record.BusinessId,
			ReferenceId:   record.ReferenceId,
			ReferenceType: record.ReferenceType,
			Action:        record.Action,
			Payload:       record.Payload,
			CorrelationId: correlationId,
		}
		if _, err := config.PublishMessage(ctx, outboxTopic(), msg); err != nil {
			config.LogError(logger, "outbox.go", "ProcessPendingOutbox", "publish", record.ID, err)
			errMsg := err.Error()
			db.WithContext(ctx).Model(record).Updates(map[string]interface{}{
				"publish_status": OutboxPublishStatusFailed,
				"publish_error":  &errMsg,
			})
			continue
		}
		now := time.Now().UTC()
		if err := db.WithContext(ctx).Model(record).Updates(map[string]interface{}{
			"publish_status": OutboxPublishStatusPublished,
			"published_at":   &now,
			"publish_error":  nil,
		}).Error; err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

// RetryFailedOutbox flips FAILED records back to PENDING so the next
// dispatcher pass picks them up.
func RetryFailedOutbox(ctx context.Context) (int64, error) {
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&OutboxMessageRecord{}).
		Where("publish_status = ?", OutboxPublishStatusFailed).
		Update("publish_status", OutboxPublishStatusPending)
	return res.RowsAffected, res.Error
}
