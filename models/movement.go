package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CountMovement is one atomic count event: a signed quantity delta against
// one item identifier. The log is append-only; corrections are compensating
// movements, never updates. (session_id, idempotency_key) is unique, which
// is what makes duplicate delivery of the same movement a no-op.
type CountMovement struct {
	ID              string          `gorm:"size:36;primary_key" json:"id"` // uuid
	SessionId       int             `gorm:"index:idx_move_session_item,priority:1;index:uniq_session_idem,unique,priority:1;not null" json:"session_id"`
	ParticipantId   int             `gorm:"index;not null" json:"participant_id"`
	IdempotencyKey  string          `gorm:"size:64;index:uniq_session_idem,unique,priority:2;not null" json:"idempotency_key"`
	ItemIdentifier  string          `gorm:"size:100;index:idx_move_session_item,priority:2;not null" json:"item_identifier"`
	QtyDelta        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_delta"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// NewCountMovement is one client-submitted count event.
type NewCountMovement struct {
	IdempotencyKey  string          `json:"idempotency_key" binding:"required"`
	ItemIdentifier  string          `json:"item_identifier" binding:"required"`
	QtyDelta        decimal.Decimal `json:"qty_delta"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
}

// AppendMovements appends a batch to the movement log. A movement whose
// idempotency key was already accepted for the session is silently dropped,
// so client retries after timeouts are always safe. Returns the number of
// movements actually inserted.
func AppendMovements(ctx context.Context, sessionId int, participantId int, movements []*NewCountMovement) (int, error) {

	records := make([]*CountMovement, 0, len(movements))
	for _, m := range movements {
		key := strings.TrimSpace(m.IdempotencyKey)
		identifier := strings.TrimSpace(m.ItemIdentifier)
		if key == "" || identifier == "" {
			return 0, errors.New("idempotency key and item identifier are required")
		}
		records = append(records, &CountMovement{
			ID:              uuid.NewString(),
			SessionId:       sessionId,
			ParticipantId:   participantId,
			IdempotencyKey:  key,
			ItemIdentifier:  identifier,
			QtyDelta:        m.QtyDelta,
			ClientTimestamp: m.ClientTimestamp,
		})
	}

	// The status check and the insert run in one transaction holding a share
	// lock on the session row, so an append serializes against a concurrent
	// finalize's FOR UPDATE: the batch either commits before the report
	// aggregate runs, or waits out the flip and gets rejected. No accepted
	// movement can miss the final report.
	accepted := 0
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {

		var session CountSession
		if err := tx.Clauses(clause.Locking{Strength: "SHARE"}).
			First(&session, sessionId).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if session.Status != SessionStatusOpen {
			return ErrorSessionNotOpen
		}

		var participant Participant
		if err := tx.First(&participant, participantId).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if participant.SessionId != sessionId {
			return ErrorParticipantNotInSession
		}

		if len(records) == 0 {
			return nil
		}

		// Duplicate keys lose against uniq_session_idem and are ignored.
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&records)
		if res.Error != nil {
			return res.Error
		}
		accepted = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return accepted, nil
}

type itemTotal struct {
	ItemIdentifier string
	Total          decimal.Decimal
}

// AggregateCounts is the single source of truth for counted quantities:
// SUM(qty_delta) per item identifier over all accepted movements of the
// session. Sums are exact (DECIMAL column, decimal scan).
func AggregateCounts(ctx context.Context, sessionId int) (map[string]decimal.Decimal, error) {
	return aggregateCounts(config.GetDB().WithContext(ctx), sessionId)
}

func aggregateCounts(tx *gorm.DB, sessionId int) (map[string]decimal.Decimal, error) {
	var rows []itemTotal
	err := tx.Model(&CountMovement{}).
		Select("item_identifier, SUM(qty_delta) AS total").
		Where("session_id = ?", sessionId).
		Group("item_identifier").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	totals := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		totals[row.ItemIdentifier] = row.Total
	}
	return totals, nil
}
