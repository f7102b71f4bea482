package models

import (
	"context"
	"strconv"
	"time"

	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"gorm.io/gorm"
)

// Participant is a named collaborator attached to a session.
// (session_id, name) is the natural idempotency key for joins: the same name
// always resolves to the same record. Name-only identity is a deliberate
// simplification for ad hoc counting teams.
type Participant struct {
	ID        int               `gorm:"primary_key" json:"id"`
	SessionId int               `gorm:"index:uniq_session_participant,unique;not null" json:"session_id"`
	Name      string            `gorm:"size:100;index:uniq_session_participant,unique;not null" json:"name"`
	Status    ParticipantStatus `gorm:"size:20;not null;default:ACTIVE" json:"status"`
	CreatedAt time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// Participants are cached: GetParticipant sits on the sync hot path (every
// cycle of every client) and the record is immutable apart from its status.
const participantRedisPrefix = "Participant:"
const participantCacheTTL = time.Hour

func participantCacheKey(participantId int) string {
	return participantRedisPrefix + strconv.Itoa(participantId)
}

func cacheParticipant(participant *Participant) {
	if err := config.SetRedisObject(participantCacheKey(participant.ID), participant, participantCacheTTL); err != nil {
		config.LogError(config.GetLogger(), "participant.go", "cacheParticipant", "cache", participant.ID, err)
	}
}

// findOrCreateParticipant admits by (session, name): reactivates an inactive
// record, never duplicates. A concurrent duplicate insert loses against the
// unique index and falls back to the fetch.
func findOrCreateParticipant(ctx context.Context, sessionId int, name string) (*Participant, error) {
	db := config.GetDB()

	var participant Participant
	err := db.WithContext(ctx).
		Where("session_id = ? AND name = ?", sessionId, name).
		First(&participant).Error
	if err == nil {
		if participant.Status == ParticipantStatusInactive {
			if err := db.WithContext(ctx).Model(&participant).
				Update("status", ParticipantStatusActive).Error; err != nil {
				return nil, err
			}
			participant.Status = ParticipantStatusActive
		}
		cacheParticipant(&participant)
		return &participant, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	participant = Participant{
		SessionId: sessionId,
		Name:      name,
		Status:    ParticipantStatusActive,
	}
	if err := db.WithContext(ctx).Create(&participant).Error; err != nil {
		// lost the race against another join with the same name
		var existing Participant
		if ferr := db.WithContext(ctx).
			Where("session_id = ? AND name = ?", sessionId, name).
			First(&existing).Error; ferr == nil {
			cacheParticipant(&existing)
			return &existing, nil
		}
		return nil, err
	}
	cacheParticipant(&participant)
	return &participant, nil
}

// GetParticipant loads a participant by id, cache first.
// (may return RecordNotFound)
func GetParticipant(ctx context.Context, participantId int) (*Participant, error) {
	var cached Participant
	if exists, err := config.GetRedisObject(participantCacheKey(participantId), &cached); err == nil && exists {
		return &cached, nil
	}

	participant, err := utils.FetchSingleModel[Participant](ctx, participantId)
	if err != nil {
		return nil, err
	}
	cacheParticipant(participant)
	return participant, nil
}

// DeactivateParticipant marks a participant INACTIVE (leave view). Their
// movements stay in the log; rejoining reactivates the same record.
func DeactivateParticipant(ctx context.Context, participantId int) error {
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&Participant{}).
		Where("id = ?", participantId).
		Update("status", ParticipantStatusInactive)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	if err := config.DeleteRedisKey(participantCacheKey(participantId)); err != nil {
		config.LogError(config.GetLogger(), "participant.go", "DeactivateParticipant", "evict cache", participantId, err)
	}
	return nil
}
