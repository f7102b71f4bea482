package models

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CountSession is one bounded collaborative counting exercise.
// Status moves OPEN -> FINALIZED exactly once; a FINALIZED session rejects
// new joins and new movements.
type CountSession struct {
	ID          int           `gorm:"primary_key" json:"id"`
	BusinessId  string        `gorm:"index;not null" json:"business_id"`
	Name        string        `gorm:"size:100;not null" json:"name"`
	AccessCode  string        `gorm:"size:10;uniqueIndex;not null" json:"access_code"`
	Status      SessionStatus `gorm:"size:20;index;not null;default:OPEN" json:"status"`
	CreatedAt   time.Time     `gorm:"autoCreateTime" json:"created_at"`
	FinalizedAt *time.Time    `json:"finalized_at"`
}

type NewCountSession struct {
	Name string `json:"name"`
}

// SessionSummary is a session with its live counts, for host listings.
type SessionSummary struct {
	CountSession
	ParticipantCount int64 `json:"participant_count"`
	ItemCount        int64 `json:"item_count"`
	MovementCount    int64 `json:"movement_count"`
}

// Access codes are short enough to read out loud. The alphabet drops the
// characters people confuse on paper (0/O, 1/I/L).
const accessCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
const accessCodeLength = 6
const maxAccessCodeAttempts = 100

const accessCodeRedisPrefix = "AccessCode:"

func randomAccessCode() (string, error) {
	code := make([]byte, accessCodeLength)
	max := big.NewInt(int64(len(accessCodeAlphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = accessCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}

// uniqueAccessCode draws random codes until exists reports a free one.
// Codes are stored uppercase, so uniqueness is case-insensitive.
func uniqueAccessCode(exists func(code string) (bool, error)) (string, error) {
	for attempt := 0; attempt < maxAccessCodeAttempts; attempt++ {
		code, err := randomAccessCode()
		if err != nil {
			return "", err
		}
		taken, err := exists(code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", errors.New("could not generate a unique access code")
}

func accessCodeExistsInDB(ctx context.Context) func(code string) (bool, error) {
	return func(code string) (bool, error) {
		db := config.GetDB()
		var count int64
		if err := db.WithContext(ctx).Model(&CountSession{}).
			Where("access_code = ?", code).Count(&count).Error; err != nil {
			return false, err
		}
		return count > 0, nil
	}
}

func CreateSession(ctx context.Context, input *NewCountSession) (*CountSession, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = "Stocktake " + time.Now().Format("2006-01-02")
	}

	// The exists check and the insert are not atomic: a concurrent create can
	// land the same code first. The unique index on access_code is the
	// arbiter; the loser draws a new code and tries again.
	db := config.GetDB()
	session := CountSession{
		BusinessId: businessId,
		Name:       name,
		Status:     SessionStatusOpen,
	}
	for attempt := 0; attempt < maxAccessCodeAttempts; attempt++ {
		code, err := uniqueAccessCode(accessCodeExistsInDB(ctx))
		if err != nil {
			return nil, err
		}
		session.AccessCode = code

		err = db.WithContext(ctx).Create(&session).Error
		if err == nil {
			// best-effort cache for the public join lookup
			if err := config.SetRedisValue(accessCodeRedisPrefix+code, fmt.Sprint(session.ID), 0); err != nil {
				config.LogError(config.GetLogger(), "session.go", "CreateSession", "cache access code", code, err)
			}
			return &session, nil
		}
		if !isDuplicateKey(err) {
			return nil, err
		}
		session.ID = 0
	}
	return nil, errors.New("could not generate a unique access code")
}

// isDuplicateKey reports whether err is a unique-index violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "Duplicate entry")
}

// GetSessions returns the host's sessions with live counts, newest first.
func GetSessions(ctx context.Context) ([]*SessionSummary, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var sessions []*CountSession
	if err := db.WithContext(ctx).Where("business_id = ?", businessId).
		Order("created_at DESC").Find(&sessions).Error; err != nil {
		return nil, err
	}

	results := make([]*SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		summary := &SessionSummary{CountSession: *session}
		if err := db.WithContext(ctx).Model(&Participant{}).
			Where("session_id = ?", session.ID).Count(&summary.ParticipantCount).Error; err != nil {
			return nil, err
		}
		if err := db.WithContext(ctx).Model(&CatalogItem{}).
			Where("session_id = ?", session.ID).Count(&summary.ItemCount).Error; err != nil {
			return nil, err
		}
		if err := db.WithContext(ctx).Model(&CountMovement{}).
			Where("session_id = ?", session.ID).Count(&summary.MovementCount).Error; err != nil {
			return nil, err
		}
		results = append(results, summary)
	}
	return results, nil
}

// GetSession loads one of the host's sessions by id.
// (may return RecordNotFound)
func GetSession(ctx context.Context, sessionId int) (*CountSession, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[CountSession](ctx, businessId, sessionId)
}

// GetSessionByCode resolves a normalized access code to its session.
// Redis is consulted first; the DB is authoritative.
// (may return RecordNotFound)
func GetSessionByCode(ctx context.Context, code string) (*CountSession, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, utils.ErrorRecordNotFound
	}

	db := config.GetDB()

	if cached, exists, err := config.GetRedisValue(accessCodeRedisPrefix + code); err == nil && exists {
		var session CountSession
		if err := db.WithContext(ctx).Where("id = ? AND access_code = ?", cached, code).
			First(&session).Error; err == nil {
			return &session, nil
		}
		// stale cache entry; fall through to the code lookup
	}

	var session CountSession
	if err := db.WithContext(ctx).Where("access_code = ?", code).First(&session).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &session, nil
}

// JoinSession admits a participant by access code. This is the only entry
// point without host authorization; possession of the code is the gate.
// Rejoining with the same name resolves to the same participant record.
func JoinSession(ctx context.Context, code string, participantName string) (*CountSession, *Participant, error) {
	participantName = strings.TrimSpace(participantName)
	if participantName == "" {
		return nil, nil, errors.New("participant name is required")
	}

	session, err := GetSessionByCode(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	if session.Status != SessionStatusOpen {
		return nil, nil, ErrorSessionNotOpen
	}

	participant, err := findOrCreateParticipant(ctx, session.ID, participantName)
	if err != nil {
		return nil, nil, err
	}
	return session, participant, nil
}

// FinalizeSession generates the reconciliation report and flips the session
// to FINALIZED in one transaction. Report rows, the export artifact, the
// outbox record and the status flip commit together or not at all.
func FinalizeSession(ctx context.Context, sessionId int) (*StocktakeReport, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	// Best-effort lock to avoid two hosts racing the finalize. Correctness
	// does not depend on it: the transaction re-checks status under
	// row lock.
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(config.GetRedisContext(),
			fmt.Sprintf("FinalizeSession:%d", sessionId), 30*time.Second, nil)
		if err == nil {
			defer lock.Release(config.GetRedisContext())
		}
	}

	var report *StocktakeReport
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {

		var session CountSession
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND business_id = ?", sessionId, businessId).
			First(&session).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if session.Status == SessionStatusFinalized {
			return ErrorSessionFinalized
		}

		counted, err := aggregateCounts(tx, session.ID)
		if err != nil {
			return err
		}
		var items []*CatalogItem
		if err := tx.Where("session_id = ?", session.ID).
			Order("product_code").Find(&items).Error; err != nil {
			return err
		}
		var participantCount int64
		if err := tx.Model(&Participant{}).
			Where("session_id = ?", session.ID).Count(&participantCount).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		recon := BuildReconciliation(items, counted, int(participantCount), session.CreatedAt, now)

		report, err = createReport(tx, &session, recon, now)
		if err != nil {
			return err
		}

		if err := enqueueReportFinalized(tx, report); err != nil {
			return err
		}

		res := tx.Model(&CountSession{}).
			Where("id = ? AND status = ?", session.ID, SessionStatusOpen).
			Updates(map[string]interface{}{
				"status":       SessionStatusFinalized,
				"finalized_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrorSessionFinalized
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	userName, _ := utils.GetUserNameFromContext(ctx)
	config.GetLogger().WithFields(logrus.Fields{
		"session_id":   sessionId,
		"finalized_by": userName,
		"total_items":  report.TotalItems,
	}).Info("session finalized")

	// Artifact upload is outside the transaction on purpose: the report row
	// already holds the full artifact, the bucket copy is a convenience.
	uploadReportArtifact(ctx, report)

	return report, nil
}
