package countsync

import (
	"github.com/mmdatafocus/stocktake_backend/models"
)

// SyncRequest is one push/pull cycle from a counting client. The movement
// batch may be empty; the response still carries the full session snapshot,
// so an idle client keeps seeing the other participants' counts.
type SyncRequest struct {
	ParticipantId int                        `json:"participant_id" binding:"required"`
	Movements     []*models.NewCountMovement `json:"movements"`
}

type SyncResponse struct {
	Accepted int                    `json:"accepted"`
	Items    []*models.ItemSnapshot `json:"items"`
}

type JoinRequest struct {
	AccessCode      string `json:"access_code" binding:"required"`
	ParticipantName string `json:"participant_name" binding:"required"`
}

type JoinResponse struct {
	SessionId       int    `json:"session_id"`
	SessionName     string `json:"session_name"`
	AccessCode      string `json:"access_code"`
	ParticipantId   int    `json:"participant_id"`
	ParticipantName string `json:"participant_name"`
}

type ReportResponse struct {
	Report        *models.StocktakeReport `json:"report"`
	Rows          []models.ReconRow       `json:"rows"`
	Discrepancies []models.ReconRow       `json:"discrepancies"`
}
