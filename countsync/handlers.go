package countsync

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/stocktake_backend/models"
	"github.com/mmdatafocus/stocktake_backend/utils"
)

// Host endpoints require a business id from the authenticated token.
// Join and Sync are the participant surface: possession of the access code
// (and then the participant id) is the gate, no token needed.

func CreateSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, err := requireBusiness(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req models.NewCountSession
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		session, err := models.CreateSession(ctx, &req)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, session)
	}
}

func ListSessionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, err := requireBusiness(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		sessions, err := models.GetSessions(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": sessions})
	}
}

func GetSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, err := requireBusiness(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		sessionId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}

		session, err := models.GetSession(ctx, sessionId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

func FinalizeSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, err := requireBusiness(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		sessionId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}

		report, err := models.FinalizeSession(ctx, sessionId)
		if err != nil {
			switch {
			case errors.Is(err, utils.ErrorRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			case errors.Is(err, models.ErrorSessionFinalized):
				c.JSON(http.StatusConflict, gin.H{"error": "session is already finalized"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, reportResponse(report))
	}
}

func ReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, err := requireBusiness(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		sessionId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}

		report, err := models.GetReportBySession(ctx, sessionId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if c.Query("format") == "text" {
			c.Header("Content-Disposition", "attachment; filename=stocktake-report.txt")
			c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(report.Artifact))
			return
		}
		c.JSON(http.StatusOK, reportResponse(report))
	}
}

func ListReportsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, err := requireBusiness(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		reports, err := models.GetReports(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": reports})
	}
}

func DeleteReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, err := requireBusiness(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		reportId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid report id"})
			return
		}

		if err := models.DeleteReport(ctx, reportId); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func JoinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req JoinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "access_code and participant_name are required"})
			return
		}

		session, participant, err := models.JoinSession(c.Request.Context(), req.AccessCode, req.ParticipantName)
		if err != nil {
			switch {
			case errors.Is(err, utils.ErrorRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			case errors.Is(err, models.ErrorSessionNotOpen):
				c.JSON(http.StatusForbidden, gin.H{"error": "session is not open"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		c.JSON(http.StatusOK, JoinResponse{
			SessionId:       session.ID,
			SessionName:     session.Name,
			AccessCode:      session.AccessCode,
			ParticipantId:   participant.ID,
			ParticipantName: participant.Name,
		})
	}
}

// SyncHandler accepts a movement batch and answers with the full session
// snapshot. Duplicate idempotency keys are dropped server-side, so a client
// retrying a timed-out batch never double-counts.
func SyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := c.Request.Context()
		participant, err := models.GetParticipant(ctx, req.ParticipantId)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "participant not found"})
			return
		}

		accepted, err := models.AppendMovements(ctx, participant.SessionId, participant.ID, req.Movements)
		if err != nil {
			switch {
			case errors.Is(err, models.ErrorSessionNotOpen):
				c.JSON(http.StatusForbidden, gin.H{"error": "session is not open"})
			case errors.Is(err, models.ErrorParticipantNotInSession):
				c.JSON(http.StatusForbidden, gin.H{"error": "participant does not belong to this session"})
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			}
			return
		}

		items, err := models.GetSessionSnapshot(ctx, participant.SessionId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, SyncResponse{Accepted: accepted, Items: items})
	}
}

func LeaveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		participantId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid participant id"})
			return
		}

		if err := models.DeactivateParticipant(c.Request.Context(), participantId); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "participant not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func CatalogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, err := requireBusiness(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		sessionId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}

		items, err := models.GetSessionCatalog(ctx, sessionId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func requireBusiness(c *gin.Context) (context.Context, error) {
	ctx := c.Request.Context()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("unauthorized")
	}
	return ctx, nil
}

func reportResponse(report *models.StocktakeReport) ReportResponse {
	rows, err := report.Rows()
	if err != nil {
		rows = nil
	}
	discrepancies, err := report.Discrepancies()
	if err != nil {
		discrepancies = nil
	}
	return ReportResponse{Report: report, Rows: rows, Discrepancies: discrepancies}
}
