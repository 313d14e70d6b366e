package ingest

import (
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"leadsync/internal/booking"
	"leadsync/internal/task/scheduler"
	logx "leadsync/pkg/logx"
)

func (s *Server) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Jobs.Snapshot())
}

func (s *Server) cancelJob(c *gin.Context) {
	key := c.Param("key")
	if err := s.deps.Jobs.Cancel(c.Request.Context(), key); err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("admin.cancel", logx.String("key", key))
	c.JSON(http.StatusOK, gin.H{"cancelled": key})
}

func (s *Server) runJob(c *gin.Context) {
	s.trigger(c, c.Param("key"))
}

func (s *Server) runSweep(c *gin.Context) {
	s.trigger(c, s.deps.SweepKey)
}

func (s *Server) trigger(c *gin.Context, key string) {
	if key == "" {
		respondError(c, http.StatusNotFound, "no such job")
		return
	}
	err := s.deps.Jobs.Trigger(c.Request.Context(), key)
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		respondError(c, http.StatusNotFound, err.Error())
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("admin.trigger", logx.String("key", key))
	c.JSON(http.StatusAccepted, gin.H{"triggered": key})
}

type leadMessageBody struct {
	Email           string `json:"email" binding:"required"`
	FirstName       string `json:"first_name"`
	MeetingDatetime string `json:"meeting_datetime" binding:"required"`
	Which           string `json:"which" binding:"required"`
	SendNow         bool   `json:"send_now"`
}

func (s *Server) leadMessage(c *gin.Context) {
	var body leadMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	meeting, err := parseLocal(body.MeetingDatetime, s.cfg.Location)
	if err != nil {
		respondError(c, http.StatusBadRequest, "meeting_datetime: "+err.Error())
		return
	}
	res, err := s.deps.Bookings.SendLeadMessage(c.Request.Context(), booking.LeadMessageRequest{
		Email:     body.Email,
		FirstName: body.FirstName,
		Meeting:   meeting,
		Which:     body.Which,
		SendNow:   body.SendNow,
	})
	if err != nil {
		respondError(c, leadMessageStatus(err), err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": res})
}

func leadMessageStatus(err error) int {
	switch {
	case errors.Is(err, booking.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, booking.ErrLeadNotFound):
		return http.StatusNotFound
	case errors.Is(err, booking.ErrNoPhone):
		return http.StatusUnprocessableEntity
	case errors.Is(err, booking.ErrCRMUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

// parseLocal accepts RFC 3339 or an offset-less "2006-01-02T15:04[:05]" read
// in loc.
func parseLocal(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Newf("unrecognized time %q", s)
}
