package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"leadsync/internal/booking"
	logx "leadsync/pkg/logx"
)

const (
	headerCalSignature = "X-Cal-Signature-256"
	maxWebhookBody     = 1 << 20
)

func (s *Server) calWebhook(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		respondError(c, http.StatusBadRequest, "unreadable body")
		return
	}
	if s.cfg.VerifySignature {
		if code, reason := verifySignature(s.cfg.WebhookSecret, c.GetHeader(headerCalSignature), raw); code != 0 {
			s.log.Warn("webhook.rejected", logx.String("reason", reason), logx.String("request_id", c.GetString(ctxRequestID)))
			respondError(c, code, reason)
			return
		}
	}

	b, err := booking.ParseCal(raw)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if !b.Accepted() {
		c.JSON(http.StatusOK, gin.H{"ignored": b.Trigger})
		return
	}
	log := s.log.With(logx.String("uid", b.UID), logx.String("trigger", b.Trigger), logx.String("request_id", c.GetString(ctxRequestID)))
	log.Info("webhook.received")

	ctx := c.Request.Context()
	replayKey := fmt.Sprintf("cal:%s:%s:%d", b.UID, b.Trigger, b.Start.Unix())
	if s.deps.Replays != nil {
		until, ok, err := s.deps.Replays.GetDedup(ctx, replayKey)
		if err != nil {
			log.Warn("replay lookup failed", logx.Err(err))
		} else if ok && time.Now().Before(until) {
			log.Info("webhook.duplicate")
			c.JSON(http.StatusOK, gin.H{"success": true, "duplicate": true})
			return
		}
	}

	res, err := s.deps.Bookings.Handle(ctx, b)
	if err != nil {
		log.Error("webhook.failed", logx.Err(err))
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if s.deps.Replays != nil {
		if err := s.deps.Replays.PutDedup(ctx, replayKey, time.Now().Add(s.cfg.ReplayWindow)); err != nil {
			log.Warn("replay mark failed", logx.Err(err))
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"page_id":  res.PageID,
		"created":  res.Created,
		"notified": res.Notified,
	})
}

// verifySignature checks the hex HMAC-SHA256 of body. It returns a zero code
// when the signature is valid. A "sha256=" prefix is tolerated.
func verifySignature(secret, header string, body []byte) (int, string) {
	if secret == "" {
		return http.StatusInternalServerError, "webhook secret not configured"
	}
	sig := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if sig == "" {
		return http.StatusBadRequest, "missing signature"
	}
	provided, err := hex.DecodeString(sig)
	if err != nil {
		return http.StatusUnauthorized, "invalid signature"
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return http.StatusUnauthorized, "invalid signature"
	}
	return 0, ""
}

// Sign computes the X-Cal-Signature-256 value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
