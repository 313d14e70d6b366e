// Package aicontext keeps the WhatsApp AI agent (Zaia) aware of messages the
// service sends on its own, so the agent's conversation history stays whole.
package aicontext

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"leadsync/internal/messaging/zapi"
	logx "leadsync/pkg/logx"
)

// Message kinds reported in the custom payload.
const (
	KindSystem              = "system"
	KindMeetingConfirmation = "meeting_confirmation"
	KindReminder            = "reminder"
	KindTest                = "test_notification"
)

type Config struct {
	BaseURL string
	APIKey  string
	AgentID int64
	Timeout time.Duration
}

// Client posts context messages. A nil or unconfigured Client is disabled and
// every call is a no-op.
type Client struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{cfg: cfg, log: log, http: &http.Client{Timeout: cfg.Timeout}}
	if !c.Enabled() {
		log.Info("agent context disabled: api_key, agent_id or base_url missing")
	}
	return c
}

func (c *Client) Enabled() bool {
	return c != nil && c.cfg.APIKey != "" && c.cfg.AgentID != 0 && c.cfg.BaseURL != ""
}

type createRequest struct {
	AgentID    int64          `json:"agentId"`
	ExternalID string         `json:"externalGenerativeChatExternalId"`
	Prompt     string         `json:"prompt"`
	Streaming  bool           `json:"streaming"`
	AsMarkdown bool           `json:"asMarkdown"`
	Custom     map[string]any `json:"custom"`
}

// Send pushes message into the agent chat for phone. Failures are logged and
// reported as false; they never reach the caller as errors.
func (c *Client) Send(ctx context.Context, phone, message, kind string) bool {
	if !c.Enabled() {
		return false
	}
	p := zapi.CleanPhone(phone)
	if p == "" {
		return false
	}
	if kind == "" {
		kind = KindSystem
	}
	body, _ := json.Marshal(createRequest{
		AgentID:    c.cfg.AgentID,
		ExternalID: p,
		Prompt:     "[SISTEMA] " + message,
		Custom: map[string]any{
			"whatsapp":     p,
			"message_type": kind,
			"source":       "cal_integration",
		},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1.1/api/external-generative-message/create", bytes.NewReader(body))
	if err != nil {
		c.log.Warn("agent context request", logx.Err(err))
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("agent context send failed", logx.String("kind", kind), logx.Err(err))
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Warn("agent context rejected",
			logx.String("kind", kind),
			logx.Int("status", resp.StatusCode),
			logx.String("body", string(raw)),
		)
		return false
	}
	c.log.Debug("agent context sent", logx.String("kind", kind), logx.String("phone", p))
	return true
}
