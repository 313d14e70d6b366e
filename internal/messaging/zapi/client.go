// Package zapi sends WhatsApp messages through the Z-API HTTP gateway.
package zapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	kit "leadsync/internal/transport"
	logx "leadsync/pkg/logx"
)

const DefaultBaseURL = "https://api.z-api.io"

var ErrNotConfigured = errors.New("zapi: instance or token not configured")

type Config struct {
	BaseURL     string
	Instance    string
	Token       string
	ClientToken string
	RatePerSec  int
	Timeout     time.Duration
}

type Client struct {
	cfg     Config
	log     logx.Logger
	http    *http.Client
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Instance) == "" || strings.TrimSpace(cfg.Token) == "" {
		return nil, ErrNotConfigured
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		log:     log,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}, nil
}

type textPayload struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type linkPayload struct {
	Phone           string `json:"phone"`
	Message         string `json:"message"`
	Image           string `json:"image,omitempty"`
	LinkURL         string `json:"linkUrl"`
	Title           string `json:"title"`
	LinkDescription string `json:"linkDescription"`
	LinkType        string `json:"linkType"`
}

// SendText sends a plain text message to phone.
func (c *Client) SendText(ctx context.Context, phone, text string) error {
	to := CleanPhone(phone)
	if to == "" {
		return errors.New("zapi: empty phone")
	}
	return c.post(ctx, "send-text", to, textPayload{Phone: to, Message: text})
}

// SendLink sends text with a large link preview card.
func (c *Client) SendLink(ctx context.Context, phone, text string, link kit.Link) error {
	to := CleanPhone(phone)
	if to == "" {
		return errors.New("zapi: empty phone")
	}
	if link.URL == "" {
		return errors.New("zapi: link url required")
	}
	return c.post(ctx, "send-link", to, linkPayload{
		Phone:           to,
		Message:         text,
		Image:           link.Image,
		LinkURL:         link.URL,
		Title:           link.Title,
		LinkDescription: link.Description,
		LinkType:        "LARGE",
	})
}

// Send implements transport.Sender.
func (c *Client) Send(ctx context.Context, to kit.Target, text string, opt *kit.SendOptions) error {
	if opt != nil && opt.Link != nil {
		return c.SendLink(ctx, to.Phone, text, *opt.Link)
	}
	return c.SendText(ctx, to.Phone, text)
}

// Broadcast sends text to every phone and reports how many got it. A failed
// phone does not stop the others; the returned error joins every failure.
func (c *Client) Broadcast(ctx context.Context, phones []string, text string) (int, error) {
	var errs []error
	sent := 0
	for _, p := range phones {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := c.SendText(ctx, p, text); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func (c *Client) endpoint(op string) string {
	return fmt.Sprintf("%s/instances/%s/token/%s/%s", c.cfg.BaseURL, c.cfg.Instance, c.cfg.Token, op)
}

func (c *Client) post(ctx context.Context, op, phone string, payload any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(op), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.ClientToken != "" {
		req.Header.Set("Client-Token", c.cfg.ClientToken)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "zapi %s", op)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode/100 != 2 {
		return errors.Newf("zapi %s: status=%d body=%s", op, resp.StatusCode, truncate(string(raw), 300))
	}
	var out struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &out) == nil && out.Error != "" {
		return errors.Newf("zapi %s: %s %s", op, out.Error, out.Message)
	}
	c.log.Debug("zapi.sent",
		logx.String("op", op),
		logx.String("phone", phone),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
