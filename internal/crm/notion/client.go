// Package notion is a small client for the Notion database that serves as
// the sales CRM.
package notion

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

	"leadsync/internal/messaging/zapi"
	logx "leadsync/pkg/logx"
)

const (
	DefaultBaseURL = "https://api.notion.com/v1"
	APIVersion     = "2022-06-28"
)

var ErrNotConfigured = errors.New("notion: token or database id not configured")

// Props are the database column names.
type Props struct {
	Name      string
	Email     string
	Phone     string
	Status    string
	Date      string
	TestLink  string
	TestDone  string
	TestLevel string
}

func DefaultProps() Props {
	return Props{
		Name:      "Nome",
		Email:     "Email",
		Phone:     "Telefone",
		Status:    "Status",
		Date:      "Data Agendada pelo Lead",
		TestLink:  "Link do Teste",
		TestDone:  "Teste de Nivelamento",
		TestLevel: "Nível Flexge",
	}
}

func (p Props) withDefaults() Props {
	d := DefaultProps()
	set := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	set(&p.Name, d.Name)
	set(&p.Email, d.Email)
	set(&p.Phone, d.Phone)
	set(&p.Status, d.Status)
	set(&p.Date, d.Date)
	set(&p.TestLink, d.TestLink)
	set(&p.TestDone, d.TestDone)
	set(&p.TestLevel, d.TestLevel)
	return p
}

type Config struct {
	BaseURL    string
	Token      string
	DatabaseID string
	Timeout    time.Duration
	Props      Props
}

type Client struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" || strings.TrimSpace(cfg.DatabaseID) == "" {
		return nil, ErrNotConfigured
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.Props = cfg.Props.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, log: log, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (c *Client) Props() Props { return c.cfg.Props }

// APIError is a non-2xx answer from Notion.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("notion: status=%d code=%s %s", e.Status, e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Notion-Version", APIVersion)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "notion %s %s", method, path)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errors.Wrap(err, "notion read body")
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		return errors.Wrapf(apiErr, "notion %s %s", method, path)
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(raw, out), "notion decode")
}

type page struct {
	ID         string                     `json:"id"`
	Properties map[string]json.RawMessage `json:"properties"`
}

type queryResult struct {
	Results    []page `json:"results"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor"`
}

func (c *Client) queryFirst(ctx context.Context, filter any) (string, error) {
	var res queryResult
	err := c.do(ctx, http.MethodPost, "/databases/"+c.cfg.DatabaseID+"/query", map[string]any{
		"filter":    filter,
		"page_size": 1,
	}, &res)
	if err != nil {
		return "", err
	}
	if len(res.Results) == 0 {
		return "", nil
	}
	return res.Results[0].ID, nil
}

// FindPageByPhone returns the id of the first page whose phone equals the
// cleaned number, or "" when there is none.
func (c *Client) FindPageByPhone(ctx context.Context, phone string) (string, error) {
	p := zapi.CleanPhone(phone)
	if p == "" {
		return "", nil
	}
	return c.queryFirst(ctx, map[string]any{
		"property":     c.cfg.Props.Phone,
		"phone_number": map[string]string{"equals": p},
	})
}

func (c *Client) FindPageByEmail(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", nil
	}
	return c.queryFirst(ctx, map[string]any{
		"property": c.cfg.Props.Email,
		"email":    map[string]string{"equals": email},
	})
}

func (c *Client) patch(ctx context.Context, pageID string, props map[string]any) error {
	return c.do(ctx, http.MethodPatch, "/pages/"+pageID, map[string]any{"properties": props}, nil)
}

func richText(s string) map[string]any {
	return map[string]any{"rich_text": []any{map[string]any{"text": map[string]string{"content": s}}}}
}

// UpdateMeetingDate writes the human-readable meeting date.
func (c *Client) UpdateMeetingDate(ctx context.Context, pageID, when string) error {
	return c.patch(ctx, pageID, map[string]any{c.cfg.Props.Date: richText(when)})
}

func (c *Client) UpdateStatus(ctx context.Context, pageID, status string) error {
	return c.patch(ctx, pageID, map[string]any{
		c.cfg.Props.Status: map[string]any{"status": map[string]string{"name": status}},
	})
}

func (c *Client) UpdateEmail(ctx context.Context, pageID, email string) error {
	return c.patch(ctx, pageID, map[string]any{c.cfg.Props.Email: map[string]any{"email": email}})
}

// NewPage describes a lead created from a booking.
type NewPage struct {
	Name        string
	Email       string
	Phone       string
	MeetingDate string
	Status      string
}

func (c *Client) CreatePage(ctx context.Context, np NewPage) (string, error) {
	p := c.cfg.Props
	props := map[string]any{
		p.Name:   map[string]any{"title": []any{map[string]any{"text": map[string]string{"content": np.Name}}}},
		p.Status: map[string]any{"status": map[string]string{"name": np.Status}},
		p.Date:   richText(np.MeetingDate),
	}
	if np.Email != "" {
		props[p.Email] = map[string]any{"email": np.Email}
	}
	if np.Phone != "" {
		props[p.Phone] = map[string]any{"phone_number": zapi.CleanPhone(np.Phone)}
	}
	var created page
	err := c.do(ctx, http.MethodPost, "/pages", map[string]any{
		"parent":     map[string]string{"database_id": c.cfg.DatabaseID},
		"properties": props,
	}, &created)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// GetPhone reads the phone property of a page; "" when unset.
func (c *Client) GetPhone(ctx context.Context, pageID string) (string, error) {
	var pg page
	if err := c.do(ctx, http.MethodGet, "/pages/"+pageID, nil, &pg); err != nil {
		return "", err
	}
	var prop struct {
		PhoneNumber *string `json:"phone_number"`
	}
	if raw, ok := pg.Properties[c.cfg.Props.Phone]; ok {
		_ = json.Unmarshal(raw, &prop)
	}
	if prop.PhoneNumber == nil {
		return "", nil
	}
	return *prop.PhoneNumber, nil
}

// QueryEmails lists the email of every page whose status is one of statuses,
// following pagination.
func (c *Client) QueryEmails(ctx context.Context, statuses []string) ([]string, error) {
	or := make([]any, 0, len(statuses))
	for _, st := range statuses {
		or = append(or, map[string]any{
			"property": c.cfg.Props.Status,
			"status":   map[string]string{"equals": st},
		})
	}
	var out []string
	cursor := ""
	for {
		body := map[string]any{"page_size": 100}
		if len(or) > 0 {
			body["filter"] = map[string]any{"or": or}
		}
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		var res queryResult
		if err := c.do(ctx, http.MethodPost, "/databases/"+c.cfg.DatabaseID+"/query", body, &res); err != nil {
			return out, err
		}
		for _, pg := range res.Results {
			var prop struct {
				Type  string  `json:"type"`
				Email *string `json:"email"`
			}
			if raw, ok := pg.Properties[c.cfg.Props.Email]; ok && json.Unmarshal(raw, &prop) == nil {
				if prop.Email != nil && *prop.Email != "" {
					out = append(out, *prop.Email)
				}
			}
		}
		if !res.HasMore || res.NextCursor == "" || len(res.Results) == 0 {
			return out, nil
		}
		cursor = res.NextCursor
	}
}

// Placement is the placement-test state written back to a lead.
type Placement struct {
	Link  string // empty clears the link
	Level string
	Done  bool
}

// UpdatePlacement writes link, level and the done checkbox in one request.
func (c *Client) UpdatePlacement(ctx context.Context, pageID string, pl Placement) error {
	p := c.cfg.Props
	var link any
	if pl.Link != "" {
		link = pl.Link
	}
	props := map[string]any{
		p.TestLink: map[string]any{"url": link},
		p.TestDone: map[string]any{"checkbox": pl.Done},
	}
	if pl.Level != "" {
		props[p.TestLevel] = richText(pl.Level)
	}
	return c.patch(ctx, pageID, props)
}
