package placement

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "leadsync/pkg/logx"
)

// TestURLPrefix is the Flexge web page of a placement test, followed by its id.
const TestURLPrefix = "https://app.flexge.com/placement-tests/"

const defaultMaxPages = 200

type FlexgeConfig struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	PagePause time.Duration // between result pages
	MaxPages  int
}

// Flexge lists placement tests newest first and picks the one matching an
// email.
type Flexge struct {
	cfg  FlexgeConfig
	log  logx.Logger
	http *http.Client
}

func NewFlexge(cfg FlexgeConfig, log logx.Logger) *Flexge {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	return &Flexge{cfg: cfg, log: log, http: &http.Client{Timeout: cfg.Timeout}}
}

func (f *Flexge) Enabled() bool { return f != nil && f.cfg.APIKey != "" && f.cfg.BaseURL != "" }

type Student struct {
	Email               string `json:"email"`
	Deleted             bool   `json:"deleted"`
	IsPlacementTestOnly bool   `json:"isPlacementTestOnly"`
}

type ReachedLevel struct {
	// Deleted is treated as true when absent.
	Deleted *bool `json:"deleted"`
	Course  struct {
		Name string `json:"name"`
	} `json:"course"`
}

type Test struct {
	ID           any           `json:"id"`
	Type         string        `json:"type"`
	Deleted      bool          `json:"deleted"`
	CompletedAt  any           `json:"completedAt"`
	CreatedAt    string        `json:"createdAt"`
	UpdatedAt    string        `json:"updatedAt"`
	Student      Student       `json:"student"`
	ReachedLevel *ReachedLevel `json:"reachedLevel"`
}

// Link is the web page of the test, empty when the id is missing.
func (t Test) Link() string {
	id := idString(t.ID)
	if id == "" {
		return ""
	}
	return TestURLPrefix + id
}

// Level is the reached course name, empty when none is recorded.
func (t Test) Level() string {
	rl := t.ReachedLevel
	if rl == nil || rl.Deleted == nil || *rl.Deleted {
		return ""
	}
	return rl.Course.Name
}

func (t Test) completed() bool {
	if t.Deleted || t.Student.Deleted {
		return false
	}
	if typ := strings.ToUpper(t.Type); typ != "" && typ != "PLACEMENT" {
		return false
	}
	switch v := t.CompletedAt.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	default:
		return true
	}
}

type testPage struct {
	Data []Test `json:"data"`
	Docs []Test `json:"docs"`
}

func (p testPage) tests() []Test {
	if p.Data != nil {
		return p.Data
	}
	return p.Docs
}

// LatestCompleted returns the most recent completed placement test for email,
// or nil when none exists. Placement-only students win over regular ones on
// the same page.
func (f *Flexge) LatestCompleted(ctx context.Context, email string) (*Test, error) {
	if !f.Enabled() {
		return nil, nil
	}
	target := NormalizeEmail(email)
	if target == "" {
		return nil, nil
	}
	for page := 1; page <= f.cfg.MaxPages; page++ {
		tests, err := f.fetchPage(ctx, page)
		if err != nil {
			return nil, errors.Wrapf(err, "flexge page %d", page)
		}
		if len(tests) == 0 {
			return nil, nil
		}
		if t := pick(tests, target); t != nil {
			f.log.Debug("placement test found", logx.String("email", email), logx.Int("page", page))
			return t, nil
		}
		if f.cfg.PagePause > 0 {
			if err := sleepCtx(ctx, f.cfg.PagePause); err != nil {
				return nil, err
			}
		}
	}
	f.log.Warn("placement lookup hit page limit", logx.String("email", email), logx.Int("pages", f.cfg.MaxPages))
	return nil, nil
}

func pick(tests []Test, target string) *Test {
	sort.SliceStable(tests, func(i, j int) bool {
		return sortStamp(tests[i]) > sortStamp(tests[j])
	})
	var fallback *Test
	for i := range tests {
		t := &tests[i]
		if !t.completed() || NormalizeEmail(t.Student.Email) != target {
			continue
		}
		if t.Student.IsPlacementTestOnly {
			return t
		}
		if fallback == nil {
			fallback = t
		}
	}
	return fallback
}

func sortStamp(t Test) string {
	if t.CreatedAt != "" {
		return t.CreatedAt
	}
	return t.UpdatedAt
}

func (f *Flexge) fetchPage(ctx context.Context, page int) ([]Test, error) {
	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	q.Set("sort", "createdAt")
	q.Set("order", "desc")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("accept", "application/json")
	req.Header.Set("x-api-key", f.cfg.APIKey)

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Newf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var tp testPage
	if err := json.NewDecoder(resp.Body).Decode(&tp); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	return tp.tests(), nil
}

// NormalizeEmail lower-cases email; for gmail addresses it also drops the
// +tag and dots of the local part.
func NormalizeEmail(email string) string {
	s := strings.ToLower(strings.TrimSpace(email))
	local, domain, ok := strings.Cut(s, "@")
	if !ok || domain != "gmail.com" {
		return s
	}
	local, _, _ = strings.Cut(local, "+")
	return strings.ReplaceAll(local, ".", "") + "@" + domain
}

func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return fmt.Sprint(id)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
