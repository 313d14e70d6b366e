package placement

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadsync/internal/crm/notion"
	logx "leadsync/pkg/logx"
)

func TestNormalizeEmail(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		" Ana.Souza+flexge@Gmail.com ": "anasouza@gmail.com",
		"ana.souza@empresa.com.br":     "ana.souza@empresa.com.br",
		"no-at-sign":                   "no-at-sign",
		"":                             "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeEmail(in), in)
	}
}

func TestSanitizeEmail(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a@b.com", SanitizeEmail("[a@b.com](mailto:a@b.com)"))
	assert.Equal(t, "a@b.com", SanitizeEmail(" mailto:a@b.com "))
	assert.Equal(t, "a@b.com", SanitizeEmail("a@b.com"))
}

func TestTestLevelAndLink(t *testing.T) {
	t.Parallel()
	no, yes := false, true
	live := &ReachedLevel{Deleted: &no}
	live.Course.Name = "B1"
	assert.Equal(t, "B1", Test{ReachedLevel: live}.Level())
	assert.Empty(t, Test{ReachedLevel: &ReachedLevel{Deleted: &yes}}.Level())
	assert.Empty(t, Test{ReachedLevel: &ReachedLevel{}}.Level(), "absent deleted flag counts as deleted")
	assert.Equal(t, TestURLPrefix+"abc", Test{ID: "abc"}.Link())
	assert.Equal(t, TestURLPrefix+"42", Test{ID: float64(42)}.Link())
	assert.Empty(t, Test{}.Link())
}

// flexgeServer serves pages[n-1] for ?page=n and an empty list after that.
func flexgeServer(t *testing.T, pages ...string) (*httptest.Server, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.RawQuery)
		mu.Unlock()
		if r.Header.Get("x-api-key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var n int
		_, _ = fmt.Sscan(r.URL.Query().Get("page"), &n)
		if n >= 1 && n <= len(pages) {
			_, _ = w.Write([]byte(pages[n-1]))
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

func TestLatestCompletedPrefersPlacementOnly(t *testing.T) {
	page1 := `{"data":[
		{"id":"old","createdAt":"2025-01-01","completedAt":"x","student":{"email":"ana@x.com","isPlacementTestOnly":true}},
		{"id":"new","createdAt":"2025-02-01","completedAt":"x","student":{"email":"ana@x.com"}},
		{"id":"open","createdAt":"2025-03-01","student":{"email":"ana@x.com","isPlacementTestOnly":true}}
	]}`
	srv, seen := flexgeServer(t, page1)
	f := NewFlexge(FlexgeConfig{BaseURL: srv.URL, APIKey: "key"}, logx.Nop())

	got, err := f.LatestCompleted(context.Background(), "ANA@x.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "old", got.ID)
	assert.Equal(t, "order=desc&page=1&sort=createdAt", seen()[0])
}

func TestLatestCompletedPagesThroughDocsShape(t *testing.T) {
	page1 := `{"docs":[{"id":"x","completedAt":"x","type":"LEVEL","student":{"email":"ana@x.com"}}]}`
	page2 := `{"docs":[{"id":"y","completedAt":"x","type":"placement","student":{"email":"ana@x.com"}}]}`
	srv, _ := flexgeServer(t, page1, page2)
	f := NewFlexge(FlexgeConfig{BaseURL: srv.URL, APIKey: "key"}, logx.Nop())

	got, err := f.LatestCompleted(context.Background(), "ana@x.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "y", got.ID)
}

func TestLatestCompletedNoneAndErrors(t *testing.T) {
	srv, seen := flexgeServer(t, `{"data":[{"id":"z","completedAt":"x","deleted":true,"student":{"email":"ana@x.com"}}]}`)
	f := NewFlexge(FlexgeConfig{BaseURL: srv.URL, APIKey: "key", MaxPages: 5}, logx.Nop())
	got, err := f.LatestCompleted(context.Background(), "ana@x.com")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Len(t, seen(), 2, "stops at the first empty page")

	bad := NewFlexge(FlexgeConfig{BaseURL: srv.URL, APIKey: "wrong"}, logx.Nop())
	_, err = bad.LatestCompleted(context.Background(), "ana@x.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

type fakeCRM struct {
	mu      sync.Mutex
	emails  []string
	listErr error
	pages   map[string]string
	updates map[string]notion.Placement
}

func (f *fakeCRM) QueryEmails(ctx context.Context, statuses []string) ([]string, error) {
	return f.emails, f.listErr
}

func (f *fakeCRM) FindPageByEmail(ctx context.Context, email string) (string, error) {
	if email == "boom@x.com" {
		return "", errors.New("notion down")
	}
	return f.pages[email], nil
}

func (f *fakeCRM) UpdatePlacement(ctx context.Context, pageID string, pl notion.Placement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = map[string]notion.Placement{}
	}
	f.updates[pageID] = pl
	return nil
}

type fakeFinder struct {
	tests map[string]*Test
	off   bool
}

func (f fakeFinder) Enabled() bool { return !f.off }

func (f fakeFinder) LatestCompleted(ctx context.Context, email string) (*Test, error) {
	return f.tests[email], nil
}

func TestSweepUpdatesEachLead(t *testing.T) {
	no := false
	lvl := &ReachedLevel{Deleted: &no}
	lvl.Course.Name = "A2"
	crm := &fakeCRM{
		emails: []string{"[ana@x.com](mailto:ana@x.com)", "bia@x.com", "ghost@x.com", "boom@x.com"},
		pages:  map[string]string{"ana@x.com": "p-ana", "bia@x.com": "p-bia"},
	}
	finder := fakeFinder{tests: map[string]*Test{"ana@x.com": {ID: "t1", ReachedLevel: lvl}}}
	s := NewSweeper(SweepConfig{}, crm, finder, logx.Nop())

	rep, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Emails: 4, Completed: 1, Pending: 1, Missing: 1, Failed: 1}, rep)
	assert.Equal(t, notion.Placement{Link: TestURLPrefix + "t1", Level: "A2", Done: true}, crm.updates["p-ana"])
	assert.Equal(t, notion.Placement{Level: PendingLevel}, crm.updates["p-bia"])
}

func TestSweepListingFailureFails(t *testing.T) {
	s := NewSweeper(SweepConfig{}, &fakeCRM{listErr: errors.New("401")}, fakeFinder{}, logx.Nop())
	_, err := s.Run(context.Background())
	require.Error(t, err)
}

func TestSweepDisabledIsNoop(t *testing.T) {
	crm := &fakeCRM{emails: []string{"a@x.com"}}
	rep, err := NewSweeper(SweepConfig{}, crm, fakeFinder{off: true}, logx.Nop()).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Emails)
	assert.Empty(t, crm.updates)
}
