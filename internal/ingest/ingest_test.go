package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadsync/internal/booking"
	"leadsync/internal/storage"
	"leadsync/internal/task/scheduler"
	logx "leadsync/pkg/logx"
)

const body = `{"triggerEvent":"BOOKING_CREATED","payload":{"uid":"bk-1","startTime":"2025-03-10T17:00:00Z",
"attendees":[{"name":"Maria","email":"maria@x.com"}],"userFieldsResponses":{"WhatsApp":{"value":"11987654321"}}}}`

type fakeBookings struct {
	mu      sync.Mutex
	handled []booking.Booking
	err     error
	leadReq []booking.LeadMessageRequest
	leadErr error
}

func (f *fakeBookings) Handle(ctx context.Context, b booking.Booking) (booking.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, b)
	return booking.Result{PageID: "p1", Notified: 4}, f.err
}

func (f *fakeBookings) SendLeadMessage(ctx context.Context, req booking.LeadMessageRequest) (booking.LeadMessageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leadReq = append(f.leadReq, req)
	return booking.LeadMessageResult{Phone: "5511", Message: "oi", SentNow: req.SendNow}, f.leadErr
}

func (f *fakeBookings) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handled)
}

type fakeJobs struct {
	cancelled []string
	triggered []string
}

func (f *fakeJobs) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{Pending: 3, Jobs: []scheduler.JobInfo{{Key: "a"}}}
}

func (f *fakeJobs) Cancel(ctx context.Context, key string) error {
	f.cancelled = append(f.cancelled, key)
	return nil
}

func (f *fakeJobs) Trigger(ctx context.Context, key string) error {
	if key == "missing" {
		return errors.Wrapf(scheduler.ErrNotFound, "trigger %s", key)
	}
	f.triggered = append(f.triggered, key)
	return nil
}

type fixture struct {
	srv  *Server
	book *fakeBookings
	jobs *fakeJobs
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{book: &fakeBookings{}, jobs: &fakeJobs{}}
	f.srv = New(cfg, Deps{
		Bookings:   f.book,
		Jobs:       f.jobs,
		Replays:    storage.NewMemory(),
		AdminCount: func() int { return 2 },
		SweepKey:   "placement_test_checker",
	}, logx.Nop())
	return f
}

func (f *fixture) do(method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestHealth(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	f := newFixture(t, Config{Version: "1.2.0", Location: loc})
	rec := f.do(http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode(t, rec)
	assert.Equal(t, "healthy", m["status"])
	assert.Equal(t, "1.2.0", m["version"])
	assert.Equal(t, "America/Sao_Paulo", m["timezone"])
	assert.EqualValues(t, 2, m["admin_phones_configured"])
	assert.EqualValues(t, 3, m["pending_jobs"])
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))
}

func TestWebhookSignature(t *testing.T) {
	f := newFixture(t, Config{VerifySignature: true, WebhookSecret: "s3cret"})

	rec := f.do(http.MethodPost, "/webhook/cal", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/webhook/cal", body, map[string]string{headerCalSignature: Sign("other", []byte(body))})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/webhook/cal", body, map[string]string{headerCalSignature: Sign("s3cret", []byte(body))})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["success"])

	rec = f.do(http.MethodPost, "/webhook/cal", `{"triggerEvent":"BOOKING_CREATED"}`,
		map[string]string{headerCalSignature: "sha256=" + Sign("s3cret", []byte(`{"triggerEvent":"BOOKING_CREATED"}`))})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "valid signature, no attendees")
	assert.Equal(t, 1, f.book.count())
}

func TestWebhookReplayIsAnsweredOnce(t *testing.T) {
	f := newFixture(t, Config{})
	first := f.do(http.MethodPost, "/webhook/cal", body, nil)
	require.Equal(t, http.StatusOK, first.Code)
	second := f.do(http.MethodPost, "/webhook/cal", body, nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, true, decode(t, second)["duplicate"])
	assert.Equal(t, 1, f.book.count())

	got := f.book.handled[0]
	assert.Equal(t, "bk-1", got.UID)
	assert.Equal(t, "11987654321", got.Phone)
}

func TestWebhookFailureIsNotMarkedAsSeen(t *testing.T) {
	f := newFixture(t, Config{})
	f.book.err = errors.New("store down")
	rec := f.do(http.MethodPost, "/webhook/cal", body, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "store down")

	f.book.err = nil
	rec = f.do(http.MethodPost, "/webhook/cal", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode(t, rec)["duplicate"])
	assert.Equal(t, 2, f.book.count())
}

func TestWebhookIgnoresOtherTriggers(t *testing.T) {
	f := newFixture(t, Config{})
	rec := f.do(http.MethodPost, "/webhook/cal", `{"triggerEvent":"MEETING_ENDED","payload":{}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MEETING_ENDED", decode(t, rec)["ignored"])

	rec = f.do(http.MethodPost, "/webhook/cal", `{`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, f.book.count())
}

func TestAdminRequiresToken(t *testing.T) {
	f := newFixture(t, Config{AdminToken: "tok"})
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/admin/jobs", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/admin/jobs", "", map[string]string{"Authorization": "Bearer nope"}).Code)

	rec := f.do(http.MethodGet, "/admin/jobs", "", map[string]string{"Authorization": "Bearer tok"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode(t, rec)["pending"])

	off := newFixture(t, Config{})
	assert.Equal(t, http.StatusNotFound, off.do(http.MethodGet, "/admin/jobs", "", map[string]string{"Authorization": "Bearer "}).Code)
}

func TestAdminJobActions(t *testing.T) {
	f := newFixture(t, Config{AdminToken: "tok"})
	auth := map[string]string{"Authorization": "Bearer tok"}

	rec := f.do(http.MethodDelete, "/admin/jobs/lead_whatsapp_1741626000_4h", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"lead_whatsapp_1741626000_4h"}, f.jobs.cancelled)

	rec = f.do(http.MethodPost, "/admin/sweep", "", auth)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"placement_test_checker"}, f.jobs.triggered)

	rec = f.do(http.MethodPost, "/admin/jobs/missing/run", "", auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminLeadMessage(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	f := newFixture(t, Config{AdminToken: "tok", Location: loc})
	auth := map[string]string{"Authorization": "Bearer tok"}

	rec := f.do(http.MethodPost, "/admin/lead-message",
		`{"email":"maria@x.com","first_name":"Maria","meeting_datetime":"2025-03-10T14:00:00","which":"4h","send_now":true}`, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, f.book.leadReq, 1)
	assert.Equal(t, int64(1741626000), f.book.leadReq[0].Meeting.Unix())
	assert.True(t, f.book.leadReq[0].SendNow)

	rec = f.do(http.MethodPost, "/admin/lead-message", `{"email":"maria@x.com"}`, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.book.leadErr = errors.Wrap(booking.ErrLeadNotFound, "maria@x.com")
	rec = f.do(http.MethodPost, "/admin/lead-message",
		`{"email":"maria@x.com","meeting_datetime":"2025-03-10T14:00:00-03:00","which":"1d"}`, auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoveryAnswers500(t *testing.T) {
	f := newFixture(t, Config{})
	f.srv.eng.GET("/boom", func(*gin.Context) { panic("kaboom") })
	rec := f.do(http.MethodGet, "/boom", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decode(t, rec)["error"])
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{Addr: "127.0.0.1:0"})
	require.NoError(t, f.srv.Start(context.Background()))
	addr := f.srv.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	busy := newFixture(t, Config{Addr: addr})
	assert.Error(t, busy.srv.Start(context.Background()), "port in use")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f.srv.Stop(ctx)
	assert.Empty(t, f.srv.Addr())
}
