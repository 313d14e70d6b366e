package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadsync/internal/aicontext"
	"leadsync/internal/clock"
	"leadsync/internal/crm/notion"
	"leadsync/internal/jobs"
	"leadsync/internal/reminder"
	kit "leadsync/internal/transport"
	logx "leadsync/pkg/logx"
)

const calBody = `{
  "triggerEvent": "BOOKING_CREATED",
  "payload": {
    "uid": "bk-1",
    "startTime": "2025-03-10T17:00:00Z",
    "endTime": "2025-03-10T17:30:00Z",
    "attendees": [{"name": "Maria Silva", "email": "maria@x.com", "timeZone": "America/Sao_Paulo"}],
    "userFieldsResponses": {"Whatsapp": {"label": "WhatsApp", "value": "(11) 98765-4321"}}
  }
}`

func TestParseCal(t *testing.T) {
	t.Parallel()
	b, err := ParseCal([]byte(calBody))
	require.NoError(t, err)
	assert.True(t, b.Accepted())
	assert.Equal(t, "bk-1", b.UID)
	assert.Equal(t, "Maria Silva", b.Name)
	assert.Equal(t, "maria@x.com", b.Email)
	assert.Equal(t, "(11) 98765-4321", b.Phone)
	assert.Equal(t, int64(1741626000), b.Start.Unix())
	assert.True(t, b.RescheduledFrom.IsZero())
}

func TestParseCalEdgeCases(t *testing.T) {
	t.Parallel()
	b, err := ParseCal([]byte(`{"triggerEvent":"BOOKING_CANCELLED","payload":{}}`))
	require.NoError(t, err)
	assert.False(t, b.Accepted())
	assert.Equal(t, "BOOKING_CANCELLED", b.Trigger)

	_, err = ParseCal([]byte(`{"triggerEvent":"BOOKING_CREATED","payload":{"startTime":"2025-03-10T17:00:00Z","attendees":[]}}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ParseCal([]byte(`{"triggerEvent":"BOOKING_CREATED","payload":{"startTime":"amanhã","attendees":[{"name":"a"}]}}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ParseCal([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	b, err = ParseCal([]byte(`{"triggerEvent":"BOOKING_RESCHEDULED","payload":{"startTime":"2025-03-11T17:00:00.000Z",
		"rescheduleStartTime":"2025-03-10T17:00:00Z","attendees":[{"name":"a"}],
		"userFieldsResponses":{"whatsapp":"11999990000"}}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1741626000), b.RescheduledFrom.Unix())
	assert.Equal(t, "11999990000", b.Phone)
}

type fakeCRM struct {
	mu        sync.Mutex
	byPhone   map[string]string
	byEmail   map[string]string
	phones    map[string]string
	findErr   error
	createErr error
	created   []notion.NewPage
	updates   []string
}

func (f *fakeCRM) FindPageByPhone(ctx context.Context, phone string) (string, error) {
	return f.byPhone[phone], f.findErr
}

func (f *fakeCRM) FindPageByEmail(ctx context.Context, email string) (string, error) {
	return f.byEmail[email], f.findErr
}

func (f *fakeCRM) record(s string) error {
	f.mu.Lock()
	f.updates = append(f.updates, s)
	f.mu.Unlock()
	return nil
}

func (f *fakeCRM) UpdateMeetingDate(ctx context.Context, pageID, when string) error {
	return f.record("date:" + pageID + ":" + when)
}

func (f *fakeCRM) UpdateStatus(ctx context.Context, pageID, status string) error {
	return f.record("status:" + pageID + ":" + status)
}

func (f *fakeCRM) UpdateEmail(ctx context.Context, pageID, email string) error {
	return f.record("email:" + pageID + ":" + email)
}

func (f *fakeCRM) CreatePage(ctx context.Context, np notion.NewPage) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, np)
	return "new-page", nil
}

func (f *fakeCRM) GetPhone(ctx context.Context, pageID string) (string, error) {
	return f.phones[pageID], nil
}

type fakeNotifier struct{ sent []kit.Notification }

func (f *fakeNotifier) Notify(ctx context.Context, n kit.Notification) error {
	f.sent = append(f.sent, n)
	return nil
}

type cancelCall struct {
	at      time.Time
	contact string
}

type fakePlanner struct {
	submitted []reminder.BookingEvent
	cancelled []cancelCall
	err       error
}

func (f *fakePlanner) SubmitPlan(ctx context.Context, ev reminder.BookingEvent) error {
	f.submitted = append(f.submitted, ev)
	return f.err
}

func (f *fakePlanner) CancelPlan(ctx context.Context, at time.Time, contact string) error {
	f.cancelled = append(f.cancelled, cancelCall{at, contact})
	return nil
}

type fakeScheduler struct{ jobs []jobs.Job }

func (f *fakeScheduler) Submit(ctx context.Context, j jobs.Job) error {
	f.jobs = append(f.jobs, j)
	return nil
}

type fakeSender struct{ texts []string }

func (f *fakeSender) SendText(ctx context.Context, phone, text string) error {
	f.texts = append(f.texts, phone+"|"+text)
	return nil
}

type fakeAgent struct{ msgs []string }

func (f *fakeAgent) Send(ctx context.Context, phone, message, kind string) bool {
	f.msgs = append(f.msgs, kind+"|"+message)
	return true
}

type harness struct {
	svc     *Service
	crm     *fakeCRM
	notif   *fakeNotifier
	planner *fakePlanner
	sched   *fakeScheduler
	sender  *fakeSender
	agent   *fakeAgent
	loc     *time.Location
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	loc, err := clock.LoadZone("America/Sao_Paulo")
	require.NoError(t, err)
	h := &harness{
		crm:     &fakeCRM{byPhone: map[string]string{}, byEmail: map[string]string{}, phones: map[string]string{}},
		notif:   &fakeNotifier{},
		planner: &fakePlanner{},
		sched:   &fakeScheduler{},
		sender:  &fakeSender{},
		agent:   &fakeAgent{},
		loc:     loc,
	}
	h.svc = New(Config{
		Location:    loc,
		AdminPhones: func() []string { return []string{"5511000000001", "5511000000002"} },
	}, Deps{CRM: h.crm, Notifier: h.notif, Planner: h.planner, Scheduler: h.sched, Sender: h.sender, Agent: h.agent}, logx.Nop())
	return h
}

func parsed(t *testing.T) Booking {
	b, err := ParseCal([]byte(calBody))
	require.NoError(t, err)
	return b
}

func TestHandleExistingLead(t *testing.T) {
	h := newHarness(t)
	h.crm.byPhone["(11) 98765-4321"] = "page-1"

	res, err := h.svc.Handle(context.Background(), parsed(t))
	require.NoError(t, err)
	assert.Equal(t, Result{PageID: "page-1", Notified: 5}, res)

	when := "segunda-feira, 10 de março de 2025 às 14:00"
	assert.Equal(t, []string{
		"date:page-1:" + when,
		"status:page-1:" + DefaultStatus,
		"email:page-1:maria@x.com",
	}, h.crm.updates)
	assert.Empty(t, h.crm.created)

	require.Len(t, h.notif.sent, 5)
	assert.Contains(t, h.notif.sent[0].Text, "✅ Sua reunião está confirmada para *10/03* às *14:00*.")
	assert.Contains(t, h.notif.sent[0].Text, DefaultMeetingURL)
	assert.Contains(t, h.notif.sent[1].Text, DefaultPlacementURL)
	assert.Contains(t, h.notif.sent[2].Text, reminder.DefaultVideoURL)
	assert.Equal(t, "booking:5511987654321:1741626000:msg1", h.notif.sent[0].DedupKey)
	assert.Equal(t, "5511000000002", h.notif.sent[4].Target.Phone)
	assert.Equal(t, "💼 Nova Reunião Agendada!\n\n👤 Cliente: Maria Silva\n📅 Data: "+when, h.notif.sent[4].Text)

	assert.Equal(t, []string{aicontext.KindMeetingConfirmation + "|Reunião agendada para Maria Silva em " + when}, h.agent.msgs)

	require.Len(t, h.planner.submitted, 1)
	ev := h.planner.submitted[0]
	assert.Equal(t, "page-1", ev.RecordKey)
	assert.Equal(t, h.loc, ev.MeetingInstant.Location())
	assert.Empty(t, h.planner.cancelled)
}

func TestHandleCreatesLeadWhenMissing(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.Handle(context.Background(), parsed(t))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "new-page", res.PageID)
	require.Len(t, h.crm.created, 1)
	assert.Equal(t, "Maria Silva", h.crm.created[0].Name)
	assert.Equal(t, DefaultStatus, h.crm.created[0].Status)
}

func TestHandleCRMFailureStillSchedulesLeadReminders(t *testing.T) {
	h := newHarness(t)
	h.crm.findErr = errors.New("notion 502")
	res, err := h.svc.Handle(context.Background(), parsed(t))
	require.NoError(t, err)
	assert.Empty(t, res.PageID)
	assert.Empty(t, h.crm.created, "no create after a failed lookup")
	require.Len(t, h.planner.submitted, 1)
	assert.Empty(t, h.planner.submitted[0].RecordKey)
}

func TestHandleWithoutWhatsApp(t *testing.T) {
	h := newHarness(t)
	b := parsed(t)
	b.Phone = ""
	h.crm.byEmail["maria@x.com"] = "page-2"

	res, err := h.svc.Handle(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Notified, "sales alerts only")
	assert.Empty(t, h.agent.msgs)
	assert.Equal(t, "page-2", h.planner.submitted[0].RecordKey)
}

func TestHandleRescheduleCancelsOldPlan(t *testing.T) {
	h := newHarness(t)
	b := parsed(t)
	b.Trigger = TriggerRescheduled
	b.RescheduledFrom = b.Start.Add(-24 * time.Hour)

	_, err := h.svc.Handle(context.Background(), b)
	require.NoError(t, err)
	require.Len(t, h.planner.cancelled, 1)
	assert.True(t, h.planner.cancelled[0].at.Equal(b.RescheduledFrom))
	assert.Equal(t, "phone:5511987654321", h.planner.cancelled[0].contact)
}

func TestHandleReturnsSchedulingErrors(t *testing.T) {
	h := newHarness(t)
	h.planner.err = errors.New("store closed")
	_, err := h.svc.Handle(context.Background(), parsed(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule reminders")
}

func TestSendLeadMessage(t *testing.T) {
	h := newHarness(t)
	h.crm.byEmail["maria@x.com"] = "page-1"
	h.crm.phones["page-1"] = "+55 11 98765-4321"
	meeting := time.Date(2025, 3, 10, 14, 0, 0, 0, h.loc)

	res, err := h.svc.SendLeadMessage(context.Background(), LeadMessageRequest{
		Email: "maria@x.com", FirstName: "Maria", Meeting: meeting, Which: "4h", SendNow: true,
	})
	require.NoError(t, err)
	assert.True(t, res.SentNow)
	assert.Equal(t, []string{"+55 11 98765-4321|Oi Maria, tudo certo para a nossa reunião hoje às 14:00?"}, h.sender.texts)
	assert.Equal(t, aicontext.KindTest+"|"+res.Message, h.agent.msgs[0])

	res, err = h.svc.SendLeadMessage(context.Background(), LeadMessageRequest{
		Email: "maria@x.com", FirstName: "Maria", Meeting: meeting, Which: "1d",
	})
	require.NoError(t, err)
	assert.Equal(t, "lead_whatsapp_1741626000_1day", res.Key)
	require.Len(t, h.sched.jobs, 1)
	j := h.sched.jobs[0]
	require.NoError(t, j.Validate())
	assert.True(t, j.RunAt.Equal(meeting.Add(-24*time.Hour)))
	assert.Equal(t, "5511987654321", j.StringArg(0))
	assert.Equal(t, "Olá Maria, amanhã temos nossa reunião às 14:00. Ansiosos para falar com você!", j.StringArg(1))
}

func TestSendLeadMessageErrors(t *testing.T) {
	h := newHarness(t)
	meeting := time.Date(2025, 3, 10, 14, 0, 0, 0, h.loc)
	ctx := context.Background()

	_, err := h.svc.SendLeadMessage(ctx, LeadMessageRequest{Email: "a@x.com", Meeting: meeting, Which: "2h"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.svc.SendLeadMessage(ctx, LeadMessageRequest{Email: "a@x.com", Meeting: meeting, Which: "1d"})
	assert.ErrorIs(t, err, ErrLeadNotFound)

	h.crm.byEmail["a@x.com"] = "page-a"
	_, err = h.svc.SendLeadMessage(ctx, LeadMessageRequest{Email: "a@x.com", Meeting: meeting, Which: "1d"})
	assert.ErrorIs(t, err, ErrNoPhone)

	noCRM := New(Config{}, Deps{}, logx.Nop())
	_, err = noCRM.SendLeadMessage(ctx, LeadMessageRequest{Email: "a@x.com", Meeting: meeting, Which: "1d"})
	assert.ErrorIs(t, err, ErrCRMUnavailable)
}
