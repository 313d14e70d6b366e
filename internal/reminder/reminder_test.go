package reminder

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadsync/internal/clock"
	"leadsync/internal/jobs"
	"leadsync/internal/storage"
	"leadsync/internal/task/scheduler"
	logx "leadsync/pkg/logx"
)

func saoPaulo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := clock.LoadZone("America/Sao_Paulo")
	require.NoError(t, err)
	return loc
}

func booking(t *testing.T) BookingEvent {
	at, err := time.Parse(time.RFC3339, "2025-03-10T14:00:00-03:00")
	require.NoError(t, err)
	return BookingEvent{
		ContactName:    "Maria Silva",
		ContactPhone:   "(11) 98765-4321",
		ContactEmail:   "maria@x.com",
		MeetingInstant: at,
		RecordKey:      "1a2b-3c4d",
	}
}

func TestPlanScenario(t *testing.T) {
	loc := saoPaulo(t)
	ev := booking(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, loc)

	specs := Plan(ev, now, loc, Messages{})
	require.Len(t, specs, 4)

	want := map[string]string{
		"lead_whatsapp_1741626000_1day": "2025-03-09T14:00:00-03:00",
		"lead_whatsapp_1741626000_4h":   "2025-03-10T10:00:00-03:00",
		"admin_reminder_1741626000_8am": "2025-03-10T08:00:00-03:00",
		"admin_reminder_1741626000_1h":  "2025-03-10T13:00:00-03:00",
	}
	for _, sp := range specs {
		assert.Equal(t, want[sp.Key], sp.RunAt.Format(time.RFC3339), sp.Key)
		assert.Equal(t, loc, sp.RunAt.Location())
		require.NoError(t, sp.Job().Validate())
	}

	lead := specs[0]
	assert.Equal(t, jobs.CallbackLeadMessage, lead.Callback)
	assert.Equal(t, []any{"5511987654321", lead.Text(), ContextReminder}, lead.Args)
	assert.True(t, strings.HasPrefix(lead.Text(), "Hello Hello, Maria! Amanhã temos nossa reunião às 14:00."))
	assert.Contains(t, lead.Text(), DefaultVideoURL)
	assert.Equal(t, "Hello Maria, tudo certo para a nossa reunião hoje às 14:00?", specs[1].Text())

	admin := specs[2]
	assert.Equal(t, jobs.CallbackAdminBroadcast, admin.Callback)
	assert.Equal(t, "🔔 Lembrete de Reunião: Hoje temos um encontro com o lead *Maria Silva* às *14:00*."+
		"\n\n📄 Notion: https://www.notion.so/1a2b3c4d\n💬 WhatsApp: wa.me/11987654321", admin.Text())
}

func TestPlanSkipsPastAdminRemindersOnly(t *testing.T) {
	loc := saoPaulo(t)
	ev := booking(t)
	now := time.Date(2025, 3, 10, 12, 30, 0, 0, loc)

	var keys []string
	for _, sp := range Plan(ev, now, loc, Messages{}) {
		keys = append(keys, sp.Key)
	}
	assert.Equal(t, []string{
		"lead_whatsapp_1741626000_1day",
		"lead_whatsapp_1741626000_4h",
		"admin_reminder_1741626000_1h",
	}, keys)

	atOneHour := time.Date(2025, 3, 10, 13, 0, 0, 0, loc)
	for _, sp := range Plan(ev, atOneHour, loc, Messages{}) {
		assert.Equal(t, AudienceLead, sp.Audience, "admin reminder at exactly now is not planned")
	}
}

func TestPlanByAvailableContactData(t *testing.T) {
	loc := saoPaulo(t)
	ev := booking(t)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, loc)

	noPhone := ev
	noPhone.ContactPhone = ""
	for _, sp := range Plan(noPhone, now, loc, Messages{}) {
		assert.Equal(t, AudienceAdmin, sp.Audience)
		assert.NotContains(t, sp.Text(), "wa.me")
	}

	noRecord := ev
	noRecord.RecordKey = ""
	specs := Plan(noRecord, now, loc, Messages{})
	require.Len(t, specs, 2)
	assert.Equal(t, AudienceLead, specs[1].Audience)
}

func TestPlanNormalizesZone(t *testing.T) {
	loc := saoPaulo(t)
	ev := booking(t)
	ev.MeetingInstant = ev.MeetingInstant.UTC()
	specs := Plan(ev, ev.MeetingInstant.Add(-48*time.Hour), loc, Messages{VideoURL: "https://v"})
	require.NotEmpty(t, specs)
	assert.Contains(t, specs[0].Text(), "às 14:00")
	assert.Contains(t, specs[0].Text(), "👉 https://v")
}

func TestContactID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "phone:5511987654321", ContactID(BookingEvent{ContactPhone: "11 98765-4321", ContactEmail: "a@b"}))
	assert.Equal(t, "email:a@b.com", ContactID(BookingEvent{ContactEmail: " A@b.com "}))
	assert.Equal(t, "record:p1", ContactID(BookingEvent{RecordKey: "p1"}))
	assert.Empty(t, ContactID(BookingEvent{}))
}

func newSchedulerService(t *testing.T, now time.Time) (*Service, *scheduler.Service, storage.Store) {
	t.Helper()
	loc := saoPaulo(t)
	st := storage.NewMemory()
	sched := scheduler.New(scheduler.Config{Location: loc}, st, nil, nil, logx.Nop(), nil)
	svc := NewService(sched, st, loc, Messages{}, logx.Nop())
	svc.SetClock(clock.NewFake(now))
	return svc, sched, st
}

func TestSubmitPlanStoresAndTracksKeys(t *testing.T) {
	ctx := context.Background()
	ev := booking(t)
	svc, _, st := newSchedulerService(t, ev.MeetingInstant.Add(-72*time.Hour))

	require.NoError(t, svc.SubmitPlan(ctx, ev))
	all, err := st.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	tracked, err := st.GetContactKeys(ctx, ContactID(ev))
	require.NoError(t, err)
	assert.ElementsMatch(t, Keys(ev.MeetingInstant), tracked)
}

func TestResubmitSameKeyLeavesOneRow(t *testing.T) {
	ctx := context.Background()
	ev := booking(t)
	_, sched, st := newSchedulerService(t, ev.MeetingInstant.Add(-72*time.Hour))

	sp := Plan(ev, ev.MeetingInstant.Add(-72*time.Hour), saoPaulo(t), Messages{})[0]
	require.Equal(t, "lead_whatsapp_1741626000_1day", sp.Key)
	require.NoError(t, sched.Submit(ctx, sp.Job()))
	later := sp.Job()
	later.RunAt = later.RunAt.Add(2 * time.Hour)
	require.NoError(t, sched.Submit(ctx, later))

	all, err := st.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].RunAt.Equal(later.RunAt))
}

func TestSeparateBookingsKeepTheirReminders(t *testing.T) {
	ctx := context.Background()
	first := booking(t)
	svc, sched, st := newSchedulerService(t, first.MeetingInstant.Add(-72*time.Hour))

	require.NoError(t, svc.SubmitPlan(ctx, first))
	second := first
	second.MeetingInstant = first.MeetingInstant.Add(7 * 24 * time.Hour)
	second.RecordKey = "5e6f-7a8b"
	require.NoError(t, svc.SubmitPlan(ctx, second))

	want := append(Keys(first.MeetingInstant), Keys(second.MeetingInstant)...)
	for _, k := range want {
		_, ok := sched.Get(k)
		assert.True(t, ok, "key %s not pending", k)
	}
	all, err := st.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 8)
	tracked, err := st.GetContactKeys(ctx, ContactID(first))
	require.NoError(t, err)
	assert.ElementsMatch(t, want, tracked)
}

func TestRescheduleCancelsPreviousKeys(t *testing.T) {
	ctx := context.Background()
	ev := booking(t)
	svc, sched, st := newSchedulerService(t, ev.MeetingInstant.Add(-72*time.Hour))

	require.NoError(t, svc.SubmitPlan(ctx, ev))
	moved := ev
	moved.MeetingInstant = ev.MeetingInstant.Add(24 * time.Hour)
	require.NoError(t, svc.CancelPlan(ctx, ev.MeetingInstant, ContactID(ev)))
	require.NoError(t, svc.SubmitPlan(ctx, moved))

	for _, k := range Keys(ev.MeetingInstant) {
		_, ok := sched.Get(k)
		assert.False(t, ok, "old key %s still pending", k)
	}
	all, err := st.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	tracked, err := st.GetContactKeys(ctx, ContactID(ev))
	require.NoError(t, err)
	assert.ElementsMatch(t, Keys(moved.MeetingInstant), tracked)

	// Same booking again is a no-op replace.
	require.NoError(t, svc.SubmitPlan(ctx, moved))
	all, err = st.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	tracked, err = st.GetContactKeys(ctx, ContactID(ev))
	require.NoError(t, err)
	assert.Len(t, tracked, 4)
}

func TestCancelPlan(t *testing.T) {
	ctx := context.Background()
	ev := booking(t)
	svc, _, st := newSchedulerService(t, ev.MeetingInstant.Add(-72*time.Hour))

	require.NoError(t, svc.SubmitPlan(ctx, ev))
	require.NoError(t, svc.CancelPlan(ctx, ev.MeetingInstant, ContactID(ev)))

	all, err := st.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	tracked, err := st.GetContactKeys(ctx, ContactID(ev))
	require.NoError(t, err)
	assert.Empty(t, tracked)

	// Nothing left: still fine.
	require.NoError(t, svc.CancelPlan(ctx, ev.MeetingInstant, ""))
}

type failingScheduler struct {
	submitted []string
	failOn    string
}

func (f *failingScheduler) Submit(ctx context.Context, j jobs.Job) error {
	if j.Key == f.failOn {
		return errors.New("disk full")
	}
	f.submitted = append(f.submitted, j.Key)
	return nil
}

func (f *failingScheduler) Cancel(ctx context.Context, key string) error { return nil }

func TestSubmitPlanReturnsStoreErrors(t *testing.T) {
	ctx := context.Background()
	ev := booking(t)
	st := storage.NewMemory()
	fs := &failingScheduler{failOn: LeadKey(ev.MeetingInstant, TagSameDay)}
	svc := NewService(fs, st, saoPaulo(t), Messages{}, logx.Nop())
	svc.SetClock(clock.NewFake(ev.MeetingInstant.Add(-72 * time.Hour)))

	err := svc.SubmitPlan(ctx, ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	tracked, err := st.GetContactKeys(ctx, ContactID(ev))
	require.NoError(t, err)
	assert.Equal(t, []string{LeadKey(ev.MeetingInstant, TagDayBefore)}, tracked)
}
