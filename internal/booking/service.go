// Package booking runs everything a confirmed meeting triggers: the CRM
// record, the immediate WhatsApp messages, the agent context and the reminder
// plan.
package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"leadsync/internal/aicontext"
	"leadsync/internal/clock"
	"leadsync/internal/crm/notion"
	"leadsync/internal/jobs"
	"leadsync/internal/messaging/zapi"
	"leadsync/internal/reminder"
	kit "leadsync/internal/transport"
	logx "leadsync/pkg/logx"
)

var (
	ErrCRMUnavailable = errors.New("crm not configured")
	ErrLeadNotFound   = errors.New("lead not found in crm")
	ErrNoPhone        = errors.New("lead has no phone in crm")
	ErrInvalidRequest = errors.New("invalid request")
)

// DefaultStatus is written to the CRM for every booked lead.
const DefaultStatus = "Agendado reunião"

type CRM interface {
	FindPageByPhone(ctx context.Context, phone string) (string, error)
	FindPageByEmail(ctx context.Context, email string) (string, error)
	UpdateMeetingDate(ctx context.Context, pageID, when string) error
	UpdateStatus(ctx context.Context, pageID, status string) error
	UpdateEmail(ctx context.Context, pageID, email string) error
	CreatePage(ctx context.Context, np notion.NewPage) (string, error)
	GetPhone(ctx context.Context, pageID string) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

type Planner interface {
	SubmitPlan(ctx context.Context, ev reminder.BookingEvent) error
	CancelPlan(ctx context.Context, oldInstant time.Time, contact string) error
}

type JobSubmitter interface {
	Submit(ctx context.Context, job jobs.Job) error
}

type TextSender interface {
	SendText(ctx context.Context, phone, text string) error
}

type Agent interface {
	Send(ctx context.Context, phone, message, kind string) bool
}

type Config struct {
	Location     *time.Location
	StatusValue  string
	MeetingURL   string
	PlacementURL string
	VideoURL     string
	AdminPhones  func() []string
	// MirrorChannel, when set, also receives the sales alert (e.g. telegram).
	MirrorChannel string
}

// Deps are the collaborators of the flow. CRM, Notifier and Agent may be nil.
type Deps struct {
	CRM       CRM
	Notifier  Notifier
	Planner   Planner
	Scheduler JobSubmitter
	Sender    TextSender
	Agent     Agent
}

type Service struct {
	cfg  Config
	deps Deps
	log  logx.Logger
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.StatusValue == "" {
		cfg.StatusValue = DefaultStatus
	}
	if cfg.MeetingURL == "" {
		cfg.MeetingURL = DefaultMeetingURL
	}
	if cfg.PlacementURL == "" {
		cfg.PlacementURL = DefaultPlacementURL
	}
	if cfg.VideoURL == "" {
		cfg.VideoURL = reminder.DefaultVideoURL
	}
	if cfg.AdminPhones == nil {
		cfg.AdminPhones = func() []string { return nil }
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log}
}

// Result reports what Handle did.
type Result struct {
	PageID   string `json:"page_id,omitempty"`
	Created  bool   `json:"created,omitempty"`
	Notified int    `json:"notified"`
}

// Handle processes an accepted booking. CRM and delivery failures are logged
// and do not stop the flow; a failure to schedule reminders is returned.
func (s *Service) Handle(ctx context.Context, b Booking) (Result, error) {
	var res Result
	start := b.Start.In(s.cfg.Location)
	formatted := clock.FormatLongPT(start)
	log := s.log.With(logx.String("trigger", b.Trigger), logx.String("uid", b.UID))
	log.Info("booking received",
		logx.String("name", b.Name),
		logx.String("email", b.Email),
		logx.Bool("has_whatsapp", b.Phone != ""),
		logx.String("start", formatted),
	)

	res.PageID, res.Created = s.syncCRM(ctx, log, b, formatted)

	if b.Phone != "" {
		stamp := fmt.Sprintf("%s:%d", zapi.CleanPhone(b.Phone), start.Unix())
		for i, text := range []string{
			confirmationText(b.Name, start, s.cfg.MeetingURL),
			placementText(s.cfg.PlacementURL),
			videoText(s.cfg.VideoURL),
		} {
			if s.notify(ctx, log, kit.Notification{
				Channel:  kit.ChannelWhatsApp,
				Target:   kit.Target{Phone: b.Phone},
				Text:     text,
				DedupKey: fmt.Sprintf("booking:%s:msg%d", stamp, i+1),
			}) {
				res.Notified++
			}
		}
		if s.deps.Agent != nil {
			s.deps.Agent.Send(ctx, b.Phone, scheduledContext(b.Name, formatted), aicontext.KindMeetingConfirmation)
		}
	}

	sales := salesText(b.Name, formatted)
	for _, admin := range s.cfg.AdminPhones() {
		if s.notify(ctx, log, kit.Notification{
			Channel:  kit.ChannelWhatsApp,
			Target:   kit.Target{Phone: admin},
			Text:     sales,
			DedupKey: fmt.Sprintf("booking:sales:%s:%s:%d", zapi.CleanPhone(admin), b.UID, start.Unix()),
		}) {
			res.Notified++
		}
	}
	if s.cfg.MirrorChannel != "" {
		s.notify(ctx, log, kit.Notification{
			Channel:  s.cfg.MirrorChannel,
			Text:     sales,
			DedupKey: fmt.Sprintf("booking:sales:mirror:%s:%d", b.UID, start.Unix()),
		})
	}

	ev := reminder.BookingEvent{
		ContactName:    b.Name,
		ContactPhone:   b.Phone,
		ContactEmail:   b.Email,
		MeetingInstant: start,
		RecordKey:      res.PageID,
	}
	if b.Trigger == TriggerRescheduled && !b.RescheduledFrom.IsZero() && !b.RescheduledFrom.Equal(b.Start) {
		if err := s.deps.Planner.CancelPlan(ctx, b.RescheduledFrom, reminder.ContactID(ev)); err != nil {
			return res, errors.Wrap(err, "cancel previous reminders")
		}
	}
	if err := s.deps.Planner.SubmitPlan(ctx, ev); err != nil {
		return res, errors.Wrap(err, "schedule reminders")
	}
	return res, nil
}

// syncCRM finds the lead by phone then email and updates it, or creates it.
func (s *Service) syncCRM(ctx context.Context, log logx.Logger, b Booking, formatted string) (string, bool) {
	crm := s.deps.CRM
	if crm == nil {
		return "", false
	}
	var pageID string
	var lookupFailed bool
	if b.Phone != "" {
		id, err := crm.FindPageByPhone(ctx, b.Phone)
		if err != nil {
			lookupFailed = true
			log.Warn("crm lookup by phone failed", logx.Err(err))
		}
		pageID = id
	}
	if pageID == "" && b.Email != "" {
		id, err := crm.FindPageByEmail(ctx, b.Email)
		if err != nil {
			lookupFailed = true
			log.Warn("crm lookup by email failed", logx.Err(err))
		}
		pageID = id
	}

	if pageID != "" {
		if err := crm.UpdateMeetingDate(ctx, pageID, formatted); err != nil {
			log.Warn("crm meeting date update failed", logx.String("page", pageID), logx.Err(err))
		}
		if err := crm.UpdateStatus(ctx, pageID, s.cfg.StatusValue); err != nil {
			log.Warn("crm status update failed", logx.String("page", pageID), logx.Err(err))
		}
		if b.Email != "" {
			if err := crm.UpdateEmail(ctx, pageID, b.Email); err != nil {
				log.Warn("crm email update failed", logx.String("page", pageID), logx.Err(err))
			}
		}
		log.Info("crm lead updated", logx.String("page", pageID))
		return pageID, false
	}

	if lookupFailed {
		// A lead we failed to look up may exist; creating it could duplicate it.
		log.Warn("crm lead not created after failed lookup; admin reminders skipped")
		return "", false
	}
	pageID, err := crm.CreatePage(ctx, notion.NewPage{
		Name:        b.Name,
		Email:       b.Email,
		Phone:       b.Phone,
		MeetingDate: formatted,
		Status:      s.cfg.StatusValue,
	})
	if err != nil {
		log.Error("crm lead create failed; admin reminders skipped", logx.Err(err))
		return "", false
	}
	log.Info("crm lead created", logx.String("page", pageID))
	return pageID, true
}

func (s *Service) notify(ctx context.Context, log logx.Logger, n kit.Notification) bool {
	if s.deps.Notifier == nil {
		return false
	}
	if err := s.deps.Notifier.Notify(ctx, n); err != nil {
		log.Warn("notification not queued",
			logx.String("channel", n.Channel),
			logx.String("phone", n.Target.Phone),
			logx.Err(err),
		)
		return false
	}
	return true
}

// LeadMessageRequest asks for a manual lead reminder for a contact already
// in the CRM.
type LeadMessageRequest struct {
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	Meeting   time.Time `json:"meeting_datetime"`
	Which     string    `json:"which"` // "1d" or "4h"
	SendNow   bool      `json:"send_now"`
}

type LeadMessageResult struct {
	Phone        string     `json:"phone"`
	Message      string     `json:"message"`
	SentNow      bool       `json:"sent_now,omitempty"`
	Key          string     `json:"key,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

// SendLeadMessage sends the manual reminder now or schedules it under the
// same key the planned reminder uses, replacing it.
func (s *Service) SendLeadMessage(ctx context.Context, req LeadMessageRequest) (LeadMessageResult, error) {
	var res LeadMessageResult
	if strings.TrimSpace(req.Email) == "" || req.Meeting.IsZero() {
		return res, errors.Wrap(ErrInvalidRequest, "email and meeting_datetime are required")
	}
	meeting := req.Meeting.In(s.cfg.Location)
	text, ok := manualLeadText(req.Which, req.FirstName, meeting)
	if !ok {
		return res, errors.Wrapf(ErrInvalidRequest, "which must be 1d or 4h, got %q", req.Which)
	}
	if s.deps.CRM == nil {
		return res, ErrCRMUnavailable
	}
	pageID, err := s.deps.CRM.FindPageByEmail(ctx, req.Email)
	if err != nil {
		return res, errors.Wrap(err, "crm lookup")
	}
	if pageID == "" {
		return res, errors.Wrapf(ErrLeadNotFound, "%s", req.Email)
	}
	phone, err := s.deps.CRM.GetPhone(ctx, pageID)
	if err != nil {
		return res, errors.Wrap(err, "crm phone")
	}
	if phone == "" {
		return res, errors.Wrapf(ErrNoPhone, "%s", req.Email)
	}
	res.Phone, res.Message = phone, text

	if req.SendNow {
		if err := s.deps.Sender.SendText(ctx, phone, text); err != nil {
			return res, errors.Wrap(err, "send")
		}
		if s.deps.Agent != nil {
			s.deps.Agent.Send(ctx, phone, text, aicontext.KindTest)
		}
		res.SentNow = true
		return res, nil
	}

	tag, offset := reminder.TagDayBefore, -24*time.Hour
	if req.Which == "4h" {
		tag, offset = reminder.TagSameDay, -4*time.Hour
	}
	when := meeting.Add(offset)
	res.Key = reminder.LeadKey(meeting, tag)
	err = s.deps.Scheduler.Submit(ctx, jobs.Job{
		Key:      res.Key,
		RunAt:    when,
		Callback: jobs.CallbackLeadMessage,
		Args:     []any{zapi.CleanPhone(phone), text, reminder.ContextReminder},
		Trigger:  jobs.TriggerOneShot,
	})
	if err != nil {
		return res, errors.Wrap(err, "schedule")
	}
	res.ScheduledFor = &when
	return res, nil
}
