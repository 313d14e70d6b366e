// Package reminder turns a booking into the set of reminder jobs it needs and
// keeps that set consistent across reschedules.
package reminder

import (
	"fmt"
	"strings"
	"time"

	"leadsync/internal/clock"
	"leadsync/internal/jobs"
	"leadsync/internal/messaging/zapi"
)

type Tag string

const (
	TagDayBefore  Tag = "1day"
	TagSameDay    Tag = "4h"
	TagMorning    Tag = "8am"
	TagHourBefore Tag = "1h"
)

type Audience string

const (
	AudienceLead  Audience = "lead"
	AudienceAdmin Audience = "admin"
)

// ContextReminder is the agent-context kind attached to lead reminders.
const ContextReminder = "reminder"

// BookingEvent is a confirmed meeting as far as reminders are concerned.
type BookingEvent struct {
	ContactName    string
	ContactPhone   string
	ContactEmail   string
	MeetingInstant time.Time
	RecordKey      string // CRM page id
}

// Spec is one planned reminder.
type Spec struct {
	Tag      Tag
	Audience Audience
	Offset   time.Duration // relative to the meeting; zero for the morning rule
	Key      string
	RunAt    time.Time
	Callback jobs.CallbackRef
	Args     []any
}

func (s Spec) Job() jobs.Job {
	return jobs.Job{
		Key:      s.Key,
		RunAt:    s.RunAt,
		Callback: s.Callback,
		Args:     append([]any(nil), s.Args...),
		Trigger:  jobs.TriggerOneShot,
	}
}

// Text is the message the reminder sends.
func (s Spec) Text() string {
	if s.Audience == AudienceLead {
		return argString(s.Args, 1)
	}
	return argString(s.Args, 0)
}

func argString(args []any, i int) string {
	if i >= len(args) {
		return ""
	}
	v, _ := args[i].(string)
	return v
}

// LeadKey and AdminKey build the job identity from the meeting instant, so the
// same booking always maps to the same keys.
func LeadKey(meeting time.Time, tag Tag) string {
	return fmt.Sprintf("lead_whatsapp_%d_%s", meeting.Unix(), tag)
}

func AdminKey(meeting time.Time, tag Tag) string {
	return fmt.Sprintf("admin_reminder_%d_%s", meeting.Unix(), tag)
}

// Keys lists every key a booking at meeting can produce.
func Keys(meeting time.Time) []string {
	return []string{
		LeadKey(meeting, TagDayBefore),
		LeadKey(meeting, TagSameDay),
		AdminKey(meeting, TagMorning),
		AdminKey(meeting, TagHourBefore),
	}
}

// Plan computes the reminders for ev. Lead reminders are always emitted, past
// ones included; admin reminders only when strictly after now.
func Plan(ev BookingEvent, now time.Time, loc *time.Location, msgs Messages) []Spec {
	if loc == nil {
		loc = time.UTC
	}
	meeting := ev.MeetingInstant.In(loc)
	var out []Spec

	if phone := zapi.CleanPhone(ev.ContactPhone); phone != "" {
		out = append(out,
			Spec{
				Tag: TagDayBefore, Audience: AudienceLead, Offset: -24 * time.Hour,
				Key:      LeadKey(meeting, TagDayBefore),
				RunAt:    meeting.Add(-24 * time.Hour),
				Callback: jobs.CallbackLeadMessage,
				Args:     []any{phone, msgs.LeadDayBefore(ev.ContactName, meeting), ContextReminder},
			},
			Spec{
				Tag: TagSameDay, Audience: AudienceLead, Offset: -4 * time.Hour,
				Key:      LeadKey(meeting, TagSameDay),
				RunAt:    meeting.Add(-4 * time.Hour),
				Callback: jobs.CallbackLeadMessage,
				Args:     []any{phone, msgs.LeadSameDay(ev.ContactName, meeting), ContextReminder},
			},
		)
	}

	if strings.TrimSpace(ev.RecordKey) != "" {
		links := msgs.AdminLinks(ev.RecordKey, ev.ContactPhone)
		morning := clock.AtLocalTime(meeting, loc, 8, 0)
		if morning.After(now) {
			out = append(out, Spec{
				Tag: TagMorning, Audience: AudienceAdmin,
				Key:      AdminKey(meeting, TagMorning),
				RunAt:    morning,
				Callback: jobs.CallbackAdminBroadcast,
				Args:     []any{msgs.AdminMorning(ev.ContactName, meeting) + links},
			})
		}
		if hour := meeting.Add(-time.Hour); hour.After(now) {
			out = append(out, Spec{
				Tag: TagHourBefore, Audience: AudienceAdmin, Offset: -time.Hour,
				Key:      AdminKey(meeting, TagHourBefore),
				RunAt:    hour,
				Callback: jobs.CallbackAdminBroadcast,
				Args:     []any{msgs.AdminHourBefore(ev.ContactName, meeting) + links},
			})
		}
	}
	return out
}

// ContactID is the identity reminder keys are tracked under: the cleaned
// phone, else the lower-cased email, else the CRM record.
func ContactID(ev BookingEvent) string {
	if p := zapi.CleanPhone(ev.ContactPhone); p != "" {
		return "phone:" + p
	}
	if e := strings.ToLower(strings.TrimSpace(ev.ContactEmail)); e != "" {
		return "email:" + e
	}
	if r := strings.TrimSpace(ev.RecordKey); r != "" {
		return "record:" + r
	}
	return ""
}
