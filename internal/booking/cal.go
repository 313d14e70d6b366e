package booking

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	TriggerCreated     = "BOOKING_CREATED"
	TriggerRescheduled = "BOOKING_RESCHEDULED"
	TriggerRequested   = "BOOKING_REQUESTED"
)

var ErrInvalidPayload = errors.New("invalid booking payload")

// Booking is a decoded scheduling webhook.
type Booking struct {
	Trigger string
	UID     string
	Name    string
	Email   string
	Phone   string // raw WhatsApp answer, may be empty
	Start   time.Time
	// RescheduledFrom is the previous start of a rescheduled booking, when the
	// webhook carries it.
	RescheduledFrom time.Time
}

// Accepted reports whether the trigger creates or moves a meeting.
func (b Booking) Accepted() bool {
	switch b.Trigger {
	case TriggerCreated, TriggerRescheduled, TriggerRequested:
		return true
	}
	return false
}

type calAttendee struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	TimeZone string `json:"timeZone"`
}

type calPayload struct {
	TriggerEvent string `json:"triggerEvent"`
	Payload      struct {
		UID                 string                     `json:"uid"`
		StartTime           string                     `json:"startTime"`
		EndTime             string                     `json:"endTime"`
		RescheduleStartTime string                     `json:"rescheduleStartTime"`
		Attendees           []calAttendee              `json:"attendees"`
		UserFieldsResponses map[string]json.RawMessage `json:"userFieldsResponses"`
	} `json:"payload"`
}

// ParseCal decodes a Cal.com webhook body. Triggers other than the accepted
// ones come back with only Trigger set and no error.
func ParseCal(raw []byte) (Booking, error) {
	var p calPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Booking{}, errors.Mark(errors.Wrap(err, "decode webhook"), ErrInvalidPayload)
	}
	b := Booking{Trigger: p.TriggerEvent, UID: p.Payload.UID}
	if !b.Accepted() {
		return b, nil
	}
	if len(p.Payload.Attendees) == 0 {
		return b, errors.Wrap(ErrInvalidPayload, "no attendees")
	}
	start, err := parseInstant(p.Payload.StartTime)
	if err != nil {
		return b, errors.Mark(errors.Wrapf(err, "startTime %q", p.Payload.StartTime), ErrInvalidPayload)
	}
	a := p.Payload.Attendees[0]
	b.Name = strings.TrimSpace(a.Name)
	b.Email = strings.TrimSpace(a.Email)
	b.Start = start
	b.Phone = whatsAppAnswer(p.Payload.UserFieldsResponses)
	if p.Payload.RescheduleStartTime != "" {
		if from, err := parseInstant(p.Payload.RescheduleStartTime); err == nil {
			b.RescheduledFrom = from
		}
	}
	return b, nil
}

func parseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	// Offset-less timestamps are taken as UTC.
	return time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC)
}

// whatsAppAnswer finds the WhatsApp booking question regardless of label
// case and accepts both {"value": "..."} and a bare string.
func whatsAppAnswer(fields map[string]json.RawMessage) string {
	for k, raw := range fields {
		if !strings.EqualFold(k, "whatsapp") {
			continue
		}
		var obj struct {
			Value any `json:"value"`
		}
		if json.Unmarshal(raw, &obj) == nil {
			if s, ok := obj.Value.(string); ok {
				return strings.TrimSpace(s)
			}
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
