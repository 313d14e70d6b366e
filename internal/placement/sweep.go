// Package placement reconciles the CRM with the placement tests leads took
// on Flexge.
package placement

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"leadsync/internal/crm/notion"
	logx "leadsync/pkg/logx"
)

// JobKey identifies the periodic sweep job.
const JobKey = "placement_test_checker"

// PendingLevel is written when a lead has no completed test.
const PendingLevel = "Pendente"

// DefaultStatuses are the CRM statuses a lead can have while it is still
// worth checking.
var DefaultStatuses = []string{
	"Em atendimento pela IA",
	"Qualificado pela IA",
	"Já entrei em contato",
	"Agendado reunião",
	"Reunião Realizada",
	"Aguardando resposta",
}

// CRM is the part of the Notion client the sweep needs.
type CRM interface {
	QueryEmails(ctx context.Context, statuses []string) ([]string, error)
	FindPageByEmail(ctx context.Context, email string) (string, error)
	UpdatePlacement(ctx context.Context, pageID string, pl notion.Placement) error
}

// TestFinder looks up the latest completed test for an email.
type TestFinder interface {
	Enabled() bool
	LatestCompleted(ctx context.Context, email string) (*Test, error)
}

type SweepConfig struct {
	Statuses []string
	Pause    time.Duration // between emails
}

// Report summarizes one sweep.
type Report struct {
	Emails    int
	Completed int
	Pending   int
	Missing   int
	Failed    int
}

type Sweeper struct {
	cfg    SweepConfig
	crm    CRM
	finder TestFinder
	log    logx.Logger
}

func NewSweeper(cfg SweepConfig, crm CRM, finder TestFinder, log logx.Logger) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(cfg.Statuses) == 0 {
		cfg.Statuses = DefaultStatuses
	}
	return &Sweeper{cfg: cfg, crm: crm, finder: finder, log: log}
}

// Run checks every active lead once. Failures on a single email are logged
// and skipped; only a failed email listing fails the sweep.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	var rep Report
	if s.crm == nil || s.finder == nil || !s.finder.Enabled() {
		s.log.Info("placement sweep skipped: flexge not configured")
		return rep, nil
	}
	start := time.Now()
	emails, err := s.crm.QueryEmails(ctx, s.cfg.Statuses)
	if err != nil {
		return rep, errors.Wrap(err, "list crm emails")
	}
	rep.Emails = len(emails)
	if len(emails) == 0 {
		s.log.Info("placement sweep: no active leads")
		return rep, nil
	}

	for i, raw := range emails {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		s.checkOne(ctx, SanitizeEmail(raw), &rep)
		if s.cfg.Pause > 0 && i < len(emails)-1 {
			if err := sleepCtx(ctx, s.cfg.Pause); err != nil {
				return rep, err
			}
		}
	}
	s.log.Info("placement sweep done",
		logx.Int("emails", rep.Emails),
		logx.Int("completed", rep.Completed),
		logx.Int("pending", rep.Pending),
		logx.Int("missing", rep.Missing),
		logx.Int("failed", rep.Failed),
		logx.Duration("dur", time.Since(start)),
	)
	return rep, nil
}

func (s *Sweeper) checkOne(ctx context.Context, email string, rep *Report) {
	log := s.log.With(logx.String("email", email))
	pageID, err := s.crm.FindPageByEmail(ctx, email)
	if err != nil {
		rep.Failed++
		log.Warn("placement: crm lookup failed", logx.Err(err))
		return
	}
	if pageID == "" {
		rep.Missing++
		log.Debug("placement: no crm page")
		return
	}
	test, err := s.finder.LatestCompleted(ctx, email)
	if err != nil {
		rep.Failed++
		log.Warn("placement: flexge lookup failed", logx.Err(err))
		return
	}

	pl := notion.Placement{Level: PendingLevel}
	if test != nil {
		pl = notion.Placement{Link: test.Link(), Level: test.Level(), Done: true}
	}
	if err := s.crm.UpdatePlacement(ctx, pageID, pl); err != nil {
		rep.Failed++
		log.Warn("placement: crm update failed", logx.Err(err))
		return
	}
	if pl.Done {
		rep.Completed++
	} else {
		rep.Pending++
	}
}

// SanitizeEmail strips markdown mailto wrappers ("[a@b](mailto:a@b)" and
// "mailto:a@b") and surrounding spaces.
func SanitizeEmail(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, ")") {
		if i := strings.Index(s, "](mailto:"); i > 0 {
			return strings.TrimSpace(s[1:i])
		}
	}
	if rest, ok := strings.CutPrefix(s, "mailto:"); ok {
		return strings.TrimSpace(rest)
	}
	return s
}
