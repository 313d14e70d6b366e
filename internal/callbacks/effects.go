package callbacks

import (
	"context"

	"github.com/cockroachdb/errors"

	"leadsync/internal/jobs"
	"leadsync/internal/placement"
	logx "leadsync/pkg/logx"
)

type TextSender interface {
	SendText(ctx context.Context, phone, text string) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, phones []string, text string) (int, error)
}

// Mirror copies admin broadcasts to a secondary channel.
type Mirror interface {
	Mirror(ctx context.Context, text string) error
}

// ContextPusher tells the conversational agent what was sent to a lead.
type ContextPusher interface {
	Send(ctx context.Context, phone, message, kind string) bool
}

type SweepRunner interface {
	Run(ctx context.Context) (placement.Report, error)
}

// LeadMessage handles send_lead_message(phone, text[, context_kind]).
func LeadMessage(sender TextSender, agent ContextPusher, log logx.Logger) Handler {
	return func(ctx context.Context, job jobs.Job) error {
		phone, text, kind := job.StringArg(0), job.StringArg(1), job.StringArg(2)
		if phone == "" || text == "" {
			return errors.Wrapf(ErrInvalidArgs, "%s: need phone and text", job.Key)
		}
		if err := sender.SendText(ctx, phone, text); err != nil {
			return errors.Wrapf(err, "send lead message %s", job.Key)
		}
		log.Info("lead reminder sent", logx.String("key", job.Key), logx.String("phone", phone))
		if kind != "" && agent != nil {
			agent.Send(ctx, phone, text, kind)
		}
		return nil
	}
}

// AdminBroadcast handles send_admin_broadcast(text). The run fails only
// when no admin phone received the message, so a retry does not repeat it to
// phones that already have it.
func AdminBroadcast(b Broadcaster, phones func() []string, mirror Mirror, log logx.Logger) Handler {
	return func(ctx context.Context, job jobs.Job) error {
		text := job.StringArg(0)
		if text == "" {
			return errors.Wrapf(ErrInvalidArgs, "%s: empty text", job.Key)
		}
		if mirror != nil {
			if err := mirror.Mirror(ctx, text); err != nil {
				log.Warn("admin mirror failed", logx.String("key", job.Key), logx.Err(err))
			}
		}
		list := phones()
		if len(list) == 0 {
			log.Warn("admin broadcast skipped: no admin phones", logx.String("key", job.Key))
			return nil
		}
		sent, err := b.Broadcast(ctx, list, text)
		if err != nil && sent == 0 {
			return errors.Wrapf(err, "admin broadcast %s", job.Key)
		}
		if err != nil {
			log.Warn("admin broadcast partially failed",
				logx.String("key", job.Key),
				logx.Int("sent", sent),
				logx.Int("phones", len(list)),
				logx.Err(err),
			)
			return nil
		}
		log.Info("admin broadcast sent", logx.String("key", job.Key), logx.Int("phones", sent))
		return nil
	}
}

// Sweep handles sweep_external_state().
func Sweep(runner SweepRunner) Handler {
	return func(ctx context.Context, job jobs.Job) error {
		_, err := runner.Run(ctx)
		return err
	}
}

// Deps are the effects the default registry binds.
type Deps struct {
	Sender      TextSender
	Broadcaster Broadcaster
	AdminPhones func() []string
	Mirror      Mirror
	Agent       ContextPusher
	Sweeper     SweepRunner
}

// NewDefault registers every known callback.
func NewDefault(d Deps, log logx.Logger) (*Registry, error) {
	if d.Sender == nil || d.Broadcaster == nil || d.Sweeper == nil {
		return nil, errors.New("callbacks: sender, broadcaster and sweeper are required")
	}
	r := NewRegistry(log)
	phones := d.AdminPhones
	if phones == nil {
		phones = func() []string { return nil }
	}
	named := func(ref jobs.CallbackRef) logx.Logger { return r.log.With(logx.String("callback", ref.String())) }
	for ref, h := range map[jobs.CallbackRef]Handler{
		jobs.CallbackLeadMessage:    LeadMessage(d.Sender, d.Agent, named(jobs.CallbackLeadMessage)),
		jobs.CallbackAdminBroadcast: AdminBroadcast(d.Broadcaster, phones, d.Mirror, named(jobs.CallbackAdminBroadcast)),
		jobs.CallbackSweep:          Sweep(d.Sweeper),
	} {
		if err := r.Register(ref, h); err != nil {
			return nil, err
		}
	}
	return r, nil
}
