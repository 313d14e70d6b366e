// Package callbacks maps the closed set of job callbacks to the effects they
// run. Jobs carry only a CallbackRef and primitive args; the registry turns
// that into a call.
package callbacks

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"leadsync/internal/jobs"
	logx "leadsync/pkg/logx"
)

var (
	ErrNoHandler   = errors.New("no handler for callback")
	ErrInvalidArgs = errors.New("invalid callback args")
)

// Handler runs one due job. A returned error counts as a failed run.
type Handler func(ctx context.Context, job jobs.Job) error

type Registry struct {
	mu       sync.RWMutex
	handlers map[jobs.CallbackRef]Handler
	log      logx.Logger
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{handlers: map[jobs.CallbackRef]Handler{}, log: log}
}

// Register binds h to ref. Unknown refs and double registration are errors.
func (r *Registry) Register(ref jobs.CallbackRef, h Handler) error {
	if !ref.Valid() {
		return errors.Newf("register %q: unknown callback", ref)
	}
	if h == nil {
		return errors.Newf("register %q: nil handler", ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[ref]; dup {
		return errors.Newf("register %q: already registered", ref)
	}
	r.handlers[ref] = h
	return nil
}

// Dispatch implements scheduler.Dispatcher.
func (r *Registry) Dispatch(ctx context.Context, job jobs.Job) error {
	r.mu.RLock()
	h := r.handlers[job.Callback]
	r.mu.RUnlock()
	if h == nil {
		return errors.Wrapf(ErrNoHandler, "%s (job %s)", job.Callback, job.Key)
	}
	return h(ctx, job)
}

// Missing lists known callbacks without a handler.
func (r *Registry) Missing() []jobs.CallbackRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []jobs.CallbackRef
	for _, ref := range []jobs.CallbackRef{jobs.CallbackLeadMessage, jobs.CallbackAdminBroadcast, jobs.CallbackSweep} {
		if _, ok := r.handlers[ref]; !ok {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
