package systemd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"

	logx "leadsync/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) send(state string) (bool, error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	return true, nil
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func TestDisabledSendsNothing(t *testing.T) {
	rec := &recorder{}
	n := New(false, logx.Nop())
	n.send = rec.send
	n.Ready()
	n.Stopping()
	var nilNotifier *Notifier
	nilNotifier.Ready()
	assert.Empty(t, rec.get())
}

func TestLifecycleStates(t *testing.T) {
	rec := &recorder{}
	n := New(true, logx.Nop())
	n.send = rec.send
	n.Ready()
	n.Status("3 jobs pending")
	n.Stopping()
	assert.Equal(t, []string{daemon.SdNotifyReady, "STATUS=3 jobs pending", daemon.SdNotifyStopping}, rec.get())
}

func TestWatchdogWithholdsWhenUnhealthy(t *testing.T) {
	rec := &recorder{}
	n := New(true, logx.Nop())
	n.send = rec.send

	var mu sync.Mutex
	healthy := false
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.watchdogLoop(ctx, 5*time.Millisecond, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return healthy
		})
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.get())

	mu.Lock()
	healthy = true
	mu.Unlock()
	assert.Eventually(t, func() bool { return len(rec.get()) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, daemon.SdNotifyWatchdog, rec.get()[0])
}
