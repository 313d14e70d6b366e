// Package clock provides the time source and zone helpers shared by the
// scheduler and the reminder planner.
package clock

import (
	"fmt"
	"sync"
	"time"
	_ "time/tzdata"
)

// Clock abstracts time.Now so tick logic can be driven by tests.
type Clock interface {
	Now() time.Time
}

// System is the wall clock, reported in Loc (UTC when nil).
type System struct {
	Loc *time.Location
}

func (s System) Now() time.Time {
	if s.Loc == nil {
		return time.Now().UTC()
	}
	return time.Now().In(s.Loc)
}

// Fake is a manually advanced clock.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(t time.Time) *Fake { return &Fake{now: t} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// LoadZone resolves an IANA zone name; "" yields UTC.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load zone %q: %w", name, err)
	}
	return loc, nil
}

// AtLocalTime returns the instant at hh:mm on t's calendar day in loc.
func AtLocalTime(t time.Time, loc *time.Location, hh, mm int) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), hh, mm, 0, 0, loc)
}

var (
	weekdaysPT = [...]string{"domingo", "segunda-feira", "terça-feira", "quarta-feira", "quinta-feira", "sexta-feira", "sábado"}
	monthsPT   = [...]string{"janeiro", "fevereiro", "março", "abril", "maio", "junho", "julho", "agosto", "setembro", "outubro", "novembro", "dezembro"}
)

// FormatLongPT renders t as "segunda-feira, 10 de março de 2025 às 14:00".
func FormatLongPT(t time.Time) string {
	return fmt.Sprintf("%s, %d de %s de %d às %s",
		weekdaysPT[t.Weekday()], t.Day(), monthsPT[t.Month()-1], t.Year(), t.Format("15:04"))
}

// FormatDayMonth renders t as "10/03".
func FormatDayMonth(t time.Time) string { return t.Format("02/01") }

// FormatHourMinute renders t as "14:00".
func FormatHourMinute(t time.Time) string { return t.Format("15:04") }
