package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// IntervalSpec is a parsed repeating schedule. Jobs persist only the fixed
// period; a cron source is kept to align the first run.
//
// Supported forms:
//   - Go duration: "1h", "90m"
//   - HH:MM period: "01:30" (1 hour 30 minutes)
//   - "@every 1h", descriptors such as "@hourly" or "@daily"
//   - cron with a constant period: "0 * * * *", "*/15 * * * *"
//
// Optional prefixes "every:" / "interval:" force the period forms and
// "cron:" forces cron parsing.
type IntervalSpec struct {
	Every  time.Duration
	Source string // "duration" | "hhmm" | "cron"

	sched cron.Schedule
}

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	// Reference instant for measuring cron periods; a Monday at midnight UTC.
	cronProbe = time.Date(2025, time.January, 6, 0, 0, 0, 0, time.UTC)
)

const cronProbeSamples = 16

func ParseInterval(raw string) (IntervalSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return IntervalSpec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	for _, p := range []string{"every:", "interval:"} {
		if strings.HasPrefix(low, p) {
			return parsePeriod(strings.TrimSpace(s[len(p):]))
		}
	}
	if strings.HasPrefix(low, "cron:") {
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	return parsePeriod(s)
}

func parsePeriod(v string) (IntervalSpec, error) {
	if v == "" {
		return IntervalSpec{}, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return IntervalSpec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		return periodSpec(time.Duration(hh)*time.Hour+time.Duration(mm)*time.Minute, "hhmm")
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return IntervalSpec{}, fmt.Errorf("invalid schedule %q (use a duration like '1h', HH:MM like '01:30', '@hourly' or a cron expression)", v)
	}
	return periodSpec(d, "duration")
}

func periodSpec(d time.Duration, src string) (IntervalSpec, error) {
	if d < time.Second {
		return IntervalSpec{}, fmt.Errorf("interval must be at least 1s, got %s", d)
	}
	if d%time.Second != 0 {
		return IntervalSpec{}, fmt.Errorf("interval must be whole seconds, got %s", d)
	}
	return IntervalSpec{Every: d, Source: src}, nil
}

func parseCron(expr string) (IntervalSpec, error) {
	if expr == "" {
		return IntervalSpec{}, fmt.Errorf("cron schedule required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return IntervalSpec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	if cd, ok := sched.(cron.ConstantDelaySchedule); ok {
		return periodSpec(cd.Delay, "cron")
	}

	// Only schedules with a constant period can be stored as an interval job.
	prev := sched.Next(cronProbe)
	var every time.Duration
	for i := 0; i < cronProbeSamples; i++ {
		next := sched.Next(prev)
		if next.IsZero() {
			return IntervalSpec{}, fmt.Errorf("cron %q never fires", expr)
		}
		gap := next.Sub(prev)
		if every == 0 {
			every = gap
		} else if gap != every {
			return IntervalSpec{}, fmt.Errorf("cron %q has no constant period (%s vs %s)", expr, every, gap)
		}
		prev = next
	}
	spec, err := periodSpec(every, "cron")
	if err != nil {
		return IntervalSpec{}, err
	}
	spec.sched = sched
	return spec, nil
}

// FirstRun is the first firing after now: the next cron slot for cron
// sources, otherwise one period from now.
func (s IntervalSpec) FirstRun(now time.Time) time.Time {
	if s.sched != nil {
		return s.sched.Next(now)
	}
	return now.Add(s.Every)
}

func (s IntervalSpec) String() string {
	return fmt.Sprintf("%s (%s)", s.Every, s.Source)
}
