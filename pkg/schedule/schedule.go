package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes the next run time after from.
type Schedule interface {
	Next(from time.Time) time.Time
}

// everySchedule runs at fixed intervals.
type everySchedule struct {
	interval time.Duration
}

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}

// dailySchedule runs at a specific time each day.
type dailySchedule struct {
	hour   int
	minute int
	loc    *time.Location
}

// Daily creates a schedule that runs at a specific time each day.
func Daily(hour, minute int) Schedule {
	return &dailySchedule{hour: hour, minute: minute, loc: time.UTC}
}

func (s *dailySchedule) Next(from time.Time) time.Time {
	from = from.In(s.loc)
	next := time.Date(from.Year(), from.Month(), from.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// weeklySchedule runs at a specific day and time each week.
type weeklySchedule struct {
	day    time.Weekday
	hour   int
	minute int
	loc    *time.Location
}

// Weekly creates a schedule that runs at a specific day and time each week.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return &weeklySchedule{day: day, hour: hour, minute: minute, loc: time.UTC}
}

func (s *weeklySchedule) Next(from time.Time) time.Time {
	from = from.In(s.loc)

	daysUntil := int(s.day - from.Weekday())
	if daysUntil < 0 {
		daysUntil += 7
	}

	next := time.Date(from.Year(), from.Month(), from.Day()+daysUntil, s.hour, s.minute, 0, 0, s.loc)
	if !next.After(from) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

// cronSchedule wraps a cron expression.
type cronSchedule struct {
	schedule cron.Schedule
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron creates a schedule from a cron expression. It panics on an invalid
// expression; use Parse for configuration input.
func Cron(expr string) Schedule {
	s, err := cronParser.Parse(expr)
	if err != nil {
		panic("invalid cron expression: " + err.Error())
	}
	return &cronSchedule{schedule: s}
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Parse reads a schedule from configuration text:
//
//	@every 90s            fixed interval
//	@daily 03:30          every day at 03:30 UTC
//	@weekly sun 02:00     every Sunday at 02:00 UTC
//	*/15 * * * *, @hourly cron expression or descriptor
func Parse(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	directive, arg, _ := strings.Cut(spec, " ")
	arg = strings.TrimSpace(arg)

	switch {
	case directive == "@every":
		interval, err := time.ParseDuration(arg)
		if err != nil || interval <= 0 {
			return nil, fmt.Errorf("schedule: invalid interval %q", arg)
		}
		return Every(interval), nil

	case directive == "@daily" && arg != "":
		hour, minute, err := parseClock(arg)
		if err != nil {
			return nil, err
		}
		return Daily(hour, minute), nil

	case directive == "@weekly" && arg != "":
		dayText, clock, _ := strings.Cut(arg, " ")
		day, ok := weekdays[strings.ToLower(dayText)]
		if !ok {
			return nil, fmt.Errorf("schedule: invalid weekday %q", dayText)
		}
		hour, minute, err := parseClock(strings.TrimSpace(clock))
		if err != nil {
			return nil, err
		}
		return Weekly(day, hour, minute), nil
	}

	s, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	return &cronSchedule{schedule: s}, nil
}

var weekdays = map[string]time.Weekday{}

func init() {
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		weekdays[name] = d
		weekdays[name[:3]] = d
	}
}

// parseClock reads "HH:MM" in 24 hour time.
func parseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("schedule: invalid time of day %q", s)
	}
	return t.Hour(), t.Minute(), nil
}
