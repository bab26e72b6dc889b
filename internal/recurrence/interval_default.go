package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/protocol-bank/payroll/types"
)

var ErrInvalidFrequency = errors.New("invalid frequency")

const defaultTimeOfDay = "00:00"

// DefaultInterval evaluates frequencies in the configured IANA timezone.
// Custom frequencies use standard five-field cron expressions.
type DefaultInterval struct {
	parser cron.Parser
}

func NewDefaultInterval() *DefaultInterval {
	return &DefaultInterval{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (i *DefaultInterval) NextExecution(freq types.FrequencyConfig, from time.Time) (time.Time, error) {
	loc, err := location(freq.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	local := from.In(loc)

	if freq.Type == types.FrequencyCustom {
		return i.nextCron(freq.CronExpression, local)
	}

	hour, minute, err := parseTimeOfDay(freq.Time)
	if err != nil {
		return time.Time{}, err
	}

	switch freq.Type {
	case types.FrequencyDaily:
		return nextDaily(local, hour, minute), nil
	case types.FrequencyWeekly:
		if freq.DayOfWeek == nil {
			return time.Time{}, fmt.Errorf("%w: weekly frequency requires day_of_week", ErrInvalidFrequency)
		}
		return nextWeekly(local, time.Weekday(*freq.DayOfWeek), hour, minute)
	case types.FrequencyBiweekly:
		if freq.StartDate == nil {
			return time.Time{}, fmt.Errorf("%w: biweekly frequency requires start_date", ErrInvalidFrequency)
		}
		return nextBiweekly(local, freq.StartDate.In(loc), hour, minute), nil
	case types.FrequencyMonthly:
		if freq.DayOfMonth == nil {
			return time.Time{}, fmt.Errorf("%w: monthly frequency requires day_of_month", ErrInvalidFrequency)
		}
		return nextMonthly(local, *freq.DayOfMonth, hour, minute)
	default:
		return time.Time{}, fmt.Errorf("%w: unknown frequency type %q", ErrInvalidFrequency, freq.Type)
	}
}

// Validate checks that freq can be evaluated.
func (i *DefaultInterval) Validate(freq types.FrequencyConfig) error {
	_, err := i.NextExecution(freq, time.Now())
	return err
}

func (i *DefaultInterval) nextCron(expr string, from time.Time) (time.Time, error) {
	if strings.TrimSpace(expr) == "" {
		return time.Time{}, fmt.Errorf("%w: custom frequency requires cron_expression", ErrInvalidFrequency)
	}
	sched, err := i.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: cron expression %q: %v", ErrInvalidFrequency, expr, err)
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: cron expression %q never fires", ErrInvalidFrequency, expr)
	}
	return next, nil
}

func nextDaily(from time.Time, hour, minute int) time.Time {
	c := at(from, 0, hour, minute)
	if !c.After(from) {
		c = at(from, 1, hour, minute)
	}
	return c
}

func nextWeekly(from time.Time, day time.Weekday, hour, minute int) (time.Time, error) {
	if day < time.Sunday || day > time.Saturday {
		return time.Time{}, fmt.Errorf("%w: day_of_week must be 0-6, got %d", ErrInvalidFrequency, day)
	}
	diff := (int(day) - int(from.Weekday()) + 7) % 7
	c := at(from, diff, hour, minute)
	if !c.After(from) {
		c = at(from, diff+7, hour, minute)
	}
	return c, nil
}

// nextBiweekly fires on start's weekday every 14 calendar days.
func nextBiweekly(from, start time.Time, hour, minute int) time.Time {
	first := at(start, 0, hour, minute)
	if first.After(from) {
		return first
	}
	elapsed := civilDays(start, from)
	periods := (elapsed + 13) / 14
	c := at(start, periods*14, hour, minute)
	if !c.After(from) {
		c = at(start, (periods+1)*14, hour, minute)
	}
	return c
}

func nextMonthly(from time.Time, dayOfMonth, hour, minute int) (time.Time, error) {
	if dayOfMonth != types.LastDayOfMonth && (dayOfMonth < 1 || dayOfMonth > 31) {
		return time.Time{}, fmt.Errorf("%w: day_of_month must be 1-31 or -1, got %d", ErrInvalidFrequency, dayOfMonth)
	}
	c := monthDay(from.Year(), from.Month(), dayOfMonth, hour, minute, from.Location())
	if !c.After(from) {
		c = monthDay(from.Year(), from.Month()+1, dayOfMonth, hour, minute, from.Location())
	}
	return c, nil
}

// monthDay clamps day to the length of the month; -1 selects the last day.
func monthDay(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	last := DaysInMonth(firstOfMonth.Year(), firstOfMonth.Month())
	if day == types.LastDayOfMonth || day > last {
		day = last
	}
	return time.Date(firstOfMonth.Year(), firstOfMonth.Month(), day, hour, minute, 0, 0, loc)
}

func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// at returns t's calendar date shifted by days, at hour:minute in t's zone.
func at(t time.Time, days, hour, minute int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+days, hour, minute, 0, 0, t.Location())
}

func civilDays(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

func location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidFrequency, tz, err)
	}
	return loc, nil
}

func parseTimeOfDay(s string) (int, int, error) {
	if s == "" {
		s = defaultTimeOfDay
	}
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidFrequency, s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: invalid hour in %q", ErrInvalidFrequency, s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: invalid minute in %q", ErrInvalidFrequency, s)
	}
	return hour, minute, nil
}
