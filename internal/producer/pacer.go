package producer

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser — парсер 5-польных cron-выражений (поддерживает префикс CRON_TZ=).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Pacer определяет момент следующей публикации.
type Pacer interface {
	Next(from time.Time) time.Time
}

// IntervalPacer — фиксированная пауза между публикациями.
type IntervalPacer struct {
	Interval time.Duration
}

// Next возвращает from + Interval.
func (p IntervalPacer) Next(from time.Time) time.Time {
	return from.Add(p.Interval)
}

func (p IntervalPacer) String() string {
	return "every " + p.Interval.String()
}

// CronPacer — публикации по cron-расписанию.
type CronPacer struct {
	expr     string
	schedule cron.Schedule
}

// NewCronPacer разбирает cron-выражение.
func NewCronPacer(expr string) (*CronPacer, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return &CronPacer{expr: expr, schedule: schedule}, nil
}

// Next возвращает следующее время по расписанию.
func (p *CronPacer) Next(from time.Time) time.Time {
	return p.schedule.Next(from)
}

func (p *CronPacer) String() string {
	return "cron " + p.expr
}

// NewPacer выбирает CronPacer, если задано расписание, иначе IntervalPacer.
func NewPacer(interval time.Duration, schedule string) (Pacer, error) {
	if schedule != "" {
		return NewCronPacer(schedule)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", interval)
	}
	return IntervalPacer{Interval: interval}, nil
}
