package producer

import (
	"testing"
	"time"
)

func TestIntervalPacer(t *testing.T) {
	from := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	next := IntervalPacer{Interval: 5 * time.Second}.Next(from)
	if !next.Equal(from.Add(5 * time.Second)) {
		t.Errorf("Next() = %s", next)
	}
}

func TestCronPacer(t *testing.T) {
	p, err := NewCronPacer("*/5 * * * *")
	if err != nil {
		t.Fatalf("NewCronPacer: %v", err)
	}

	from := time.Date(2024, 1, 1, 12, 3, 10, 0, time.UTC)
	want := time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC)
	if got := p.Next(from); !got.Equal(want) {
		t.Errorf("Next() = %s, want %s", got, want)
	}
}

func TestCronPacer_Descriptor(t *testing.T) {
	p, err := NewCronPacer("@hourly")
	if err != nil {
		t.Fatalf("NewCronPacer: %v", err)
	}
	from := time.Date(2024, 1, 1, 12, 3, 0, 0, time.UTC)
	if got := p.Next(from); got.Hour() != 13 || got.Minute() != 0 {
		t.Errorf("Next() = %s", got)
	}
}

func TestNewPacer(t *testing.T) {
	if _, err := NewCronPacer("every minute"); err == nil {
		t.Error("invalid cron expression should fail")
	}

	p, err := NewPacer(2*time.Second, "")
	if err != nil {
		t.Fatalf("NewPacer: %v", err)
	}
	if _, ok := p.(IntervalPacer); !ok {
		t.Errorf("expected IntervalPacer, got %T", p)
	}

	p, err = NewPacer(0, "0 * * * *")
	if err != nil {
		t.Fatalf("NewPacer: %v", err)
	}
	if _, ok := p.(*CronPacer); !ok {
		t.Errorf("schedule should win over interval, got %T", p)
	}

	if _, err := NewPacer(0, ""); err == nil {
		t.Error("zero interval without schedule should fail")
	}
}
