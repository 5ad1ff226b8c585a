package controller

import (
	"context"
	"time"

	"github.com/calvinmclean/sinevel/twchart"
)

const reportTimeout = 5 * time.Second

// reporter records the progress of a Session somewhere outside the process
type reporter interface {
	CreateSession(ctx context.Context, name string) (string, error)
	SetStartTime(ctx context.Context, startTime time.Time) error
	AddEvent(ctx context.Context, note string, now time.Time) error
	AddStage(ctx context.Context, name string, now time.Time) error
	Done(ctx context.Context) error
}

var (
	_ reporter = noopReporter{}
	_ reporter = &twchart.Client{}
)

func newTWChartReporter(addr string) reporter {
	return twchart.NewClient(addr)
}

type noopReporter struct{}

// AddEvent implements reporter.
func (n noopReporter) AddEvent(ctx context.Context, note string, now time.Time) error {
	return nil
}

// AddStage implements reporter.
func (n noopReporter) AddStage(ctx context.Context, name string, now time.Time) error {
	return nil
}

// CreateSession implements reporter.
func (n noopReporter) CreateSession(ctx context.Context, name string) (string, error) {
	return "", nil
}

// Done implements reporter.
func (n noopReporter) Done(ctx context.Context) error {
	return nil
}

// SetStartTime implements reporter.
func (n noopReporter) SetStartTime(ctx context.Context, startTime time.Time) error {
	return nil
}
