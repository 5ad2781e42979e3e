package jobs

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/multisession-server-go/internal/config"
	"github.com/openclaw/multisession-server-go/internal/service"
	"github.com/openclaw/multisession-server-go/internal/sse"
)

const DefaultAnalyticsSchedule = "@every 5m"

// scheduleParser accepts standard 5-field expressions and descriptors such as @every.
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a refresh schedule expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid analytics schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Refresher recomputes the analytics snapshot.
type Refresher interface {
	Refresh(ctx context.Context) (*service.AnalyticsSnapshot, error)
}

// AnalyticsRefreshJob recomputes dashboard analytics on a cron schedule and
// pushes the fresh metrics to event subscribers.
type AnalyticsRefreshJob struct {
	analytics Refresher
	broker    *sse.Broker
	spec      string
	cron      *cron.Cron
}

func NewAnalyticsRefreshJob(analytics Refresher, broker *sse.Broker, spec string) (*AnalyticsRefreshJob, error) {
	if spec == "" {
		spec = DefaultAnalyticsSchedule
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}

	j := &AnalyticsRefreshJob{
		analytics: analytics,
		broker:    broker,
		spec:      spec,
		cron:      cron.New(cron.WithParser(scheduleParser)),
	}
	j.cron.Schedule(sched, cron.FuncJob(j.refresh))
	return j, nil
}

func (j *AnalyticsRefreshJob) Start() {
	j.cron.Start()
	log.Info().Str("schedule", j.spec).Msg("analytics refresh job started")
}

func (j *AnalyticsRefreshJob) Stop() {
	<-j.cron.Stop().Done()
	log.Info().Msg("analytics refresh job stopped")
}

// RunOnce refreshes immediately, outside the schedule.
func (j *AnalyticsRefreshJob) RunOnce() {
	j.refresh()
}

func (j *AnalyticsRefreshJob) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), config.JobRunTimeout)
	defer cancel()

	snapshot, err := j.analytics.Refresh(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to refresh analytics")
		return
	}

	if j.broker == nil {
		return
	}
	if err := j.broker.Publish(ctx, sse.EventMetrics, "", snapshot.Metrics); err != nil {
		log.Warn().Err(err).Msg("failed to publish analytics metrics")
	}
}
