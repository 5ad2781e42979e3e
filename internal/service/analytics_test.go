package service

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/multisession-server-go/internal/model"
	"github.com/openclaw/multisession-server-go/internal/repository"
)

type analyticsEnv struct {
	repo       repository.SessionRepository
	logs       *LogCollector
	aggregator *AnalyticsAggregator
	now        time.Time
}

func newAnalyticsEnv(t *testing.T) *analyticsEnv {
	t.Helper()
	repo := repository.NewMemorySessionRepository()
	logs := NewLogCollector(1000)
	agg := NewAnalyticsAggregator(repo, logs, 24*time.Hour, time.Hour)
	now := time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC)
	agg.now = func() time.Time { return now }
	return &analyticsEnv{repo: repo, logs: logs, aggregator: agg, now: now}
}

func (e *analyticsEnv) create(t *testing.T, platform model.Platform) *model.Session {
	t.Helper()
	s, err := e.repo.Create(context.Background(), model.CreateSessionParams{Name: string(platform), Platform: platform})
	require.NoError(t, err)
	return s
}

func (e *analyticsEnv) message(id string, dir model.Direction, at time.Time) {
	e.logs.Append(model.LogEntry{SessionID: id, Timestamp: at, Direction: dir, Type: model.LogTypeMessage, Message: "m"})
}

func sumPercent(shares []PlatformShare) float64 {
	var total float64
	for _, s := range shares {
		total += s.Percentage
	}
	return math.Round(total*10) / 10
}

func TestGrowth(t *testing.T) {
	tests := []struct {
		name     string
		cur      float64
		prev     float64
		expected float64
	}{
		{"zero previous", 10, 0, 0},
		{"both zero", 0, 0, 0},
		{"doubling", 20, 10, 100},
		{"halving", 5, 10, -50},
		{"rounded", 4, 3, 33.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Growth(tt.cur, tt.prev)
			assert.False(t, math.IsNaN(got))
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestAnalyticsAggregator_PlatformDistribution(t *testing.T) {
	ctx := context.Background()

	t.Run("two whatsapp and one telegram", func(t *testing.T) {
		env := newAnalyticsEnv(t)
		env.create(t, model.PlatformWhatsApp)
		env.create(t, model.PlatformWhatsApp)
		env.create(t, model.PlatformTelegram)

		got, err := env.aggregator.PlatformDistribution(ctx, DistributionBySessions)
		require.NoError(t, err)
		assert.Equal(t, []PlatformShare{
			{Platform: model.PlatformWhatsApp, Value: 2, Percentage: 66.7},
			{Platform: model.PlatformTelegram, Value: 1, Percentage: 33.3},
		}, got)
	})

	t.Run("empty registry yields empty distribution", func(t *testing.T) {
		env := newAnalyticsEnv(t)
		got, err := env.aggregator.PlatformDistribution(ctx, DistributionBySessions)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("percentages always sum to 100", func(t *testing.T) {
		env := newAnalyticsEnv(t)
		for _, p := range []model.Platform{
			model.PlatformWhatsApp, model.PlatformTelegram, model.PlatformDiscord,
			model.PlatformInstagram, model.PlatformFacebook, model.PlatformOther, model.PlatformOther,
		} {
			env.create(t, p)
		}

		got, err := env.aggregator.PlatformDistribution(ctx, DistributionBySessions)
		require.NoError(t, err)
		assert.Len(t, got, 6)
		assert.Equal(t, 100.0, sumPercent(got))
		assert.Equal(t, model.PlatformOther, got[0].Platform)
	})

	t.Run("by message volume skips silent platforms", func(t *testing.T) {
		env := newAnalyticsEnv(t)
		wa := env.create(t, model.PlatformWhatsApp)
		env.create(t, model.PlatformTelegram)
		dc := env.create(t, model.PlatformDiscord)

		connectAndCount := func(id string, n int64) {
			_, err := env.repo.Transition(ctx, id, []model.SessionStatus{model.SessionStatusDisconnected}, model.Transition{To: model.SessionStatusPairing, PairingChallenge: model.StringPtr("qr")})
			require.NoError(t, err)
			_, err = env.repo.Transition(ctx, id, []model.SessionStatus{model.SessionStatusPairing}, model.Transition{To: model.SessionStatusConnected})
			require.NoError(t, err)
			_, err = env.repo.RecordActivity(ctx, id, model.Activity{Messages: n, At: env.now})
			require.NoError(t, err)
		}
		connectAndCount(wa.ID, 30)
		connectAndCount(dc.ID, 10)

		got, err := env.aggregator.PlatformDistribution(ctx, DistributionByMessages)
		require.NoError(t, err)
		assert.Equal(t, []PlatformShare{
			{Platform: model.PlatformWhatsApp, Value: 30, Percentage: 75},
			{Platform: model.PlatformDiscord, Value: 10, Percentage: 25},
		}, got)
	})
}

func TestParseDistributionBy(t *testing.T) {
	by, err := ParseDistributionBy("")
	require.NoError(t, err)
	assert.Equal(t, DistributionBySessions, by)

	by, err = ParseDistributionBy("messages")
	require.NoError(t, err)
	assert.Equal(t, DistributionByMessages, by)

	_, err = ParseDistributionBy("revenue")
	assert.Error(t, err)
}

func TestAnalyticsAggregator_ResponseTimes(t *testing.T) {
	env := newAnalyticsEnv(t)
	ctx := context.Background()
	hour := env.now.Truncate(time.Hour)

	// two round trips in the current hour: 2s and 4s
	env.message("a", model.DirectionReceived, hour.Add(time.Minute))
	env.message("a", model.DirectionReceived, hour.Add(time.Minute+time.Second))
	env.message("a", model.DirectionSent, hour.Add(time.Minute+2*time.Second))
	env.message("b", model.DirectionReceived, hour.Add(2*time.Minute))
	env.message("b", model.DirectionSent, hour.Add(2*time.Minute+4*time.Second))
	// an unanswered message and a reply without a request produce nothing
	env.message("c", model.DirectionSent, hour.Add(-3*time.Hour))
	env.message("c", model.DirectionReceived, hour.Add(-2*time.Hour))
	// lifecycle entries are ignored
	env.logs.Append(model.LogEntry{SessionID: "c", Timestamp: hour.Add(-time.Hour), Direction: model.DirectionSent, Type: model.LogTypeStopped})

	got, err := env.aggregator.ResponseTimes(ctx)
	require.NoError(t, err)
	require.Len(t, got, 24)

	last := got[len(got)-1]
	assert.Equal(t, hour, last.Start)
	assert.Equal(t, 2, last.Samples)
	assert.Equal(t, 3000.0, last.AverageMs)

	for _, b := range got[:len(got)-1] {
		assert.Zero(t, b.Samples)
		assert.Zero(t, b.AverageMs)
	}
}

func TestAnalyticsAggregator_MessagesOverTime(t *testing.T) {
	env := newAnalyticsEnv(t)
	ctx := context.Background()
	hour := env.now.Truncate(time.Hour)

	// outside the window
	env.message("b", model.DirectionReceived, hour.Add(-30*time.Hour))

	env.message("a", model.DirectionReceived, hour.Add(-23*time.Hour))
	env.message("a", model.DirectionSent, hour.Add(-23*time.Hour+time.Minute))
	env.message("a", model.DirectionReceived, hour.Add(5*time.Minute))
	env.message("b", model.DirectionReceived, hour.Add(10*time.Minute))

	got, err := env.aggregator.MessagesOverTime(ctx)
	require.NoError(t, err)
	require.Len(t, got, 24)

	assert.Equal(t, hour.Add(-23*time.Hour), got[0].Start)
	assert.Equal(t, 1, got[0].Sent)
	assert.Equal(t, 1, got[0].Received)
	assert.Equal(t, 0, got[23].Sent)
	assert.Equal(t, 2, got[23].Received)
}

func TestAnalyticsAggregator_RealTimeMetrics(t *testing.T) {
	env := newAnalyticsEnv(t)
	ctx := context.Background()

	s := env.create(t, model.PlatformWhatsApp)
	env.create(t, model.PlatformTelegram)
	_, err := env.repo.Transition(ctx, s.ID, []model.SessionStatus{model.SessionStatusDisconnected}, model.Transition{To: model.SessionStatusPairing, PairingChallenge: model.StringPtr("qr")})
	require.NoError(t, err)
	_, err = env.repo.Transition(ctx, s.ID, []model.SessionStatus{model.SessionStatusPairing}, model.Transition{To: model.SessionStatusConnected})
	require.NoError(t, err)
	chats := 3
	_, err = env.repo.RecordActivity(ctx, s.ID, model.Activity{Messages: 6, ActiveChats: &chats, At: env.now})
	require.NoError(t, err)

	// previous window: one round trip of 10s, current window: two of 5s
	env.message(s.ID, model.DirectionReceived, env.now.Add(-30*time.Hour))
	env.message(s.ID, model.DirectionSent, env.now.Add(-30*time.Hour+10*time.Second))
	env.message(s.ID, model.DirectionReceived, env.now.Add(-2*time.Hour))
	env.message(s.ID, model.DirectionSent, env.now.Add(-2*time.Hour+5*time.Second))
	env.message(s.ID, model.DirectionReceived, env.now.Add(-time.Hour))
	env.message(s.ID, model.DirectionSent, env.now.Add(-time.Hour+5*time.Second))

	m, err := env.aggregator.RealTimeMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalSessions)
	assert.Equal(t, 1, m.ByStatus[model.SessionStatusConnected])
	assert.Equal(t, 1, m.ByStatus[model.SessionStatusDisconnected])
	assert.Equal(t, 0, m.ByStatus[model.SessionStatusError])
	assert.Equal(t, 3, m.ActiveChats)
	assert.Equal(t, int64(6), m.TotalMessages)
	assert.Equal(t, 4, m.WindowMessages)
	assert.Equal(t, 2, m.PreviousWindowMessages)
	assert.Equal(t, 100.0, m.MessageGrowth)
	assert.Equal(t, 5000.0, m.AverageResponseMs)
	assert.Equal(t, -50.0, m.ResponseTimeGrowth)
}

func TestAnalyticsAggregator_EmptyMetrics(t *testing.T) {
	env := newAnalyticsEnv(t)
	m, err := env.aggregator.RealTimeMetrics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, m.TotalSessions)
	assert.Zero(t, m.MessageGrowth)
	assert.Zero(t, m.ResponseTimeGrowth)
	assert.Zero(t, m.AverageResponseMs)
}

func TestAnalyticsAggregator_Refresh(t *testing.T) {
	env := newAnalyticsEnv(t)
	assert.Nil(t, env.aggregator.Snapshot())

	env.create(t, model.PlatformDiscord)
	snapshot, err := env.aggregator.Refresh(context.Background())
	require.NoError(t, err)

	assert.Same(t, snapshot, env.aggregator.Snapshot())
	require.Len(t, snapshot.Platforms, 1)
	assert.Equal(t, 100.0, snapshot.Platforms[0].Percentage)
	assert.Empty(t, snapshot.MessageShare)
	assert.Len(t, snapshot.ResponseTimes, 24)
	assert.Equal(t, env.now, snapshot.GeneratedAt)
}

func TestAnalyticsAggregator_IsReadOnly(t *testing.T) {
	env := newAnalyticsEnv(t)
	s := env.create(t, model.PlatformWhatsApp)
	env.message(s.ID, model.DirectionReceived, env.now.Add(-time.Minute))

	before, err := env.repo.FindByID(context.Background(), s.ID)
	require.NoError(t, err)
	_, err = env.aggregator.Refresh(context.Background())
	require.NoError(t, err)

	after, err := env.repo.FindByID(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, env.logs.Fetch(s.ID, 0), 1)
}
