package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/multisession-server-go/internal/errors"
	"github.com/openclaw/multisession-server-go/internal/model"
	"github.com/openclaw/multisession-server-go/internal/repository"
)

const (
	DefaultAnalyticsWindow = 24 * time.Hour
	DefaultAnalyticsBucket = time.Hour

	// percentages are distributed in tenths so one decimal always sums to 100.0
	percentUnits = 1000
)

type DistributionBy string

const (
	DistributionBySessions DistributionBy = "sessions"
	DistributionByMessages DistributionBy = "messages"
)

func ParseDistributionBy(s string) (DistributionBy, error) {
	switch DistributionBy(s) {
	case "":
		return DistributionBySessions, nil
	case DistributionBySessions, DistributionByMessages:
		return DistributionBy(s), nil
	}
	return "", fmt.Errorf("unknown distribution %q", s)
}

type PlatformShare struct {
	Platform   model.Platform `json:"platform"`
	Value      int64          `json:"value"`
	Percentage float64        `json:"percentage"`
}

type ResponseTimeBucket struct {
	Start     time.Time `json:"start"`
	AverageMs float64   `json:"averageMs"`
	Samples   int       `json:"samples"`
}

type MessageVolumeBucket struct {
	Start    time.Time `json:"start"`
	Sent     int       `json:"sent"`
	Received int       `json:"received"`
}

type RealTimeMetrics struct {
	TotalSessions          int                         `json:"totalSessions"`
	ByStatus               map[model.SessionStatus]int `json:"byStatus"`
	ActiveChats            int                         `json:"activeChats"`
	TotalMessages          int64                       `json:"totalMessages"`
	WindowMessages         int                         `json:"windowMessages"`
	PreviousWindowMessages int                         `json:"previousWindowMessages"`
	MessageGrowth          float64                     `json:"messageGrowth"`
	AverageResponseMs      float64                     `json:"averageResponseMs"`
	ResponseTimeGrowth     float64                     `json:"responseTimeGrowth"`
	GeneratedAt            time.Time                   `json:"generatedAt"`
}

type AnalyticsSnapshot struct {
	Platforms        []PlatformShare       `json:"platforms"`
	MessageShare     []PlatformShare       `json:"messageShare"`
	ResponseTimes    []ResponseTimeBucket  `json:"responseTimes"`
	MessagesOverTime []MessageVolumeBucket `json:"messagesOverTime"`
	Metrics          *RealTimeMetrics      `json:"metrics"`
	GeneratedAt      time.Time             `json:"generatedAt"`
}

// AnalyticsAggregator derives cross-session metrics from the registry and the
// log journal. It never mutates either.
type AnalyticsAggregator struct {
	repo   repository.SessionRepository
	logs   *LogCollector
	window time.Duration
	bucket time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	snapshot *AnalyticsSnapshot
}

func NewAnalyticsAggregator(repo repository.SessionRepository, logs *LogCollector, window, bucket time.Duration) *AnalyticsAggregator {
	if window <= 0 {
		window = DefaultAnalyticsWindow
	}
	if bucket <= 0 || bucket > window {
		bucket = DefaultAnalyticsBucket
	}
	return &AnalyticsAggregator{
		repo:   repo,
		logs:   logs,
		window: window,
		bucket: bucket,
		now:    time.Now,
	}
}

// Growth returns the percent change from prev to cur, or 0 when prev is 0.
func Growth(cur, prev float64) float64 {
	if prev == 0 {
		return 0
	}
	return round1((cur - prev) / prev * 100)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func (a *AnalyticsAggregator) sessions(ctx context.Context) ([]model.Session, error) {
	sessions, err := a.repo.List(ctx, model.SessionFilter{})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return sessions, nil
}

func (a *AnalyticsAggregator) PlatformDistribution(ctx context.Context, by DistributionBy) ([]PlatformShare, error) {
	sessions, err := a.sessions(ctx)
	if err != nil {
		return nil, err
	}
	return platformDistribution(sessions, by), nil
}

func platformDistribution(sessions []model.Session, by DistributionBy) []PlatformShare {
	values := make(map[model.Platform]int64)
	var total int64
	for _, s := range sessions {
		v := int64(1)
		if by == DistributionByMessages {
			v = s.TotalMessages
		}
		values[s.Platform] += v
		total += v
	}
	if total == 0 {
		return []PlatformShare{}
	}

	type share struct {
		PlatformShare
		units     int64
		remainder float64
		order     int
	}
	var shares []share
	var assigned int64
	for i, p := range model.Platforms {
		v := values[p]
		if v == 0 {
			continue
		}
		exact := float64(v) * percentUnits / float64(total)
		units := int64(math.Floor(exact))
		assigned += units
		shares = append(shares, share{
			PlatformShare: PlatformShare{Platform: p, Value: v},
			units:         units,
			remainder:     exact - float64(units),
			order:         i,
		})
	}

	// hand the leftover tenths to the largest remainders
	sort.SliceStable(shares, func(i, j int) bool {
		if shares[i].remainder == shares[j].remainder {
			return shares[i].order < shares[j].order
		}
		return shares[i].remainder > shares[j].remainder
	})
	for i := int64(0); i < percentUnits-assigned; i++ {
		shares[i%int64(len(shares))].units++
	}

	sort.SliceStable(shares, func(i, j int) bool {
		if shares[i].Value == shares[j].Value {
			return shares[i].order < shares[j].order
		}
		return shares[i].Value > shares[j].Value
	})
	out := make([]PlatformShare, len(shares))
	for i, s := range shares {
		s.Percentage = float64(s.units) / 10
		out[i] = s.PlatformShare
	}
	return out
}

// windowStart returns the aligned start of the bucketed window ending with the
// bucket that contains now, and the number of buckets.
func (a *AnalyticsAggregator) windowStart(now time.Time) (time.Time, int) {
	n := int((a.window + a.bucket - 1) / a.bucket)
	end := now.Truncate(a.bucket).Add(a.bucket)
	return end.Add(-time.Duration(n) * a.bucket), n
}

func (a *AnalyticsAggregator) bucketIndex(start, ts time.Time, n int) int {
	if ts.Before(start) {
		return -1
	}
	i := int(ts.Sub(start) / a.bucket)
	if i >= n {
		return -1
	}
	return i
}

// latency is one request/reply round trip, stamped with the reply time.
type latency struct {
	at time.Time
	d  time.Duration
}

// roundTrips pairs the first unanswered received message with the next sent
// message of the same session.
func roundTrips(entries []model.LogEntry) []latency {
	var out []latency
	var pending *time.Time
	for _, e := range entries {
		if e.Type != model.LogTypeMessage {
			continue
		}
		switch e.Direction {
		case model.DirectionReceived:
			if pending == nil {
				ts := e.Timestamp
				pending = &ts
			}
		case model.DirectionSent:
			if pending != nil {
				out = append(out, latency{at: e.Timestamp, d: e.Timestamp.Sub(*pending)})
				pending = nil
			}
		}
	}
	return out
}

func (a *AnalyticsAggregator) ResponseTimes(_ context.Context) ([]ResponseTimeBucket, error) {
	return a.responseTimes(a.now()), nil
}

func (a *AnalyticsAggregator) responseTimes(now time.Time) []ResponseTimeBucket {
	start, n := a.windowStart(now)
	totals := make([]time.Duration, n)
	counts := make([]int, n)

	for _, id := range a.logs.Sessions() {
		for _, l := range roundTrips(a.logs.Since(id, start)) {
			if i := a.bucketIndex(start, l.at, n); i >= 0 {
				totals[i] += l.d
				counts[i]++
			}
		}
	}

	out := make([]ResponseTimeBucket, n)
	for i := range out {
		out[i].Start = start.Add(time.Duration(i) * a.bucket)
		out[i].Samples = counts[i]
		if counts[i] > 0 {
			out[i].AverageMs = round1(float64(totals[i].Milliseconds()) / float64(counts[i]))
		}
	}
	return out
}

func (a *AnalyticsAggregator) MessagesOverTime(_ context.Context) ([]MessageVolumeBucket, error) {
	return a.messagesOverTime(a.now()), nil
}

func (a *AnalyticsAggregator) messagesOverTime(now time.Time) []MessageVolumeBucket {
	start, n := a.windowStart(now)
	out := make([]MessageVolumeBucket, n)
	for i := range out {
		out[i].Start = start.Add(time.Duration(i) * a.bucket)
	}

	for _, id := range a.logs.Sessions() {
		for _, e := range a.logs.Since(id, start) {
			if e.Type != model.LogTypeMessage {
				continue
			}
			i := a.bucketIndex(start, e.Timestamp, n)
			if i < 0 {
				continue
			}
			if e.Direction == model.DirectionSent {
				out[i].Sent++
			} else {
				out[i].Received++
			}
		}
	}
	return out
}

type windowTotals struct {
	messages  int
	latency   time.Duration
	roundTrip int
}

func (w windowTotals) averageMs() float64 {
	if w.roundTrip == 0 {
		return 0
	}
	return round1(float64(w.latency.Milliseconds()) / float64(w.roundTrip))
}

// windowTotals splits message counts and round trips into the current window
// (now-window, now] and the one before it.
func (a *AnalyticsAggregator) windowTotals(now time.Time) (cur, prev windowTotals) {
	curStart := now.Add(-a.window)
	prevStart := curStart.Add(-a.window)

	pick := func(ts time.Time) *windowTotals {
		switch {
		case ts.After(curStart) && !ts.After(now):
			return &cur
		case ts.After(prevStart) && !ts.After(curStart):
			return &prev
		}
		return nil
	}

	for _, id := range a.logs.Sessions() {
		entries := a.logs.Since(id, prevStart)
		for _, e := range entries {
			if e.Type != model.LogTypeMessage {
				continue
			}
			if w := pick(e.Timestamp); w != nil {
				w.messages++
			}
		}
		for _, l := range roundTrips(entries) {
			if w := pick(l.at); w != nil {
				w.latency += l.d
				w.roundTrip++
			}
		}
	}
	return cur, prev
}

func (a *AnalyticsAggregator) RealTimeMetrics(ctx context.Context) (*RealTimeMetrics, error) {
	sessions, err := a.sessions(ctx)
	if err != nil {
		return nil, err
	}
	return a.realTimeMetrics(sessions, a.now()), nil
}

func (a *AnalyticsAggregator) realTimeMetrics(sessions []model.Session, now time.Time) *RealTimeMetrics {
	m := &RealTimeMetrics{
		TotalSessions: len(sessions),
		ByStatus:      make(map[model.SessionStatus]int, len(model.SessionStatuses)),
		GeneratedAt:   now,
	}
	for _, st := range model.SessionStatuses {
		m.ByStatus[st] = 0
	}
	for _, s := range sessions {
		m.ByStatus[s.Status]++
		m.TotalMessages += s.TotalMessages
		if s.Status == model.SessionStatusConnected {
			m.ActiveChats += s.ActiveChats
		}
	}

	cur, prev := a.windowTotals(now)
	m.WindowMessages = cur.messages
	m.PreviousWindowMessages = prev.messages
	m.MessageGrowth = Growth(float64(cur.messages), float64(prev.messages))
	m.AverageResponseMs = cur.averageMs()
	m.ResponseTimeGrowth = Growth(cur.averageMs(), prev.averageMs())
	return m
}

// Refresh recomputes every view and stores the result as the latest snapshot.
func (a *AnalyticsAggregator) Refresh(ctx context.Context) (*AnalyticsSnapshot, error) {
	sessions, err := a.sessions(ctx)
	if err != nil {
		return nil, err
	}
	now := a.now()

	snapshot := &AnalyticsSnapshot{
		Platforms:        platformDistribution(sessions, DistributionBySessions),
		MessageShare:     platformDistribution(sessions, DistributionByMessages),
		ResponseTimes:    a.responseTimes(now),
		MessagesOverTime: a.messagesOverTime(now),
		Metrics:          a.realTimeMetrics(sessions, now),
		GeneratedAt:      now,
	}

	a.mu.Lock()
	a.snapshot = snapshot
	a.mu.Unlock()

	log.Debug().
		Int("sessions", len(sessions)).
		Int("windowMessages", snapshot.Metrics.WindowMessages).
		Msg("analytics refreshed")

	return snapshot, nil
}

// Snapshot returns the result of the last Refresh, or nil before the first one.
func (a *AnalyticsAggregator) Snapshot() *AnalyticsSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot
}
