package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/multisession-server-go/internal/config"
)

const DefaultPairingSweepInterval = 5 * time.Second

// Expirer sweeps pairing challenges past their expiry.
type Expirer interface {
	Expire(ctx context.Context) int
}

type PairingExpiryJob struct {
	pairing  Expirer
	interval time.Duration
	done     chan struct{}
}

func NewPairingExpiryJob(pairing Expirer, interval time.Duration) *PairingExpiryJob {
	if interval <= 0 {
		interval = DefaultPairingSweepInterval
	}
	return &PairingExpiryJob{
		pairing:  pairing,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *PairingExpiryJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("pairing expiry job started")
}

func (j *PairingExpiryJob) Stop() {
	close(j.done)
	log.Info().Msg("pairing expiry job stopped")
}

func (j *PairingExpiryJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *PairingExpiryJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), config.JobRunTimeout)
	defer cancel()

	if count := j.pairing.Expire(ctx); count > 0 {
		log.Info().Int("count", count).Msg("expired pairing challenges")
	}
}
