package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/multisession-server-go/internal/errors"
	"github.com/openclaw/multisession-server-go/internal/model"
)

const DefaultBulkConcurrency = 8

// SessionCommander is the command surface bulk actions fan out over.
type SessionCommander interface {
	Start(ctx context.Context, id string) (*StartResult, error)
	Stop(ctx context.Context, id string) (*model.Session, error)
	Restart(ctx context.Context, id string) (*StartResult, error)
}

var _ SessionCommander = (*SessionController)(nil)

// BulkReport holds one result per requested session, in request order.
type BulkReport struct {
	Action  model.BulkAction         `json:"action"`
	Results []model.BulkActionResult `json:"results"`
}

func (r *BulkReport) Succeeded() []model.BulkActionResult {
	return r.filter(model.BulkOutcomeSuccess)
}

func (r *BulkReport) Failed() []model.BulkActionResult {
	return r.filter(model.BulkOutcomeFailure)
}

func (r *BulkReport) filter(outcome model.BulkOutcome) []model.BulkActionResult {
	out := []model.BulkActionResult{}
	for _, res := range r.Results {
		if res.Outcome == outcome {
			out = append(out, res)
		}
	}
	return out
}

type BulkActionCoordinator struct {
	commander   SessionCommander
	concurrency int
}

func NewBulkActionCoordinator(commander SessionCommander, concurrency int) *BulkActionCoordinator {
	if concurrency <= 0 {
		concurrency = DefaultBulkConcurrency
	}
	return &BulkActionCoordinator{
		commander:   commander,
		concurrency: concurrency,
	}
}

// Execute runs action against every id with bounded concurrency. Individual
// failures are reported per item and never abort the batch.
func (b *BulkActionCoordinator) Execute(ctx context.Context, ids []string, action model.BulkAction) (*BulkReport, error) {
	if _, err := model.ParseBulkAction(string(action)); err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}

	start := time.Now()
	results := make([]model.BulkActionResult, len(ids))

	jobs := make(chan int)
	workers := min(b.concurrency, len(ids))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = b.run(ctx, ids[i], action)
			}
		}()
	}
	for i := range ids {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	report := &BulkReport{Action: action, Results: results}

	log.Info().
		Str("action", string(action)).
		Int("requested", len(ids)).
		Int("succeeded", len(report.Succeeded())).
		Int("failed", len(report.Failed())).
		Dur("duration", time.Since(start)).
		Msg("bulk action completed")

	return report, nil
}

func (b *BulkActionCoordinator) run(ctx context.Context, id string, action model.BulkAction) model.BulkActionResult {
	var err error
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = apperrors.Internal("bulk action cancelled").WithCause(ctxErr)
	} else {
		switch action {
		case model.BulkActionStart:
			_, err = b.commander.Start(ctx, id)
		case model.BulkActionStop:
			_, err = b.commander.Stop(ctx, id)
		case model.BulkActionRestart:
			_, err = b.commander.Restart(ctx, id)
		}
	}

	if err == nil {
		return model.BulkActionResult{SessionID: id, Outcome: model.BulkOutcomeSuccess}
	}

	code := string(apperrors.GetCode(err))
	message := err.Error()
	if appErr, ok := apperrors.AsAppError(err); ok {
		message = appErr.Message
	}
	log.Debug().Err(err).Str("sessionId", id).Str("action", string(action)).Msg("bulk item failed")

	return model.BulkActionResult{
		SessionID: id,
		Outcome:   model.BulkOutcomeFailure,
		ErrorKind: &code,
		Error:     message,
	}
}
