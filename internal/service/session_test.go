package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/multisession-server-go/internal/errors"
	"github.com/openclaw/multisession-server-go/internal/model"
	"github.com/openclaw/multisession-server-go/internal/sse"
)

func newTestSessionService(t *testing.T) (*SessionService, *controllerEnv) {
	t.Helper()
	env := newControllerEnv(t)
	return NewSessionService(env.repo, env.controller, env.logs, env.broker), env
}

func TestSessionService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a disconnected session and logs it", func(t *testing.T) {
		svc, env := newTestSessionService(t)
		events := env.broker.Subscribe("")
		t.Cleanup(func() { env.broker.Unsubscribe(events) })

		s, err := svc.Create(ctx, model.CreateSessionParams{
			Name:     "  sales line  ",
			Platform: model.PlatformWhatsApp,
			Handle:   model.StringPtr("+4915112345678"),
		})
		require.NoError(t, err)
		assert.Equal(t, "sales line", s.Name)
		assert.Equal(t, model.SessionStatusDisconnected, s.Status)
		assert.Equal(t, []string{model.LogTypeSessionCreated}, logTypes(env.logs.Fetch(s.ID, 0)))

		select {
		case ev := <-events.Events:
			assert.Equal(t, sse.EventSessionCreated, ev.Type)
			assert.Equal(t, s.ID, ev.SessionID)
		case <-time.After(time.Second):
			t.Fatal("no session_created event")
		}
	})

	t.Run("validates input", func(t *testing.T) {
		svc, _ := newTestSessionService(t)

		_, err := svc.Create(ctx, model.CreateSessionParams{Name: " ", Platform: model.PlatformWhatsApp})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingRequired))

		_, err = svc.Create(ctx, model.CreateSessionParams{Name: strings.Repeat("x", 101), Platform: model.PlatformWhatsApp})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

		_, err = svc.Create(ctx, model.CreateSessionParams{Name: "x", Platform: "myspace"})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	})
}

func TestSessionService_GetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	svc, env := newTestSessionService(t)

	s, err := svc.Create(ctx, model.CreateSessionParams{Name: "ops", Platform: model.PlatformTelegram})
	require.NoError(t, err)

	got, err := svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "ops", got.Name)

	updated, err := svc.Update(ctx, s.ID, model.UpdateSessionParams{
		Name:   model.StringPtr("ops-eu"),
		Config: model.Config{"region": "eu"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ops-eu", updated.Name)
	assert.Equal(t, "eu", updated.Config.String("region"))

	_, err = svc.Update(ctx, s.ID, model.UpdateSessionParams{Name: model.StringPtr("")})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingRequired))

	_, err = svc.Update(ctx, "missing", model.UpdateSessionParams{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))

	telegram := model.PlatformTelegram
	list, err := svc.List(ctx, model.SessionFilter{Platform: &telegram})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, svc.Delete(ctx, s.ID))
	_, err = svc.Get(ctx, s.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	assert.Empty(t, env.logs.Fetch(s.ID, 0))
}
