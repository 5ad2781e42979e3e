package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/multisession-server-go/internal/database"
	"github.com/openclaw/multisession-server-go/internal/model"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := database.Connect(url)
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(context.Background()))
	_, err = db.Exec(`TRUNCATE bot_sessions`)
	require.NoError(t, err)
	return db
}

func TestMemorySessionRepository(t *testing.T) {
	runSessionRepositoryContract(t, func(t *testing.T) SessionRepository {
		return NewMemorySessionRepository()
	})
}

func TestPostgresSessionRepository(t *testing.T) {
	runSessionRepositoryContract(t, func(t *testing.T) SessionRepository {
		db := setupTestDB(t)
		t.Cleanup(func() { db.Close() })
		return NewSessionRepository(db.DB)
	})
}

func runSessionRepositoryContract(t *testing.T, newRepo func(t *testing.T) SessionRepository) {
	ctx := context.Background()

	create := func(t *testing.T, repo SessionRepository, name string, platform model.Platform) *model.Session {
		t.Helper()
		s, err := repo.Create(ctx, model.CreateSessionParams{
			Name:     name,
			Platform: platform,
			Handle:   model.StringPtr("+5511999990000"),
			Config:   model.Config{"webhook": "https://example.com/hook"},
		})
		require.NoError(t, err)
		return s
	}

	t.Run("Create starts disconnected", func(t *testing.T) {
		repo := newRepo(t)
		s := create(t, repo, "support", model.PlatformWhatsApp)

		assert.NotEmpty(t, s.ID)
		assert.Equal(t, model.SessionStatusDisconnected, s.Status)
		assert.Nil(t, s.PairingChallenge)
		assert.Equal(t, "https://example.com/hook", s.Config.String("webhook"))

		found, err := repo.FindByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.ID, found.ID)
	})

	t.Run("FindByID returns nil for unknown id", func(t *testing.T) {
		repo := newRepo(t)
		found, err := repo.FindByID(ctx, "00000000-0000-0000-0000-000000000000")
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("List filters by status and platform", func(t *testing.T) {
		repo := newRepo(t)
		a := create(t, repo, "a", model.PlatformWhatsApp)
		create(t, repo, "b", model.PlatformTelegram)
		_, err := repo.Transition(ctx, a.ID, []model.SessionStatus{model.SessionStatusDisconnected}, model.Transition{
			To:               model.SessionStatusPairing,
			PairingChallenge: model.StringPtr("qr"),
		})
		require.NoError(t, err)

		all, err := repo.List(ctx, model.SessionFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		pairing := model.SessionStatusPairing
		byStatus, err := repo.List(ctx, model.SessionFilter{Status: &pairing})
		require.NoError(t, err)
		require.Len(t, byStatus, 1)
		assert.Equal(t, a.ID, byStatus[0].ID)

		telegram := model.PlatformTelegram
		byPlatform, err := repo.List(ctx, model.SessionFilter{Platform: &telegram})
		require.NoError(t, err)
		require.Len(t, byPlatform, 1)
		assert.Equal(t, "b", byPlatform[0].Name)
	})

	t.Run("Update changes only provided fields", func(t *testing.T) {
		repo := newRepo(t)
		s := create(t, repo, "before", model.PlatformDiscord)

		updated, err := repo.Update(ctx, s.ID, model.UpdateSessionParams{Name: model.StringPtr("after")})
		require.NoError(t, err)
		assert.Equal(t, "after", updated.Name)
		assert.Equal(t, "+5511999990000", *updated.Handle)
		assert.Equal(t, "https://example.com/hook", updated.Config.String("webhook"))

		missing, err := repo.Update(ctx, "00000000-0000-0000-0000-000000000000", model.UpdateSessionParams{})
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("Transition enforces source status", func(t *testing.T) {
		repo := newRepo(t)
		s := create(t, repo, "cas", model.PlatformWhatsApp)

		pairing, err := repo.Transition(ctx, s.ID, []model.SessionStatus{model.SessionStatusDisconnected}, model.Transition{
			To:               model.SessionStatusPairing,
			PairingChallenge: model.StringPtr("qr-payload"),
		})
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusPairing, pairing.Status)
		assert.Equal(t, "qr-payload", *pairing.PairingChallenge)

		current, err := repo.Transition(ctx, s.ID, []model.SessionStatus{model.SessionStatusDisconnected}, model.Transition{
			To:               model.SessionStatusPairing,
			PairingChallenge: model.StringPtr("other"),
		})
		assert.True(t, errors.Is(err, ErrStatusMismatch))
		require.NotNil(t, current)
		assert.Equal(t, "qr-payload", *current.PairingChallenge)

		connected, err := repo.Transition(ctx, s.ID, []model.SessionStatus{model.SessionStatusPairing}, model.Transition{
			To: model.SessionStatusConnected,
		})
		require.NoError(t, err)
		assert.Nil(t, connected.PairingChallenge)

		errored, err := repo.Transition(ctx, s.ID, []model.SessionStatus{model.SessionStatusConnected}, model.Transition{
			To:        model.SessionStatusError,
			ErrorKind: model.ErrorKindPtr(model.ErrorKindConnectorUnreachable),
		})
		require.NoError(t, err)
		assert.Equal(t, model.ErrorKindConnectorUnreachable, *errored.ErrorKind)
	})

	t.Run("Transition returns nil for unknown id", func(t *testing.T) {
		repo := newRepo(t)
		s, err := repo.Transition(ctx, "00000000-0000-0000-0000-000000000000", []model.SessionStatus{model.SessionStatusDisconnected}, model.Transition{To: model.SessionStatusStopped})
		require.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("concurrent transitions have exactly one winner", func(t *testing.T) {
		repo := newRepo(t)
		s := create(t, repo, "race", model.PlatformWhatsApp)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Transition(ctx, s.ID, []model.SessionStatus{model.SessionStatusDisconnected}, model.Transition{
					To:               model.SessionStatusPairing,
					PairingChallenge: model.StringPtr("qr"),
				})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("RecordActivity only while connected", func(t *testing.T) {
		repo := newRepo(t)
		s := create(t, repo, "traffic", model.PlatformTelegram)
		at := time.Now().UTC().Truncate(time.Millisecond)

		_, err := repo.RecordActivity(ctx, s.ID, model.Activity{Messages: 1, At: at})
		assert.True(t, errors.Is(err, ErrStatusMismatch))

		_, err = repo.Transition(ctx, s.ID, []model.SessionStatus{model.SessionStatusDisconnected}, model.Transition{To: model.SessionStatusPairing, PairingChallenge: model.StringPtr("qr")})
		require.NoError(t, err)
		_, err = repo.Transition(ctx, s.ID, []model.SessionStatus{model.SessionStatusPairing}, model.Transition{To: model.SessionStatusConnected})
		require.NoError(t, err)

		chats := 4
		updated, err := repo.RecordActivity(ctx, s.ID, model.Activity{Messages: 3, ActiveChats: &chats, At: at})
		require.NoError(t, err)
		assert.Equal(t, int64(3), updated.TotalMessages)
		assert.Equal(t, 4, updated.ActiveChats)
		assert.True(t, updated.LastActivityAt.Equal(at))
	})

	t.Run("Delete removes the session", func(t *testing.T) {
		repo := newRepo(t)
		s := create(t, repo, "gone", model.PlatformOther)

		deleted, err := repo.Delete(ctx, s.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = repo.Delete(ctx, s.ID)
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}

func TestMemorySessionRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()

	s, err := repo.Create(ctx, model.CreateSessionParams{Name: "copy", Platform: model.PlatformOther, Config: model.Config{"k": "v"}})
	require.NoError(t, err)

	s.Name = "mutated"
	s.Config["k"] = "mutated"

	found, err := repo.FindByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "copy", found.Name)
	assert.Equal(t, "v", found.Config.String("k"))
}
