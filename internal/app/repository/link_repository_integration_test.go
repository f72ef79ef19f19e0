package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sifan077/linkedge/internal/app/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupGorm(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("skip: PG_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Skipf("skip: cannot connect to postgres: %v", err)
	}
	require.NoError(t, db.AutoMigrate(&model.Link{}, &model.ClickEvent{}))
	return db
}

func newTestLink(guest bool, expiresAt *time.Time) *model.Link {
	id := uuid.NewString()
	return &model.Link{
		ID:             id,
		ShortCode:      "t" + id[:8],
		DestinationURL: "https://example.com/" + id,
		IsGuest:        guest,
		ExpiresAt:      expiresAt,
	}
}

func TestLinkRepository_DeleteExpiredGuestsOnlyTouchesGuests(t *testing.T) {
	db := setupGorm(t)
	repo := NewLinkRepository(db)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	expiredGuest := newTestLink(true, &past)
	liveGuest := newTestLink(true, &future)
	expiredOwned := newTestLink(false, &past)
	for _, l := range []*model.Link{expiredGuest, liveGuest, expiredOwned} {
		require.NoError(t, repo.Create(ctx, l))
	}
	t.Cleanup(func() {
		for _, l := range []*model.Link{liveGuest, expiredOwned} {
			_ = repo.DeleteByCode(ctx, l.ShortCode)
		}
	})

	codes, err := repo.DeleteExpiredGuests(ctx, time.Now())
	require.NoError(t, err)
	assert.Contains(t, codes, expiredGuest.ShortCode)
	assert.NotContains(t, codes, liveGuest.ShortCode)
	assert.NotContains(t, codes, expiredOwned.ShortCode)

	_, err = repo.GetByCode(ctx, expiredGuest.ShortCode)
	assert.ErrorIs(t, err, ErrLinkNotFound)
	_, err = repo.GetByCode(ctx, expiredOwned.ShortCode)
	assert.NoError(t, err)
}

func TestLinkRepository_CreateDuplicateCode(t *testing.T) {
	db := setupGorm(t)
	repo := NewLinkRepository(db)
	ctx := context.Background()

	first := newTestLink(false, nil)
	require.NoError(t, repo.Create(ctx, first))
	t.Cleanup(func() { _ = repo.DeleteByCode(ctx, first.ShortCode) })

	second := newTestLink(false, nil)
	second.ShortCode = first.ShortCode
	assert.ErrorIs(t, repo.Create(ctx, second), ErrDuplicateCode)
}

func TestLinkRepository_ListAfterPagesInIDOrder(t *testing.T) {
	db := setupGorm(t)
	repo := NewLinkRepository(db)
	ctx := context.Background()

	var created []*model.Link
	for i := 0; i < 3; i++ {
		l := newTestLink(true, nil)
		require.NoError(t, repo.Create(ctx, l))
		created = append(created, l)
	}
	t.Cleanup(func() {
		for _, l := range created {
			_ = repo.DeleteByCode(ctx, l.ShortCode)
		}
	})

	seen := map[string]bool{}
	after := ""
	for {
		page, err := repo.ListAfter(ctx, after, 2, LinkFilter{GuestOnly: true})
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, l := range page {
			assert.True(t, l.IsGuest)
			assert.Greater(t, l.ID, after)
			seen[l.ID] = true
		}
		after = page[len(page)-1].ID
	}
	for _, l := range created {
		assert.True(t, seen[l.ID], "link %s not visited", l.ID)
	}
}
