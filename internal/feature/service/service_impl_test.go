package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/feature/domain"
	"github.com/meterline/meterline/internal/feature/repository"
	"github.com/meterline/meterline/internal/orgcontext"
	"github.com/meterline/meterline/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (domain.Service, *clock.FakeClock, context.Context) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Feature{}))

	node, err := snowflake.NewNode(9)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))

	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fake,
		GenID: node,
		Repo:  repository.Provide(),
	})
	ctx := orgcontext.WithOrgID(context.Background(), node.Generate())
	return svc, fake, ctx
}

func createFeature(t *testing.T, svc domain.Service, ctx context.Context, code string) {
	t.Helper()
	_, err := svc.Create(ctx, domain.CreateRequest{
		Code:        code,
		Name:        code,
		FeatureType: domain.FeatureTypeMetered,
		EventNames:  []string{code + ".used"},
	})
	require.NoError(t, err)
}

func TestList_CursorPagination(t *testing.T) {
	svc, fake, ctx := newTestService(t)

	for _, code := range []string{"f_a", "f_b", "f_c"} {
		createFeature(t, svc, ctx, code)
		fake.Advance(time.Second)
	}

	// Default order is newest first, so the first page carries f_c and f_b.
	items, page, err := svc.List(ctx, domain.ListRequest{
		Page: pagination.Pagination{PageSize: 2},
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "f_c", items[0].Code)
	assert.Equal(t, "f_b", items[1].Code)
	require.True(t, page.HasMore)
	require.NotEmpty(t, page.NextPageToken)

	items, page, err = svc.List(ctx, domain.ListRequest{
		Page: pagination.Pagination{PageSize: 2, PageToken: page.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "f_a", items[0].Code)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextPageToken)
}

func TestList_SortByCode(t *testing.T) {
	svc, fake, ctx := newTestService(t)

	for _, code := range []string{"zeta", "alpha", "mid"} {
		createFeature(t, svc, ctx, code)
		fake.Advance(time.Second)
	}

	items, _, err := svc.List(ctx, domain.ListRequest{SortBy: "code", OrderBy: "asc"})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "alpha", items[0].Code)
	assert.Equal(t, "mid", items[1].Code)
	assert.Equal(t, "zeta", items[2].Code)

	// Unknown sort fields fall back to created_at rather than leaking into
	// the statement.
	items, _, err = svc.List(ctx, domain.ListRequest{SortBy: "drop table", OrderBy: "asc"})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "zeta", items[0].Code)
}
