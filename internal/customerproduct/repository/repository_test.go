package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/meterline/meterline/internal/customerproduct/domain"
	productdomain "github.com/meterline/meterline/internal/product/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) (*gorm.DB, *snowflake.Node) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.CustomerProduct{}, &productdomain.Product{}))
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	return db, node
}

func seedProduct(t *testing.T, db *gorm.DB, node *snowflake.Node, orgID snowflake.ID, code string, addOn bool) snowflake.ID {
	t.Helper()
	p := &productdomain.Product{
		ID:      node.Generate(),
		OrgID:   orgID,
		Env:     "live",
		Code:    code,
		Name:    code,
		IsAddOn: addOn,
	}
	require.NoError(t, db.Create(p).Error)
	return p.ID
}

func seedCP(t *testing.T, db *gorm.DB, node *snowflake.Node, orgID, customerID, productID snowflake.ID, status domain.Status, startsAt time.Time) *domain.CustomerProduct {
	t.Helper()
	cp := &domain.CustomerProduct{
		ID:         node.Generate(),
		OrgID:      orgID,
		Env:        "live",
		CustomerID: customerID,
		ProductID:  productID,
		Status:     status,
		StartsAt:   startsAt,
	}
	require.NoError(t, db.Create(cp).Error)
	return cp
}

func TestTransition_StatusGuard(t *testing.T) {
	db, node := newTestDB(t)
	r := Provide()
	ctx := context.Background()
	orgID := node.Generate()
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	productID := seedProduct(t, db, node, orgID, "pro", false)
	cp := seedCP(t, db, node, orgID, node.Generate(), productID, domain.StatusScheduled, now)

	require.NoError(t, r.Transition(ctx, db, cp.ID, domain.StatusScheduled, domain.StatusActive, now))

	got, err := r.FindByID(ctx, db, orgID, cp.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Nil(t, got.EndedAt)

	// A replayed activation finds no row still in the source state.
	err = r.Transition(ctx, db, cp.ID, domain.StatusScheduled, domain.StatusActive, now)
	assert.ErrorIs(t, err, domain.ErrAlreadyEnded)
}

func TestTransition_ExpireStampsEndedAt(t *testing.T) {
	db, node := newTestDB(t)
	r := Provide()
	ctx := context.Background()
	orgID := node.Generate()
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	productID := seedProduct(t, db, node, orgID, "pro", false)
	cp := seedCP(t, db, node, orgID, node.Generate(), productID, domain.StatusActive, now)

	require.NoError(t, r.Transition(ctx, db, cp.ID, domain.StatusActive, domain.StatusExpired, now))

	got, err := r.FindByID(ctx, db, orgID, cp.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, now.Unix(), got.EndedAt.Unix())

	err = r.Transition(ctx, db, cp.ID, domain.StatusActive, domain.StatusExpired, now)
	assert.ErrorIs(t, err, domain.ErrAlreadyEnded)
}

func TestFindCurrent_SkipsAddOnsAndEnded(t *testing.T) {
	db, node := newTestDB(t)
	r := Provide()
	ctx := context.Background()
	orgID := node.Generate()
	customerID := node.Generate()
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	baseID := seedProduct(t, db, node, orgID, "pro", false)
	addOnID := seedProduct(t, db, node, orgID, "extra_seats", true)
	oldID := seedProduct(t, db, node, orgID, "starter", false)

	seedCP(t, db, node, orgID, customerID, oldID, domain.StatusExpired, now.Add(-60*24*time.Hour))
	want := seedCP(t, db, node, orgID, customerID, baseID, domain.StatusActive, now.Add(-10*24*time.Hour))
	seedCP(t, db, node, orgID, customerID, addOnID, domain.StatusActive, now)

	got, err := r.FindCurrent(ctx, db, orgID, customerID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
}

func TestFindCurrent_IncludesPastDue(t *testing.T) {
	db, node := newTestDB(t)
	r := Provide()
	ctx := context.Background()
	orgID := node.Generate()
	customerID := node.Generate()
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	productID := seedProduct(t, db, node, orgID, "pro", false)
	want := seedCP(t, db, node, orgID, customerID, productID, domain.StatusPastDue, now)

	got, err := r.FindCurrent(ctx, db, orgID, customerID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
}

func TestFindScheduled_ReturnsEarliest(t *testing.T) {
	db, node := newTestDB(t)
	r := Provide()
	ctx := context.Background()
	orgID := node.Generate()
	customerID := node.Generate()
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	productID := seedProduct(t, db, node, orgID, "starter", false)
	want := seedCP(t, db, node, orgID, customerID, productID, domain.StatusScheduled, now)
	seedCP(t, db, node, orgID, customerID, productID, domain.StatusScheduled, now.Add(24*time.Hour))

	got, err := r.FindScheduled(ctx, db, orgID, customerID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)

	missing, err := r.FindScheduled(ctx, db, node.Generate(), customerID)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
