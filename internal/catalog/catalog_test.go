package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drluca/shopflow/internal/events"
)

func testProduct(id string, price float64, stock int) *Product {
	now := time.Now().UTC()
	return &Product{
		ID:          id,
		Name:        "Product " + id,
		Description: "test product",
		Price:       price,
		Category:    "electronics",
		Stock:       stock,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestProductValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Product)
		wantErr bool
	}{
		{"valid", func(p *Product) {}, false},
		{"empty name", func(p *Product) { p.Name = "" }, true},
		{"zero price", func(p *Product) { p.Price = 0 }, true},
		{"negative price", func(p *Product) { p.Price = -1 }, true},
		{"negative stock", func(p *Product) { p.Stock = -1 }, true},
		{"zero stock ok", func(p *Product) { p.Stock = 0 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := testProduct("prod-v", 9.99, 5)
			tc.mutate(p)
			err := p.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p := testProduct("prod-crud", 19.99, 10)
	require.NoError(t, s.Create(ctx, p))
	assert.Error(t, s.Create(ctx, p), "duplicate create must fail")

	got, err := s.Get(ctx, "prod-crud")
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)

	got.Price = 24.99
	require.NoError(t, s.Update(ctx, got))
	again, err := s.Get(ctx, "prod-crud")
	require.NoError(t, err)
	assert.Equal(t, 24.99, again.Price)
	assert.Equal(t, 19.99, p.Price, "stored copy must not alias the caller's struct")

	require.NoError(t, s.Delete(ctx, "prod-crud"))
	_, err = s.Get(ctx, "prod-crud")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "prod-crud"), ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, p), ErrNotFound)
}

func TestMemoryStoreListByCategory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a := testProduct("prod-la", 5, 1)
	b := testProduct("prod-lb", 5, 1)
	b.Category = "books"
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	books, err := s.List(ctx, "books")
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "prod-lb", books[0].ID)

	none, err := s.List(ctx, "furniture")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStoreAdjustStock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, testProduct("prod-adj", 5, 10)))

	change, err := s.AdjustStock(ctx, "prod-adj", -4)
	require.NoError(t, err)
	assert.Equal(t, 10, change.OldStock)
	assert.Equal(t, 6, change.NewStock)
	assert.Equal(t, -4, change.Delta())

	change, err = s.AdjustStock(ctx, "prod-adj", 14)
	require.NoError(t, err)
	assert.Equal(t, 20, change.NewStock)

	// The guard refuses to go below zero and reports the current level.
	change, err = s.AdjustStock(ctx, "prod-adj", -21)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 20, change.OldStock)

	got, err := s.Get(ctx, "prod-adj")
	require.NoError(t, err)
	assert.Equal(t, 20, got.Stock, "refused adjustment must not change stock")

	_, err = s.AdjustStock(ctx, "prod-nope", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDecrementForOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, testProduct("prod-d1", 5, 10)))
	require.NoError(t, s.Create(ctx, testProduct("prod-d2", 5, 2)))

	adjustments, err := s.DecrementForOrder(ctx, []events.LineItem{
		{ProductID: "prod-d1", Quantity: 3, UnitPrice: 5},
		{ProductID: "prod-d2", Quantity: 5, UnitPrice: 5},
		{ProductID: "prod-gone", Quantity: 1, UnitPrice: 5},
	})
	require.NoError(t, err)
	require.Len(t, adjustments, 3)

	assert.False(t, adjustments[0].Insufficient)
	assert.Equal(t, 10, adjustments[0].OldStock)
	assert.Equal(t, 7, adjustments[0].NewStock)

	assert.True(t, adjustments[1].Insufficient, "short item is reported, not applied")
	assert.Equal(t, 2, adjustments[1].OldStock)
	assert.Equal(t, 2, adjustments[1].NewStock)

	assert.True(t, adjustments[2].Insufficient, "missing product counts as zero stock")
	assert.Zero(t, adjustments[2].OldStock)

	d1, _ := s.Get(ctx, "prod-d1")
	d2, _ := s.Get(ctx, "prod-d2")
	assert.Equal(t, 7, d1.Stock)
	assert.Equal(t, 2, d2.Stock, "insufficient item leaves stock untouched")
}
