package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busticket-agent/internal/domain"
)

type countingCatalog struct {
	calls int
	cat   domain.RouteCatalog
	err   error
}

func (c *countingCatalog) RouteCatalog(context.Context) (domain.RouteCatalog, error) {
	c.calls++
	return c.cat, c.err
}

func TestCachedCatalog_HitsSourceOnce(t *testing.T) {
	src := &countingCatalog{cat: domain.RouteCatalog{Districts: []domain.District{{Name: "Dhaka"}}}}
	c := NewCachedCatalog(src, time.Minute)

	for i := 0; i < 3; i++ {
		cat, err := c.RouteCatalog(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Dhaka", cat.Districts[0].Name)
	}
	assert.Equal(t, 1, src.calls)

	c.Invalidate()
	_, err := c.RouteCatalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestCachedCatalog_DoesNotCacheErrors(t *testing.T) {
	src := &countingCatalog{err: errors.New("down")}
	c := NewCachedCatalog(src, time.Minute)

	_, err := c.RouteCatalog(context.Background())
	require.Error(t, err)

	src.err = nil
	src.cat = domain.RouteCatalog{BusProviders: []domain.BusProvider{{Name: "Hanif"}}}
	cat, err := c.RouteCatalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hanif", cat.BusProviders[0].Name)
	assert.Equal(t, 2, src.calls)
}
