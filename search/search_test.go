package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchFusesAndDedups(t *testing.T) {
	p1, err := NewProvider("bing", 1.0, time.Second, func(ctx context.Context, query string) ([]Result, error) {
		return []Result{
			{Title: "A", URL: "https://example.com/a", Score: 0.5},
			{Title: "Dup", URL: "https://example.com/dup", Score: 0.3},
		}, nil
	})
	require.NoError(t, err)

	p2, err := NewProvider("ddg", 0.5, time.Second, func(ctx context.Context, query string) ([]Result, error) {
		return []Result{
			{Title: "Dup", URL: "https://example.com/dup", Score: 0.9},
		}, nil
	})
	require.NoError(t, err)

	engine := New([]*Provider{p1, p2}, WithAggregateBudget(time.Second))
	results := engine.Search(context.Background(), "query")

	require.Len(t, results, 2)
	// A (1.0*0.5=0.5) outranks the fused duplicate, whose higher-weighted-score
	// copy (ddg: 0.5*0.9=0.45 over bing: 1.0*0.3=0.3) wins fusion.
	assert.Equal(t, "https://example.com/a", results[0].URL)
	assert.Equal(t, "https://example.com/dup", results[1].URL)
	assert.Equal(t, "ddg", results[1].Provider)
}

func TestSearchToleratesProviderFailure(t *testing.T) {
	p1, err := NewProvider("flaky", 1.0, time.Second, func(ctx context.Context, query string) ([]Result, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, err)

	p2, err := NewProvider("stable", 1.0, time.Second, func(ctx context.Context, query string) ([]Result, error) {
		return []Result{{Title: "ok", URL: "https://example.com/ok", Score: 1}}, nil
	})
	require.NoError(t, err)

	engine := New([]*Provider{p1, p2})
	results := engine.Search(context.Background(), "query")

	require.Len(t, results, 1)
	assert.Equal(t, "stable", results[0].Provider)
}

func TestSearchEmptyResultIsValid(t *testing.T) {
	engine := New(nil)
	results := engine.Search(context.Background(), "query")
	assert.Empty(t, results)
}

func TestSearchRespectsAggregateBudget(t *testing.T) {
	slow, err := NewProvider("slow", 1.0, 2*time.Second, func(ctx context.Context, query string) ([]Result, error) {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
		}
		return []Result{{Title: "late", URL: "https://example.com/late", Score: 1}}, nil
	})
	require.NoError(t, err)

	engine := New([]*Provider{slow}, WithAggregateBudget(20*time.Millisecond))

	start := time.Now()
	results := engine.Search(context.Background(), "query")
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 150*time.Millisecond)
	assert.Empty(t, results)
}
