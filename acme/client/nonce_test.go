package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoncePoolIsFIFO(t *testing.T) {
	pool := NewNoncePool(func(context.Context) (string, error) {
		t.Fatal("fetch must not run while the pool is stocked")
		return "", nil
	})

	pool.Put("one")
	pool.Put("two")
	pool.Put("three")

	for _, expected := range []string{"one", "two", "three"} {
		nonce, err := pool.Take(context.Background())
		require.NoError(t, err)
		assert.Equal(t, expected, nonce)
	}
	assert.Equal(t, 0, pool.Len())
}

func TestNoncePoolFetchesWhenEmpty(t *testing.T) {
	var fetches atomic.Int32
	pool := NewNoncePool(func(context.Context) (string, error) {
		n := fetches.Add(1)
		return fmt.Sprintf("fresh-%d", n), nil
	})

	nonce, err := pool.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-1", nonce)
	assert.Equal(t, int32(1), fetches.Load())
}

func TestNoncePoolIgnoresEmptyPut(t *testing.T) {
	var fetches atomic.Int32
	pool := NewNoncePool(func(context.Context) (string, error) {
		n := fetches.Add(1)
		return fmt.Sprintf("fresh-%d", n), nil
	})

	// A response without a Replay-Nonce header must not wedge the pool:
	// the next Take simply fetches.
	pool.Put("")
	assert.Equal(t, 0, pool.Len())

	nonce, err := pool.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-1", nonce)
}

func TestNoncePoolConcurrentTakesAreDistinct(t *testing.T) {
	var fetches atomic.Int32
	pool := NewNoncePool(func(context.Context) (string, error) {
		n := fetches.Add(1)
		return fmt.Sprintf("fresh-%d", n), nil
	})

	const workers = 16
	seen := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce, err := pool.Take(context.Background())
			assert.NoError(t, err)
			seen <- nonce
		}()
	}
	wg.Wait()
	close(seen)

	// Every taker got a nonce nobody else got.
	unique := map[string]bool{}
	for nonce := range seen {
		assert.False(t, unique[nonce], "nonce %q was handed out twice", nonce)
		unique[nonce] = true
	}
	assert.Len(t, unique, workers)
}

func TestNoncePoolFetchErrorPropagates(t *testing.T) {
	fetchErr := errors.New("no route to host")
	pool := NewNoncePool(func(context.Context) (string, error) {
		return "", fetchErr
	})

	_, err := pool.Take(context.Background())
	require.ErrorIs(t, err, fetchErr)

	// The pool stays usable afterwards.
	pool.Put("recovered")
	nonce, err := pool.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "recovered", nonce)
}

func TestNoncePoolTakeHonorsContext(t *testing.T) {
	pool := NewNoncePool(func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pool.Take(ctx)
	require.Error(t, err)
}
