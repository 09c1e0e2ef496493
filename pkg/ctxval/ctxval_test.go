package ctxval_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kellyson520/tg-forwarder/pkg/ctxval"
)

func TestSetGet(t *testing.T) {
	t.Parallel()
	type key string

	t.Run("unwrapped context ignores writes", func(t *testing.T) {
		ctx := t.Context()
		ctxval.Set(ctx, key("a"), 1)
		_, ok := ctxval.Get[key, int](ctx, key("a"))
		assert.False(t, ok)
		assert.False(t, ctxval.Update(ctx, key("a"), func(int, bool) int { return 2 }))
	})

	t.Run("last write wins", func(t *testing.T) {
		ctx := ctxval.Wrap(t.Context())
		ctxval.Set(ctx, key("a"), 1)
		ctxval.Set(ctx, key("a"), 2)
		v, ok := ctxval.Get[key, int](ctx, key("a"))
		require.True(t, ok)
		assert.Equal(t, 2, v)
	})

	t.Run("type mismatch is a miss", func(t *testing.T) {
		ctx := ctxval.Wrap(t.Context())
		ctxval.Set(ctx, key("a"), "x")
		_, ok := ctxval.Get[key, int](ctx, key("a"))
		assert.False(t, ok)
	})

	t.Run("rewrap keeps values visible to the outer holder", func(t *testing.T) {
		outer := ctxval.Wrap(t.Context())
		inner := ctxval.Wrap(outer)
		ctxval.Set(inner, key("rule_id"), int64(7))
		v, ok := ctxval.Get[key, int64](outer, key("rule_id"))
		require.True(t, ok)
		assert.Equal(t, int64(7), v)
	})
}

func TestUpdateConcurrent(t *testing.T) {
	t.Parallel()
	ctx := ctxval.Wrap(t.Context())
	const goroutines, ops = 50, 200

	var wg sync.WaitGroup
	for i := range goroutines {
		wg.Go(func() {
			for j := range ops {
				ctxval.Update(ctx, "count", func(n int, _ bool) int { return n + 1 })
				ctxval.Set(ctx, fmt.Sprintf("k-%d-%d", i, j), j)
			}
		})
	}
	wg.Wait()

	n, ok := ctxval.Get[string, int](ctx, "count")
	require.True(t, ok)
	assert.Equal(t, goroutines*ops, n)
}
