package kvs

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novaos/core/internal/config"
)

// storeFactories lets every contract test run against both backends.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			port, err := strconv.Atoi(mr.Port())
			require.NoError(t, err)
			store, err := NewRedisStore(config.KVSConfig{
				Host: mr.Host(), Port: port,
				KeyPrefix:      "test:",
				ConnectTimeout: 1000, CommandTimeout: 1000,
			})
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

func TestStore_GetSetDel(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "k1", "v1", 0))
			val, err := s.Get(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, "v1", val)

			require.NoError(t, s.Del(ctx, "k1"))
			_, err = s.Get(ctx, "k1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_SetNXAtomicity(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			won, err := s.SetNX(ctx, "lease", "worker-a", time.Minute)
			require.NoError(t, err)
			assert.True(t, won, "first claimant must win the lease")

			won, err = s.SetNX(ctx, "lease", "worker-b", time.Minute)
			require.NoError(t, err)
			assert.False(t, won, "second claimant must lose")

			val, err := s.Get(ctx, "lease")
			require.NoError(t, err)
			assert.Equal(t, "worker-a", val)
		})
	}
}

func TestStore_Counters(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			n, err := s.Incr(ctx, "counter")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = s.IncrBy(ctx, "counter", 5)
			require.NoError(t, err)
			assert.Equal(t, int64(6), n)
		})
	}
}

func TestStore_Sets(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			require.NoError(t, s.SAdd(ctx, "members", "a", "b", "b", "c"))
			card, err := s.SCard(ctx, "members")
			require.NoError(t, err)
			assert.Equal(t, int64(3), card)

			require.NoError(t, s.SRem(ctx, "members", "b"))
			members, err := s.SMembers(ctx, "members")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"a", "c"}, members)
		})
	}
}

func TestStore_SortedSetRangeByScore(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			require.NoError(t, s.ZAdd(ctx, "due",
				ScoredMember{Member: "job-1", Score: 100},
				ScoredMember{Member: "job-2", Score: 200},
				ScoredMember{Member: "job-3", Score: 300},
			))

			due, err := s.ZRangeByScore(ctx, "due", 0, 250)
			require.NoError(t, err)
			assert.Equal(t, []string{"job-1", "job-2"}, due)

			require.NoError(t, s.ZRem(ctx, "due", "job-1"))
			due, err = s.ZRangeByScore(ctx, "due", 0, 250)
			require.NoError(t, err)
			assert.Equal(t, []string{"job-2"}, due)
		})
	}
}

func TestStore_Lists(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			require.NoError(t, s.RPush(ctx, "queue", "first", "second"))
			require.NoError(t, s.LPush(ctx, "queue", "urgent"))

			all, err := s.LRange(ctx, "queue", 0, -1)
			require.NoError(t, err)
			assert.Equal(t, []string{"urgent", "first", "second"}, all)

			head, err := s.LPop(ctx, "queue")
			require.NoError(t, err)
			assert.Equal(t, "urgent", head)

			_, err = s.LPop(ctx, "empty")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_Scan(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			require.NoError(t, s.Set(ctx, "audit:response:r1", "a", 0))
			require.NoError(t, s.Set(ctx, "audit:response:r2", "b", 0))
			require.NoError(t, s.Set(ctx, "other:key", "c", 0))

			var found []string
			err := s.Scan(ctx, "audit:response:*", func(key string) error {
				found = append(found, key)
				return nil
			})
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"audit:response:r1", "audit:response:r2"}, found)
		})
	}
}

func TestStore_ScanSeesEveryKeyType(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			require.NoError(t, s.Set(ctx, "sword:user:u1:last", "x", 0))
			require.NoError(t, s.SAdd(ctx, "sword:user:u2:goals", "g1"))
			require.NoError(t, s.ZAdd(ctx, "sword:user:u3:due", ScoredMember{Member: "m", Score: 1}))
			require.NoError(t, s.RPush(ctx, "sword:user:u4:queue", "n"))

			var found []string
			err := s.Scan(ctx, "sword:user:*", func(key string) error {
				found = append(found, key)
				return nil
			})
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{
				"sword:user:u1:last",
				"sword:user:u2:goals",
				"sword:user:u3:due",
				"sword:user:u4:queue",
			}, found)

			// The set index behind the user walk in particular.
			var users []string
			err = s.Scan(ctx, "sword:user:*:goals", func(key string) error {
				users = append(users, key)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"sword:user:u2:goals"}, users)
		})
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Set(ctx, "ephemeral", "v", 30*time.Second))
	_, err := s.Get(ctx, "ephemeral")
	require.NoError(t, err)

	now = now.Add(31 * time.Second)
	_, err = s.Get(ctx, "ephemeral")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	store, err := NewRedisStore(config.KVSConfig{
		Host: mr.Host(), Port: port,
		ConnectTimeout: 1000, CommandTimeout: 1000,
	})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "ephemeral", "v", 30*time.Second))

	mr.FastForward(31 * time.Second)
	_, err = store.Get(ctx, "ephemeral")
	assert.ErrorIs(t, err, ErrNotFound)
}
