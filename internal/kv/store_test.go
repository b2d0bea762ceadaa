package kv_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gocomet/internal/errs"
	"github.com/Tyrowin/gocomet/internal/kv"
	"github.com/Tyrowin/gocomet/internal/kv/kvtest"
)

func TestGetMissingKeyIsKeyNotFound(t *testing.T) {
	store, _ := kvtest.New(t)

	_, err := store.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, errs.ErrKeyNotFound))

	_, err = store.HGetAll(context.Background(), "missing-hash")
	assert.True(t, errors.Is(err, errs.ErrKeyNotFound))
}

func TestJSONRoundTripAndTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := kvtest.New(t)

	type profile struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, store.SetJSON(ctx, "users:session:s1", profile{ID: "alice", Name: "Alice"}, time.Minute))

	var got profile
	require.NoError(t, store.GetJSON(ctx, "users:session:s1", &got))
	assert.Equal(t, "alice", got.ID)

	mr.FastForward(2 * time.Minute)
	err := store.GetJSON(ctx, "users:session:s1", &got)
	assert.True(t, errors.Is(err, errs.ErrKeyNotFound))
}

func TestSetPrimitives(t *testing.T) {
	ctx := context.Background()
	store, _ := kvtest.New(t)

	require.NoError(t, store.SAdd(ctx, kv.Blacklist, "10.0.0.1", "10.0.0.2"))
	ok, err := store.SIsMember(ctx, kv.Blacklist, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.SRem(ctx, kv.Blacklist, "10.0.0.1"))
	members, err := store.SMembers(ctx, kv.Blacklist)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.2"}, members)
}

func TestHashAndMGet(t *testing.T) {
	ctx := context.Background()
	store, _ := kvtest.New(t)

	key := kv.Key(kv.PersistenceRecord, "tok")
	require.NoError(t, store.HSet(ctx, key, map[string]string{"ip": "127.0.0.1", "acl": "{}"}))
	fields, err := store.HGetAll(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", fields["ip"])

	ip, err := store.HGet(ctx, key, "ip")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)

	require.NoError(t, store.Set(ctx, "a", "1", 0))
	vals, found, err := store.MGet(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", ""}, vals)
	assert.Equal(t, []bool{true, false}, found)
}

func TestListJSON(t *testing.T) {
	ctx := context.Background()
	store, _ := kvtest.New(t)

	require.NoError(t, store.RPushJSON(ctx, "history", map[string]string{"m": "one"}, map[string]string{"m": "two"}))
	items, err := kv.LRangeJSON[map[string]string](ctx, store, "history", 0, -1)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "two", items[1]["m"])
}
