// Package kvtest starts an in-process Redis for package tests.
package kvtest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/Tyrowin/gocomet/internal/kv"
)

// New returns a Store backed by a fresh miniredis server that is closed
// when the test ends.
func New(t testing.TB) (*kv.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return kv.New(rdb), mr
}
