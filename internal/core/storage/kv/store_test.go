package kv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-dep2p-kad/internal/core/storage/engine"
	"github.com/dep2p/go-dep2p-kad/internal/core/storage/engine/badger"
)

func newTestEngine(t *testing.T) *badger.Engine {
	t.Helper()
	eng, err := badger.New(engine.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, eng.Start())
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// ============================================================================
//                              基础操作测试
// ============================================================================

func TestStore_PrefixIsolation(t *testing.T) {
	eng := newTestEngine(t)
	a := New(eng, []byte("a/"))
	b := New(eng, []byte("b/"))

	require.NoError(t, a.Put([]byte("k"), []byte("1")))
	require.NoError(t, b.Put([]byte("k"), []byte("2")))

	v, err := a.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	v, err = eng.Get([]byte("b/k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)

	require.NoError(t, a.Delete([]byte("k")))
	ok, err := a.Has([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = a.Get([]byte("k"))
	assert.True(t, engine.IsNotFound(err))
	t.Log("✅ 前缀隔离")
}

func TestStore_JSONAndScan(t *testing.T) {
	eng := newTestEngine(t)
	s := New(eng, []byte("d/")).Sub([]byte("v/"))

	type rec struct {
		Value string `json:"value"`
	}
	require.NoError(t, s.PutJSON([]byte("x"), rec{Value: "vx"}))
	require.NoError(t, s.PutJSON([]byte("y"), rec{Value: "vy"}))

	var got rec
	require.NoError(t, s.GetJSON([]byte("x"), &got))
	assert.Equal(t, "vx", got.Value)

	var keys []string
	require.NoError(t, s.PrefixScan(nil, func(key, _ []byte) bool {
		keys = append(keys, string(key))
		return true
	}))
	assert.Equal(t, []string{"x", "y"}, keys)

	n, err := s.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStore_TTL(t *testing.T) {
	eng := newTestEngine(t)
	s := New(eng, []byte("t/"))

	require.NoError(t, s.PutWithTTL([]byte("short"), []byte("v"), time.Second))
	ok, err := s.Has([]byte("short"))
	require.NoError(t, err)
	assert.True(t, ok)

	// badger 的 TTL 精度为秒
	time.Sleep(2100 * time.Millisecond)
	ok, err = s.Has([]byte("short"))
	require.NoError(t, err)
	assert.False(t, ok)
	t.Log("✅ TTL 到期自动删除")
}

func TestEngine_InMemoryAndClose(t *testing.T) {
	eng, err := badger.New(engine.InMemoryConfig())
	require.NoError(t, err)
	require.NoError(t, eng.Start())

	require.NoError(t, eng.Put([]byte("k"), []byte("v")))
	_, err = eng.Get(nil)
	assert.ErrorIs(t, err, engine.ErrEmptyKey)

	require.NoError(t, eng.Close())
	require.NoError(t, eng.Close())
	_, err = eng.Get([]byte("k"))
	assert.ErrorIs(t, err, engine.ErrClosed)
}

func TestEngine_InvalidConfig(t *testing.T) {
	_, err := badger.New(nil)
	assert.ErrorIs(t, err, engine.ErrInvalidConfig)

	_, err = badger.New(&engine.Config{})
	assert.ErrorIs(t, err, engine.ErrInvalidConfig)
}
