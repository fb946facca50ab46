package signer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xipki/commons/pkg/p11"
)

type fakeEngine struct {
	signFunc func(mechanism uint64, params p11.P11Params, extraParams, content []byte) ([]byte, error)
	macDigest []byte
}

func (e *fakeEngine) Sign(mechanism uint64, params p11.P11Params, extraParams []byte, content []byte) ([]byte, error) {
	return e.signFunc(mechanism, params, extraParams, content)
}

func (e *fakeEngine) SetSha1OfMacKey(digest []byte) error {
	e.macDigest = digest
	return nil
}

func echoEngine() *fakeEngine {
	return &fakeEngine{signFunc: func(mechanism uint64, params p11.P11Params, extraParams, content []byte) ([]byte, error) {
		return append([]byte{}, content...), nil
	}}
}

func TestNewPoolRejectsEmpty(t *testing.T) {
	_, err := NewPool(nil)
	require.Error(t, err)
}

func TestPoolSignBorrowsAndReturns(t *testing.T) {
	e := echoEngine()
	pool, err := NewPool([]Engine{e})
	require.NoError(t, err)

	sig, err := pool.Sign(100*time.Millisecond, 0, p11.P11Params{}, nil, []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), sig)

	// The only engine must have been returned to the pool.
	borrowed, err := pool.Borrow(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Same(t, e, borrowed)
}

func TestPoolBorrowTimesOutWhenExhausted(t *testing.T) {
	e := echoEngine()
	pool, err := NewPool([]Engine{e})
	require.NoError(t, err)

	first, err := pool.Borrow(10 * time.Millisecond)
	require.NoError(t, err)

	_, err = pool.Borrow(20 * time.Millisecond)
	assert.Error(t, err)

	pool.Requite(first)
}

func TestPoolSignAllUsesOneEngineInOrder(t *testing.T) {
	var seen [][]byte
	e := &fakeEngine{signFunc: func(mechanism uint64, params p11.P11Params, extraParams, content []byte) ([]byte, error) {
		seen = append(seen, content)
		return content, nil
	}}
	pool, err := NewPool([]Engine{e})
	require.NoError(t, err)

	out, err := pool.SignAll(50*time.Millisecond, 0, p11.P11Params{}, nil, [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, out)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, seen)
}

func TestPoolIsHealthy(t *testing.T) {
	pool, err := NewPool([]Engine{echoEngine()})
	require.NoError(t, err)
	assert.True(t, pool.IsHealthy(0))
}

func TestPoolIsHealthyFalseOnSignError(t *testing.T) {
	e := &fakeEngine{signFunc: func(mechanism uint64, params p11.P11Params, extraParams, content []byte) ([]byte, error) {
		return nil, assert.AnError
	}}
	pool, err := NewPool([]Engine{e})
	require.NoError(t, err)
	assert.False(t, pool.IsHealthy(0))
}

func TestSetSha1OfMacKeyValidatesLength(t *testing.T) {
	pool, err := NewPool([]Engine{echoEngine()})
	require.NoError(t, err)

	assert.Error(t, pool.SetSha1OfMacKey([]byte("too-short")))
	assert.NoError(t, pool.SetSha1OfMacKey(make([]byte, 20)))
}

func TestKeyEngineSignPrefersPrivateKey(t *testing.T) {
	key := &p11.Key{
		Id:         p11.KeyId{Handle: 1},
		PrivateKey: fakePrivateEngine{sig: []byte("priv-sig")},
	}
	ke := &KeyEngine{Key: key}
	sig, err := ke.Sign(0, p11.P11Params{}, nil, []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, []byte("priv-sig"), sig)
}

func TestKeyEngineSetSha1RequiresSecretKey(t *testing.T) {
	key := &p11.Key{Id: p11.KeyId{Handle: 1}, PrivateKey: fakePrivateEngine{}}
	ke := &KeyEngine{Key: key}
	assert.Error(t, ke.SetSha1OfMacKey(make([]byte, 20)))
}

type fakePrivateEngine struct {
	sig []byte
}

func (e fakePrivateEngine) Sign(mechanism uint64, params p11.P11Params, extraParams []byte, content []byte) ([]byte, error) {
	return e.sig, nil
}
