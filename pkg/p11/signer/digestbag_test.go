package signer

import (
	"crypto/sha256"
	"hash"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBag() *DigestBag {
	return NewDigestBag(func(algo string) (hash.Hash, bool) {
		switch algo {
		case "SHA256":
			return sha256.New(), true
		default:
			return nil, false
		}
	})
}

func TestDigestBagHashLazilyBuildsEngine(t *testing.T) {
	bag := newTestBag()

	start := time.Now()
	got, err := bag.Hash("SHA256", []byte("hello"))
	elapsed := time.Since(start)
	require.NoError(t, err)

	want := sha256.Sum256([]byte("hello"))
	assert.Equal(t, want[:], got)
	assert.Less(t, elapsed, digestBorrowTimeout, "a bag below capacity must build a fresh engine instead of waiting out the borrow timeout")
}

func TestDigestBagHashConcatenatesChunks(t *testing.T) {
	bag := newTestBag()
	got, err := bag.Hash("SHA256", []byte("hel"), []byte("lo"))
	require.NoError(t, err)

	want := sha256.Sum256([]byte("hello"))
	assert.Equal(t, want[:], got)
}

func TestDigestBagUnknownAlgorithmFails(t *testing.T) {
	bag := newTestBag()
	_, err := bag.Hash("MD5", []byte("x"))
	assert.Error(t, err)
}

func TestDigestBagReusesEngineAfterReturn(t *testing.T) {
	bag := newTestBag()
	_, err := bag.Hash("SHA256", []byte("first"))
	require.NoError(t, err)

	// The engine returned to the bag after the first call should be
	// available for reuse rather than building a fresh one every time.
	got, err := bag.Hash("SHA256", []byte("second"))
	require.NoError(t, err)
	want := sha256.Sum256([]byte("second"))
	assert.Equal(t, want[:], got)
	assert.Equal(t, 1, bag.created["SHA256"], "the second call reuses the first engine")
}
