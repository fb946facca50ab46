package signer

import (
	"hash"
	"sync"
	"time"

	"github.com/xipki/commons/internal/xerrors"
)

const (
	digestBagSize        = 50
	digestBorrowTimeout  = 10 * time.Second
	digestBorrowAttempts = 3
)

// DigestBag is a map from algorithm tag to a bounded bag of reusable
// hash.Hash engines (spec §4.8). Bags are created lazily per algorithm on
// first use. Each DigestBag built by NewDigestBag holds its own bags; this
// package keeps no process-wide instance.
type DigestBag struct {
	newHash func(algo string) (hash.Hash, bool)

	mu      sync.Mutex
	bags    map[string]chan hash.Hash
	created map[string]int
}

// NewDigestBag builds a bag keyed by algorithm tag, using newHash to
// construct a fresh engine for an algorithm the bag hasn't seen yet. newHash
// returns ok=false for an unrecognized tag.
func NewDigestBag(newHash func(algo string) (hash.Hash, bool)) *DigestBag {
	return &DigestBag{
		newHash: newHash,
		bags:    make(map[string]chan hash.Hash),
		created: make(map[string]int),
	}
}

func (d *DigestBag) bagFor(algo string) chan hash.Hash {
	d.mu.Lock()
	defer d.mu.Unlock()
	bag, ok := d.bags[algo]
	if !ok {
		bag = make(chan hash.Hash, digestBagSize)
		d.bags[algo] = bag
	}
	return bag
}

// borrow takes an idle engine from bag if one is sitting there, which is
// the whole point of the bag: repeated hashing shouldn't pay construction
// cost. A miss below digestBagSize isn't contention, it's a bag that hasn't
// grown to capacity yet, so it builds a fresh engine immediately instead of
// waiting out digestBorrowTimeout for nothing. Only once digestBagSize
// engines exist for algo does a further miss mean genuine contention, and
// borrow falls back to the timeout/retry wait -- mirroring tearc.bucket's
// clamped-retry reaper loop, repurposed here as a borrow retry cap instead
// of a tick backoff.
func (d *DigestBag) borrow(algo string, bag chan hash.Hash) (hash.Hash, error) {
	select {
	case h := <-bag:
		return h, nil
	default:
	}

	d.mu.Lock()
	grow := d.created[algo] < digestBagSize
	if grow {
		d.created[algo]++
	}
	d.mu.Unlock()

	if grow {
		h, ok := d.newHash(algo)
		if ok {
			return h, nil
		}
		d.mu.Lock()
		d.created[algo]--
		d.mu.Unlock()
		return nil, xerrors.NewNoIdleSigner("could not get idle digest for algorithm %q", algo)
	}

	for attempt := 0; attempt < digestBorrowAttempts; attempt++ {
		select {
		case h := <-bag:
			return h, nil
		case <-time.After(digestBorrowTimeout):
		}
	}
	return nil, xerrors.NewNoIdleSigner("could not get idle digest for algorithm %q", algo)
}

// Hash borrows an engine for algo, resets it, feeds chunks in order, and
// returns the digest.
func (d *DigestBag) Hash(algo string, chunks ...[]byte) ([]byte, error) {
	bag := d.bagFor(algo)

	h, err := d.borrow(algo, bag)
	if err != nil {
		return nil, err
	}
	defer func() {
		select {
		case bag <- h:
		default:
		}
	}()

	h.Reset()
	for _, c := range chunks {
		h.Write(c)
	}
	return h.Sum(nil), nil
}
