// Package signer implements the concurrent signer pool (C8) and the
// hash-digest bag (C9): bounded queues of pre-built, single-threaded
// engines so PKCS#11 sessions are never shared across goroutines.
package signer

import (
	"os"
	"strconv"
	"time"

	"github.com/xipki/commons/internal/xerrors"
	"github.com/xipki/commons/pkg/p11"
)

// Engine is a single-threaded signer: it wraps one p11.PrivateKeyEngine (or
// a MAC-capable p11.SecretKeyEngine) and must never be used by two
// goroutines at once -- the pool's entire purpose is to enforce that.
type Engine interface {
	Sign(mechanism uint64, params p11.P11Params, extraParams []byte, content []byte) ([]byte, error)
	// SetSha1OfMacKey is only meaningful for MAC engines; it MUST reject a
	// digest whose length isn't exactly 20 bytes (spec §4.7).
	SetSha1OfMacKey(digest []byte) error
}

// defaultTimeoutEnv names the environment variable that takes the role of
// org.xipki.security.signservice.timeout now that there's no process-wide
// Java system property to read (spec §4.7, ADDED).
const defaultTimeoutEnv = "XIPKI_SIGNSERVICE_TIMEOUT_MS"

const (
	minTimeoutMs = 0
	maxTimeoutMs = 60_000
	defaultTimeoutMs = 10_000
)

// resolveDefaultTimeout reads defaultTimeoutEnv, clamping to
// [minTimeoutMs, maxTimeoutMs]. An unset or unparsable value yields
// defaultTimeoutMs; no error is returned.
func resolveDefaultTimeout() time.Duration {
	raw := os.Getenv(defaultTimeoutEnv)
	if raw == "" {
		return defaultTimeoutMs * time.Millisecond
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return defaultTimeoutMs * time.Millisecond
	}
	if ms < minTimeoutMs {
		ms = minTimeoutMs
	}
	if ms > maxTimeoutMs {
		ms = maxTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Pool is a bounded queue of N pre-built Engines (spec §4.7).
type Pool struct {
	queue          chan Engine
	defaultTimeout time.Duration
}

// NewPool builds a Pool holding exactly len(engines) engines, all
// immediately available for borrow.
func NewPool(engines []Engine) (*Pool, error) {
	if len(engines) == 0 {
		return nil, xerrors.NewInvalidConfiguration("signer pool requires at least one engine")
	}
	p := &Pool{
		queue:          make(chan Engine, len(engines)),
		defaultTimeout: resolveDefaultTimeout(),
	}
	for _, e := range engines {
		p.queue <- e
	}
	return p, nil
}

// Borrow pops an engine, blocking up to timeout. A timeout <= 0 uses the
// pool's configured default (resolved once at construction from
// XIPKI_SIGNSERVICE_TIMEOUT_MS).
func (p *Pool) Borrow(timeout time.Duration) (Engine, error) {
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	select {
	case e := <-p.queue:
		return e, nil
	case <-time.After(timeout):
		return nil, xerrors.NewNoIdleSigner("borrow timed out after %s", timeout)
	}
}

// Requite returns an engine borrowed from Borrow. It never blocks: the
// queue is sized to exactly the number of engines handed out, so a send
// here always has room.
func (p *Pool) Requite(e Engine) {
	select {
	case p.queue <- e:
	default:
		// Would only happen if Requite is called with an engine that was
		// never borrowed from this pool; drop it rather than block forever.
	}
}

// Sign borrows one engine, signs data, and returns the engine regardless of
// outcome.
func (p *Pool) Sign(timeout time.Duration, mechanism uint64, params p11.P11Params, extraParams []byte, data []byte) ([]byte, error) {
	e, err := p.Borrow(timeout)
	if err != nil {
		return nil, err
	}
	defer p.Requite(e)
	return e.Sign(mechanism, params, extraParams, data)
}

// SignAll borrows one engine, signs every chunk in order, and returns the
// engine once all chunks are done (spec §4.7's "sign(data[])").
func (p *Pool) SignAll(timeout time.Duration, mechanism uint64, params p11.P11Params, extraParams []byte, chunks [][]byte) ([][]byte, error) {
	e, err := p.Borrow(timeout)
	if err != nil {
		return nil, err
	}
	defer p.Requite(e)

	out := make([][]byte, len(chunks))
	for i, c := range chunks {
		sig, err := e.Sign(mechanism, params, extraParams, c)
		if err != nil {
			return nil, err
		}
		out[i] = sig
	}
	return out, nil
}

// probeMessage is the fixed probe IsHealthy signs, per spec §4.7.
var probeMessage = []byte{1, 2, 3, 4}

// IsHealthy borrows one engine and attempts to sign probeMessage; it is
// healthy iff the resulting signature is non-empty.
func (p *Pool) IsHealthy(mechanism uint64) bool {
	e, err := p.Borrow(p.defaultTimeout)
	if err != nil {
		return false
	}
	defer p.Requite(e)
	sig, err := e.Sign(mechanism, p11.P11Params{}, nil, probeMessage)
	return err == nil && len(sig) > 0
}

// SetSha1OfMacKey borrows one engine and forwards the digest, enforcing the
// 20-byte SHA-1 length invariant before the borrow is even attempted.
func (p *Pool) SetSha1OfMacKey(digest []byte) error {
	if len(digest) != 20 {
		return xerrors.NewSecurityError("sha1 digest of mac key must be 20 bytes, got %d", len(digest))
	}
	e, err := p.Borrow(p.defaultTimeout)
	if err != nil {
		return err
	}
	defer p.Requite(e)
	return e.SetSha1OfMacKey(digest)
}

// KeyEngine adapts a p11.Key's PrivateKey/SecretKey engine into the pool's
// Engine interface.
type KeyEngine struct {
	Key *p11.Key

	sha1OfMacKey []byte
}

func (k *KeyEngine) Sign(mechanism uint64, params p11.P11Params, extraParams []byte, content []byte) ([]byte, error) {
	if k.Key.PrivateKey != nil {
		return k.Key.PrivateKey.Sign(mechanism, params, extraParams, content)
	}
	if k.Key.SecretKey != nil {
		return k.Key.SecretKey.Digest(mechanism)
	}
	return nil, xerrors.NewTokenError("key %s has neither a signing nor a digesting engine", k.Key.Id)
}

func (k *KeyEngine) SetSha1OfMacKey(digest []byte) error {
	if k.Key.SecretKey == nil {
		return xerrors.NewSecurityError("setSha1OfMacKey is only valid for MAC (secret-key) engines")
	}
	if len(digest) != 20 {
		return xerrors.NewSecurityError("sha1 digest of mac key must be 20 bytes, got %d", len(digest))
	}
	k.sha1OfMacKey = digest
	return nil
}
