package p11

import (
	"io"
	"math/big"
)

// RSAGenParams configures RSA keypair generation.
type RSAGenParams struct {
	KeySizeBits    int
	PublicExponent *big.Int
}

// DSAGenParams configures DSA keypair generation.
type DSAGenParams struct {
	P, Q, G []byte
}

// ECGenParams configures EC, Edwards, and Montgomery keypair generation;
// CurveOid names the curve (e.g. "1.2.840.10045.3.1.7" for P-256, or
// "edwards25519" / "curve25519" for the Edwards/Montgomery families).
type ECGenParams struct {
	CurveOid string
}

// SecretGenParams configures secret-key generation.
type SecretGenParams struct {
	KeyType  uint64
	KeyBits  int
}

// SecretImportParams configures secret-key import.
type SecretImportParams struct {
	KeyType uint64
	Value   []byte
}

// Backend is the minimal set of primitives a concrete backend (native,
// emulator, proxy) must provide. SlotBase wraps any Backend to provide the
// full slot contract from spec §4.2 with uniform invariant enforcement
// (mechanism assertion, read-only enforcement, id/label uniqueness) that
// lives in SlotBase, not in the backend.
type Backend interface {
	SlotId() SlotId
	IgnoreLabel() bool

	FindKeyByIdLabel(id []byte, label string) (*Key, bool, error)
	ObjectExistsByIdLabel(id []byte, label string) (bool, error)
	DestroyAllObjects() (int, error)
	DestroyObjectsByHandle(handles []uint64) (failed []uint64, err error)
	DestroyObjectsByIdLabel(id []byte, label string) (int, error)

	GenerateRSAKeypair(p RSAGenParams, control NewKeyControl) (KeyId, error)
	GenerateDSAKeypair(p DSAGenParams, control NewKeyControl) (KeyId, error)
	GenerateECKeypair(p ECGenParams, control NewKeyControl) (KeyId, error)
	GenerateEdwardsKeypair(p ECGenParams, control NewKeyControl) (KeyId, error)
	GenerateMontgomeryKeypair(p ECGenParams, control NewKeyControl) (KeyId, error)
	GenerateSM2Keypair(control NewKeyControl) (KeyId, error)
	GenerateSecretKey(p SecretGenParams, control NewKeyControl) (KeyId, error)
	ImportSecretKey(p SecretImportParams, control NewKeyControl) (KeyId, error)

	GenerateRSAKeypairOtf(p RSAGenParams) ([]byte, error)
	GenerateDSAKeypairOtf(p DSAGenParams) ([]byte, error)
	GenerateECKeypairOtf(p ECGenParams) ([]byte, error)
	GenerateEdwardsKeypairOtf(p ECGenParams) ([]byte, error)
	GenerateMontgomeryKeypairOtf(p ECGenParams) ([]byte, error)
	GenerateSM2KeypairOtf() ([]byte, error)

	Sign(mechanism uint64, params P11Params, extraParams []byte, keyHandle uint64, content []byte) ([]byte, error)
	DigestSecretKey(mechanism uint64, handle uint64) ([]byte, error)

	ShowDetails(w io.Writer, objectHandle *uint64, verbose bool) error

	// SupportedMechanisms reports the mechanisms this backend's underlying
	// driver/store advertises, used as the second half of mechanism
	// assertion (spec §8 invariant 3). A nil map means "no extra
	// restriction beyond the mechanism filter" (used by backends, like the
	// proxy client, that can't enumerate mechanisms locally).
	SupportedMechanisms() map[uint64]struct{}
}
