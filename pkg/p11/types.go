// Package p11 is the uniform PKCS#11 abstraction layer: slot and key
// identifiers, the immutable module configuration, and the SlotBase
// contract that native, emulator, and proxy backends all implement
// identically from the caller's point of view.
package p11

import (
	"fmt"
	"time"
)

// ObjectClass mirrors the PKCS#11 CKO_* object classes this layer manages.
type ObjectClass int

const (
	ObjectClassPrivateKey ObjectClass = iota
	ObjectClassPublicKey
	ObjectClassSecretKey
)

func (c ObjectClass) String() string {
	switch c {
	case ObjectClassPrivateKey:
		return "PRIVATE_KEY"
	case ObjectClassPublicKey:
		return "PUBLIC_KEY"
	case ObjectClassSecretKey:
		return "SECRET_KEY"
	default:
		return fmt.Sprintf("ObjectClass(%d)", int(c))
	}
}

// SlotId identifies a slot both by its positional index and its backend id.
// Equality is on both fields; it is immutable once constructed at module
// init time.
type SlotId struct {
	Index uint64
	Id    uint64
}

func (s SlotId) String() string {
	return fmt.Sprintf("%d-%d", s.Index, s.Id)
}

// Equal reports whether s and o identify the same slot.
func (s SlotId) Equal(o SlotId) bool {
	return s.Index == o.Index && s.Id == o.Id
}

// KeyId identifies an object inside a slot. Equality is on
// (objectClass, id, label) when id is non-empty, otherwise on
// (objectClass, label) -- see spec §3.
type KeyId struct {
	Handle          uint64
	ObjectClass     ObjectClass
	KeyType         uint64
	Id              []byte
	Label           string
	PublicKeyHandle *uint64
}

// Equal implements the KeyId equality rule from spec §3.
func (k KeyId) Equal(o KeyId) bool {
	if k.ObjectClass != o.ObjectClass {
		return false
	}
	if len(k.Id) > 0 {
		return string(k.Id) == string(o.Id) && k.Label == o.Label
	}
	return k.Label == o.Label
}

// EmulatorHandle computes the deterministic handle scheme spec §3 mandates
// for the emulator backend: handle = (hash32(id) & 0xFFFFFFFF) << 8 for
// private/secret keys, and that value + 1 for the paired public key.
func EmulatorHandle(hash32 uint32, isPublic bool) uint64 {
	h := uint64(hash32) << 8
	if isPublic {
		h++
	}
	return h
}

// RSAParams holds RSA public-key parameters.
type RSAParams struct {
	Modulus        []byte
	PublicExponent []byte
}

// DSAParams holds DSA domain parameters.
type DSAParams struct {
	P, Q, G []byte
}

// ECParams holds the EC curve identifier.
type ECParams struct {
	CurveOid string
}

// KeyParams is the algorithm-parameter union a Key may carry.
type KeyParams struct {
	RSA *RSAParams
	DSA *DSAParams
	EC  *ECParams
}

// PrivateKeyEngine signs content with the given mechanism. For combined
// mechanisms such as CKM_SHA256_RSA_PKCS, content is the message and the
// engine hashes it; raw mechanisms take already-prepared input. Backends
// implement this differently: native delegates to the driver, emulator signs in software,
// proxy round-trips to the remote server.
type PrivateKeyEngine interface {
	Sign(mechanism uint64, params P11Params, extraParams []byte, content []byte) ([]byte, error)
}

// SecretKeyEngine performs MAC/digest operations over a stored secret.
type SecretKeyEngine interface {
	Digest(mechanism uint64) ([]byte, error)
}

// Key binds a KeyId to its signing/digesting engine and optional algorithm
// parameters. A Key is acquired by slot lookup, may be cached by the slot,
// and lives until the slot is closed or the object destroyed.
type Key struct {
	Id         KeyId
	Params     *KeyParams
	PrivateKey PrivateKeyEngine
	SecretKey  SecretKeyEngine
}

// P11Params carries the mechanism-specific extra parameters PKCS#11 needs
// for RSA-PSS, OAEP, and ECDSA (the translation of the wrapper's parameter
// objects, see spec §4.4).
type P11Params struct {
	// PSSHashAlg / PSSMgf / PSSSaltLen configure CKM_RSA_PKCS_PSS.
	PSSHashAlg uint64
	PSSMgf     uint64
	PSSSaltLen uint64
	// OAEPHashAlg / OAEPMgf / OAEPSourceData configure CKM_RSA_PKCS_OAEP.
	OAEPHashAlg    uint64
	OAEPMgf        uint64
	OAEPSourceData []byte
}

// SlotIdFilter matches a SlotId iff every present field equals the
// corresponding SlotId field (spec §3).
type SlotIdFilter struct {
	Index *uint64
	Id    *uint64
}

// Matches reports whether f matches s.
func (f SlotIdFilter) Matches(s SlotId) bool {
	if f.Index != nil && *f.Index != s.Index {
		return false
	}
	if f.Id != nil && *f.Id != s.Id {
		return false
	}
	return f.Index != nil || f.Id != nil
}

// NewObjectConf configures defaults for auto-generated attributes.
type NewObjectConf struct {
	IdLength    int
	IgnoreLabel bool
}

// NativeLibrary is one candidate entry of the OS-filtered library list.
type NativeLibrary struct {
	Path             string
	OperationSystems []string
}

// ModuleConf is the immutable, validated module configuration (spec §3).
type ModuleConf struct {
	Name              string
	Type              string // "native" | "emulator" | "hsmproxy"
	NativeLibraryPath string
	ReadOnly          bool
	UserType          uint64
	UserName          string
	IncludeSlots      []SlotIdFilter
	ExcludeSlots      []SlotIdFilter
	MaxMessageSize    int
	NumSessions       *int
	NewSessionTimeout *time.Duration
	SecretKeyTypes    []uint64
	KeyPairTypes      []uint64
	NewObjectConf     NewObjectConf
}

// NewKeyControl is the caller's request for attributes of a to-be-created
// object (spec §3).
type NewKeyControl struct {
	Id          []byte
	Label       string
	Extractable bool
	Sensitive   bool
}
