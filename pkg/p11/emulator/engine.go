package emulator

import (
	"crypto"
	"crypto/dsa"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"encoding/gob"
	"bytes"
	"fmt"
	"math/big"

	"github.com/xipki/commons/internal/xerrors"
	"github.com/xipki/commons/pkg/p11"
)

// dsaGob is the internal (emulator-only) serialization of a DSA private key;
// crypto/x509 has no PKCS8 support for DSA, and the emulator's on-disk
// format never needs to interoperate with anything outside this package.
type dsaGob struct {
	P, Q, G, X, Y *big.Int
}

func marshalPrivate(keyType uint64, priv crypto.Signer) ([]byte, error) {
	switch keyType {
	case p11.CKK_RSA:
		return x509.MarshalPKCS1PrivateKey(priv.(*rsa.PrivateKey)), nil
	case p11.CKK_EC, p11.CKK_VENDOR_SM2:
		return x509.MarshalECPrivateKey(priv.(*ecdsa.PrivateKey))
	case p11.CKK_EC_EDWARDS:
		return []byte(priv.(ed25519.PrivateKey)), nil
	case p11.CKK_DSA:
		dk := priv.(*dsa.PrivateKey)
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(dsaGob{P: dk.P, Q: dk.Q, G: dk.G, X: dk.X, Y: dk.Y}); err != nil {
			return nil, fmt.Errorf("p11emu: encode dsa key: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, xerrors.NewTokenError("unsupported private key type %#x", keyType)
	}
}

func unmarshalPrivate(keyType uint64, der []byte) (crypto.Signer, error) {
	switch keyType {
	case p11.CKK_RSA:
		return x509.ParsePKCS1PrivateKey(der)
	case p11.CKK_EC, p11.CKK_VENDOR_SM2:
		return x509.ParseECPrivateKey(der)
	case p11.CKK_EC_EDWARDS:
		if len(der) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("p11emu: bad ed25519 key length %d", len(der))
		}
		return ed25519.PrivateKey(der), nil
	case p11.CKK_DSA:
		var g dsaGob
		if err := gob.NewDecoder(bytes.NewReader(der)).Decode(&g); err != nil {
			return nil, fmt.Errorf("p11emu: decode dsa key: %w", err)
		}
		return &dsa.PrivateKey{
			PublicKey: dsa.PublicKey{
				Parameters: dsa.Parameters{P: g.P, Q: g.Q, G: g.G},
				Y:          g.Y,
			},
			X: g.X,
		}, nil
	default:
		return nil, xerrors.NewTokenError("unsupported private key type %#x", keyType)
	}
}

// privateEngine signs with an in-memory software key, implementing
// p11.PrivateKeyEngine. Montgomery (X25519) keys never reach here: they have
// no signing mechanism, and a Montgomery key found by FindKeyByIdLabel
// carries neither a PrivateKeyEngine nor a SecretKeyEngine.
type privateEngine struct {
	keyType uint64
	signer  crypto.Signer
}

func (e *privateEngine) Sign(mechanism uint64, params p11.P11Params, extraParams []byte, content []byte) ([]byte, error) {
	switch signer := e.signer.(type) {
	case *rsa.PrivateKey:
		return signRSA(signer, mechanism, params, content)
	case *ecdsa.PrivateKey:
		return signASN1ECDSA(signer, mechanism, content)
	case ed25519.PrivateKey:
		return ed25519.Sign(signer, content), nil
	case *dsa.PrivateKey:
		return signDSA(signer, content)
	default:
		return nil, xerrors.NewTokenError("no software signer for key type %#x", e.keyType)
	}
}

func digestFor(mechanism uint64, content []byte) (crypto.Hash, []byte, error) {
	switch mechanism {
	case p11.CKM_SHA1_RSA_PKCS, p11.CKM_ECDSA_SHA1, p11.CKM_DSA_SHA1:
		h := sha1.Sum(content)
		return crypto.SHA1, h[:], nil
	case p11.CKM_SHA256_RSA_PKCS, p11.CKM_SHA256_RSA_PKCS_PSS, p11.CKM_ECDSA_SHA256, p11.CKM_DSA_SHA256:
		h := sha256.Sum256(content)
		return crypto.SHA256, h[:], nil
	case p11.CKM_SHA384_RSA_PKCS, p11.CKM_SHA384_RSA_PKCS_PSS, p11.CKM_ECDSA_SHA384:
		h := sha512.Sum384(content)
		return crypto.SHA384, h[:], nil
	case p11.CKM_SHA512_RSA_PKCS, p11.CKM_SHA512_RSA_PKCS_PSS, p11.CKM_ECDSA_SHA512:
		h := sha512.Sum512(content)
		return crypto.SHA512, h[:], nil
	case p11.CKM_RSA_PKCS, p11.CKM_RSA_X_509, p11.CKM_RSA_PKCS_PSS, p11.CKM_ECDSA, p11.CKM_DSA:
		// Caller already supplied the digest (CKM_RSA_PKCS family signs a
		// pre-computed DigestInfo/hash, as PKCS#11 mandates).
		return 0, content, nil
	default:
		return 0, nil, xerrors.NewTokenError("unsupported signing mechanism %#x", mechanism)
	}
}

func signRSA(priv *rsa.PrivateKey, mechanism uint64, params p11.P11Params, content []byte) ([]byte, error) {
	switch mechanism {
	case p11.CKM_RSA_PKCS_PSS, p11.CKM_SHA256_RSA_PKCS_PSS, p11.CKM_SHA384_RSA_PKCS_PSS, p11.CKM_SHA512_RSA_PKCS_PSS:
		hash, digest, err := digestFor(pssDigestMechanism(params.PSSHashAlg), content)
		if err != nil {
			return nil, err
		}
		if hash == 0 {
			hash, digest, err = digestFor(mechanism, content)
			if err != nil {
				return nil, err
			}
		}
		return rsa.SignPSS(rand.Reader, priv, hash, digest, &rsa.PSSOptions{SaltLength: int(params.PSSSaltLen), Hash: hash})
	case p11.CKM_RSA_X_509:
		return rsa.SignPKCS1v15(rand.Reader, priv, 0, content)
	default:
		hash, digest, err := digestFor(mechanism, content)
		if err != nil {
			return nil, err
		}
		return rsa.SignPKCS1v15(rand.Reader, priv, hash, digest)
	}
}

func pssDigestMechanism(hashAlg uint64) uint64 {
	switch hashAlg {
	case p11.CKM_SHA_1:
		return p11.CKM_SHA1_RSA_PKCS
	case p11.CKM_SHA256:
		return p11.CKM_SHA256_RSA_PKCS
	case p11.CKM_SHA384:
		return p11.CKM_SHA384_RSA_PKCS
	case p11.CKM_SHA512:
		return p11.CKM_SHA512_RSA_PKCS
	default:
		return 0
	}
}

func signASN1ECDSA(priv *ecdsa.PrivateKey, mechanism uint64, content []byte) ([]byte, error) {
	_, digest, err := digestFor(mechanism, content)
	if err != nil {
		return nil, err
	}
	return ecdsa.SignASN1(rand.Reader, priv, digest)
}

func signDSA(priv *dsa.PrivateKey, content []byte) ([]byte, error) {
	r, s, err := dsa.Sign(rand.Reader, priv, content)
	if err != nil {
		return nil, fmt.Errorf("p11emu: dsa sign: %w", err)
	}
	return asn1.Marshal(struct{ R, S *big.Int }{r, s})
}

// secretEngine digests a stored secret's raw value (spec.md:88,
// "digestSecretKey ... digests a stored secret value"). This is a plain
// hash of the value bytes, the same as real PKCS#11's C_DigestKey -- not an
// HMAC keyed by the value, which would hash nothing at all since there is
// no separate message to authenticate here.
type secretEngine struct {
	value []byte
}

func (e *secretEngine) Digest(mechanism uint64) ([]byte, error) {
	switch mechanism {
	case p11.CKM_SHA256_HMAC:
		h := sha256.Sum256(e.value)
		return h[:], nil
	case p11.CKM_SHA384_HMAC:
		h := sha512.Sum384(e.value)
		return h[:], nil
	case p11.CKM_SHA512_HMAC:
		h := sha512.Sum512(e.value)
		return h[:], nil
	default:
		return nil, xerrors.NewTokenError("unsupported digest mechanism %#x", mechanism)
	}
}

// x25519Engine validates a Montgomery private key's raw scalar on lookup.
// Montgomery keys are key-agreement only and never reach privateEngine or
// secretEngine (spec §4.6): this is as far as FindKeyByIdLabel wires them,
// confirming the stored bytes still parse as a valid X25519 scalar.
type x25519Engine struct {
	priv *ecdh.PrivateKey
}

func newX25519Engine(raw []byte) (*x25519Engine, error) {
	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("p11emu: parse x25519 private key: %w", err)
	}
	return &x25519Engine{priv: priv}, nil
}

var (
	oidEd25519 = asn1.ObjectIdentifier{1, 3, 101, 112}
	oidX25519  = asn1.ObjectIdentifier{1, 3, 101, 110}
)

// ecExplicitParams is a SEC1-style explicit ECParameters encoding for a NIST
// prime curve's domain parameters, written instead of a named curve OID
// when a slot's slot.info sets namedCurveSupported=false (spec.md §6).
type ecExplicitParams struct {
	Version  int
	Prime    *big.Int
	A        *big.Int
	B        *big.Int
	Gx       *big.Int
	Gy       *big.Int
	Order    *big.Int
	Cofactor int
}

func curveOID(curve elliptic.Curve) (asn1.ObjectIdentifier, bool) {
	switch curve.Params().BitSize {
	case 256:
		return asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}, true
	case 384:
		return asn1.ObjectIdentifier{1, 3, 132, 0, 34}, true
	case 521:
		return asn1.ObjectIdentifier{1, 3, 132, 0, 35}, true
	default:
		return nil, false
	}
}

// ecParamsDER encodes curve's domain parameters as a named OID when
// namedCurveSupported, or full explicit parameters (every NIST P-curve
// uses a = p-3) when the slot disables it.
func ecParamsDER(curve elliptic.Curve, namedCurveSupported bool) ([]byte, error) {
	oid, ok := curveOID(curve)
	if !ok {
		return nil, xerrors.NewTokenError("unsupported curve for ec params encoding")
	}
	if namedCurveSupported {
		return asn1.Marshal(oid)
	}
	params := curve.Params()
	explicit := ecExplicitParams{
		Version:  1,
		Prime:    params.P,
		A:        new(big.Int).Sub(params.P, big.NewInt(3)),
		B:        params.B,
		Gx:       params.Gx,
		Gy:       params.Gy,
		Order:    params.N,
		Cofactor: 1,
	}
	return asn1.Marshal(explicit)
}

// fixedCurveOID encodes a curve OID that has no crypto/elliptic
// representation (Ed25519, X25519). Neither curve has a SEC1
// explicit-parameters form, so namedCurveSupported doesn't apply to them.
func fixedCurveOID(oid asn1.ObjectIdentifier) ([]byte, error) {
	return asn1.Marshal(oid)
}

// ecPointDER wraps an uncompressed EC point in a DER OCTET STRING, per
// spec.md §6's write procedure for the public key's point encoding.
func ecPointDER(point []byte) ([]byte, error) {
	return asn1.Marshal(point)
}
