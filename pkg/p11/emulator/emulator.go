// Package emulator implements the Backend contract (C6) as a software token:
// private keys are generated in-process with the standard library and
// persisted to disk under baseDir, sealed with KeyCryptor so the plaintext
// private key material never touches storage.
package emulator

import (
	"crypto/dsa"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	logger "github.com/harwoeck/liblog/contract"

	"github.com/xipki/commons/internal/xerrors"
	"github.com/xipki/commons/pkg/p11"
)

// Open builds one Module holding one slot per selected SlotId. Each slot is
// stored in a subdirectory of baseDir named "<index>-<id>", created by Open
// if missing, and its password-derived wrapping key is cached for the life
// of the backend.
func Open(baseDir string, conf *p11.ModuleConf, mf *p11.MechanismFilter, pr *p11.PasswordRetriever, log logger.Logger) (*p11.Module, error) {
	log = log.Named("p11emulator")

	module := p11.NewModule(conf, mf, pr)
	module.SetCloser(func() error { return nil })

	slotIds := discoverSlotIds(baseDir, conf)
	for _, slotId := range slotIds {
		if !slotIncluded(conf, slotId) {
			continue
		}

		passwords, err := module.PasswordFor(slotId)
		if err != nil {
			return nil, xerrors.WrapPasswordResolution(err, "slot %s", slotId)
		}
		var password []byte
		if len(passwords) > 0 {
			password = passwords[0]
		}

		slotDir := filepath.Join(baseDir, slotId.String())
		if err := os.MkdirAll(slotDir, 0o700); err != nil {
			return nil, xerrors.WrapTokenError(err, "create slot directory %s", slotDir)
		}

		salt, err := slotSalt(slotDir)
		if err != nil {
			return nil, err
		}

		b := &backend{
			slotId:              slotId,
			baseDir:             slotDir,
			ignoreLabel:         conf.NewObjectConf.IgnoreLabel,
			cryptor:             KeyCryptor{},
			wrapKey:             KeyCryptor{}.DeriveKey(password, salt),
			log:                 log.Named(slotId.String()),
			auditLog:            log.Named(slotId.String() + ".audit"),
			namedCurveSupported: readSlotInfo(slotDir),
		}
		module.AddSlot(p11.NewSlotBase(module, b, conf.ReadOnly, conf.NewObjectConf))
	}

	return module, nil
}

// discoverSlotIds returns the configured include-slot identities, or the
// single default slot "0-0" when no filter narrows the set -- the emulator
// has no physical enumeration step the way native does.
func discoverSlotIds(baseDir string, conf *p11.ModuleConf) []p11.SlotId {
	ids := map[p11.SlotId]struct{}{}
	for _, f := range conf.IncludeSlots {
		if f.Index != nil && f.Id != nil {
			ids[p11.SlotId{Index: *f.Index, Id: *f.Id}] = struct{}{}
		}
	}
	if len(ids) == 0 {
		ids[p11.SlotId{Index: 0, Id: 0}] = struct{}{}
	}
	out := make([]p11.SlotId, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

func slotIncluded(conf *p11.ModuleConf, id p11.SlotId) bool {
	for _, f := range conf.ExcludeSlots {
		if f.Matches(id) {
			return false
		}
	}
	return true
}

func slotSalt(slotDir string) ([]byte, error) {
	path := filepath.Join(slotDir, "salt")
	if b, err := os.ReadFile(path); err == nil {
		return b, nil
	}
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("p11emu: generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("p11emu: write salt: %w", err)
	}
	return salt, nil
}

type backend struct {
	slotId              p11.SlotId
	baseDir             string
	ignoreLabel         bool
	cryptor             KeyCryptor
	wrapKey             []byte
	log                 logger.Logger
	auditLog            logger.Logger
	namedCurveSupported bool

	mu sync.Mutex
}

func (b *backend) SlotId() p11.SlotId                        { return b.slotId }
func (b *backend) IgnoreLabel() bool                         { return b.ignoreLabel }
func (b *backend) SupportedMechanisms() map[uint64]struct{}  { return nil } // filter alone governs

func classesInSearchOrder() []string { return []string{"private", "public", "secret"} }

func (b *backend) findRecord(id []byte, label string) (class string, r record, value []byte, found bool, err error) {
	for _, class := range classesInSearchOrder() {
		var candidates []record
		candidates, err = listRecords(b.baseDir, class)
		if err != nil {
			return "", record{}, nil, false, err
		}
		for _, cand := range candidates {
			if matchesIdLabel(cand, id, label) {
				_, value, found, err := readRecord(b.baseDir, class, cand.id, "")
				if err != nil || !found {
					return "", record{}, nil, false, err
				}
				return class, cand, value, true, nil
			}
		}
	}
	return "", record{}, nil, false, nil
}

func matchesIdLabel(r record, id []byte, label string) bool {
	if len(id) > 0 && string(r.id) != string(id) {
		return false
	}
	if label != "" && r.label != label {
		return false
	}
	return len(id) > 0 || label != ""
}

// publicRecordFor looks up the public-class twin of a given id, for
// attaching algorithm parameters to a private (or secret) key lookup.
// findRecord can't serve this: it returns the first class match for an id
// in search order, so calling it again on a private record's own id just
// returns the same private record.
func (b *backend) publicRecordFor(id []byte) (record, bool, error) {
	records, err := listRecords(b.baseDir, "public")
	if err != nil {
		return record{}, false, err
	}
	for _, r := range records {
		if string(r.id) == string(id) {
			return r, true, nil
		}
	}
	return record{}, false, nil
}

// keyParamsFromRecord reads the algorithm parameters a Key exposes from the
// public record paired with it -- the write procedure (spec.md §6) encodes
// algorithm-specific fields only on the public side, not the private one.
func keyParamsFromRecord(r record) *p11.KeyParams {
	switch {
	case len(r.modulus) > 0:
		return &p11.KeyParams{RSA: &p11.RSAParams{Modulus: r.modulus, PublicExponent: r.publicExponent}}
	case len(r.prime) > 0:
		return &p11.KeyParams{DSA: &p11.DSAParams{P: r.prime, Q: r.subprime, G: r.base}}
	case len(r.ecParams) > 0:
		return &p11.KeyParams{EC: &p11.ECParams{CurveOid: r.keyspec}}
	default:
		return nil
	}
}

func (b *backend) FindKeyByIdLabel(id []byte, label string) (*p11.Key, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	class, r, value, found, err := b.findRecord(id, label)
	if err != nil || !found {
		return nil, found, err
	}

	keyId := p11.KeyId{
		Handle:      p11.EmulatorHandle(hash32(r.id), class == "public"),
		ObjectClass: classOf(class),
		KeyType:     r.keyType,
		Id:          r.id,
		Label:       r.label,
	}

	pubRec, pubFound, err := b.publicRecordFor(r.id)
	if err != nil {
		return nil, false, err
	}
	if class == "private" && pubFound {
		h := p11.EmulatorHandle(hash32(r.id), true)
		keyId.PublicKeyHandle = &h
	}

	key := &p11.Key{Id: keyId}
	if pubFound {
		key.Params = keyParamsFromRecord(pubRec)
	}

	switch class {
	case "private":
		plaintext, err := b.cryptor.Open(b.wrapKey, value)
		if err != nil {
			return nil, false, xerrors.WrapTokenError(err, "decrypt private key %x", r.id)
		}
		if r.keyType == p11.CKK_EC_MONTGOMERY {
			// Montgomery keys have no crypto.Signer and never reach
			// unmarshalPrivate's key-type switch; newX25519Engine just
			// confirms the sealed bytes still parse as a valid scalar.
			if _, err := newX25519Engine(plaintext); err != nil {
				return nil, false, xerrors.WrapTokenError(err, "parse x25519 private key %x", r.id)
			}
			break
		}
		signer, err := unmarshalPrivate(r.keyType, plaintext)
		if err != nil {
			return nil, false, xerrors.WrapTokenError(err, "unmarshal private key %x", r.id)
		}
		key.PrivateKey = &privateEngine{keyType: r.keyType, signer: signer}
	case "secret":
		plaintext, err := b.cryptor.Open(b.wrapKey, value)
		if err != nil {
			return nil, false, xerrors.WrapTokenError(err, "decrypt secret key %x", r.id)
		}
		key.SecretKey = &secretEngine{value: plaintext}
	}
	return key, true, nil
}

func classOf(class string) p11.ObjectClass {
	switch class {
	case "public":
		return p11.ObjectClassPublicKey
	case "secret":
		return p11.ObjectClassSecretKey
	default:
		return p11.ObjectClassPrivateKey
	}
}

func (b *backend) ObjectExistsByIdLabel(id []byte, label string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _, _, found, err := b.findRecord(id, label)
	return found, err
}

func (b *backend) DestroyAllObjects() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, class := range classesInSearchOrder() {
		records, err := listRecords(b.baseDir, class)
		if err != nil {
			return n, err
		}
		for _, r := range records {
			if err := deleteRecord(b.baseDir, class, r.id); err != nil {
				return n, xerrors.WrapTokenError(err, "delete %s %x", class, r.id)
			}
			n++
		}
	}
	b.auditLog.Info("destroyed all objects", logger.NewField("slot", b.slotId.String()), logger.NewField("count", n))
	return n, nil
}

// DestroyObjectsByHandle is unsupported: the emulator's handles are
// deterministic hashes of id, not stable references the store indexes by,
// so the caller must destroy by id/label instead (spec §4.5 note).
func (b *backend) DestroyObjectsByHandle(handles []uint64) ([]uint64, error) {
	return handles, xerrors.NewTokenError("emulator backend does not support destroy by handle; use id/label")
}

func (b *backend) DestroyObjectsByIdLabel(id []byte, label string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, class := range classesInSearchOrder() {
		records, err := listRecords(b.baseDir, class)
		if err != nil {
			return n, err
		}
		for _, r := range records {
			if !matchesIdLabel(r, id, label) {
				continue
			}
			if err := deleteRecord(b.baseDir, class, r.id); err != nil {
				return n, xerrors.WrapTokenError(err, "delete %s %x", class, r.id)
			}
			n++
		}
	}
	b.auditLog.Info("destroyed objects", logger.NewField("id", fmt.Sprintf("%x", id)), logger.NewField("label", label), logger.NewField("count", n))
	return n, nil
}

// pubKeyFields carries the algorithm-specific public-key properties
// spec.md §6 documents for the pubkey .info file; a caller sets only the
// fields relevant to the key type it generated.
type pubKeyFields struct {
	modulus        []byte
	publicExponent []byte
	prime          []byte
	subprime       []byte
	base           []byte
	ecParams       []byte
	ecPoint        []byte
	value          []byte
}

func (b *backend) persistKeyPair(keyType uint64, privBytes []byte, pub pubKeyFields, control p11.NewKeyControl, keyspec string) (p11.KeyId, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sealed, err := b.cryptor.Seal(b.wrapKey, privBytes)
	if err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "seal private key")
	}

	privRec := record{class: "private", keyType: keyType, id: control.Id, label: control.Label, keyspec: keyspec, extractable: control.Extractable, sensitive: control.Sensitive}
	if err := writeRecord(b.baseDir, privRec, sealed); err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "persist private key")
	}

	pubRec := record{
		class: "public", keyType: keyType, id: control.Id, label: control.Label, keyspec: keyspec,
		modulus: pub.modulus, publicExponent: pub.publicExponent,
		prime: pub.prime, subprime: pub.subprime, base: pub.base,
		ecParams: pub.ecParams, ecPoint: pub.ecPoint, value: pub.value,
	}
	// Public records carry no .value file; the fields above are the record.
	if err := writeRecord(b.baseDir, pubRec, nil); err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "persist public key")
	}

	b.auditLog.Info("generated keypair", logger.NewField("id", fmt.Sprintf("%x", control.Id)), logger.NewField("label", control.Label), logger.NewField("keyType", keyType))

	pubHandle := p11.EmulatorHandle(hash32(control.Id), true)
	return p11.KeyId{
		Handle:          p11.EmulatorHandle(hash32(control.Id), false),
		ObjectClass:     p11.ObjectClassPrivateKey,
		KeyType:         keyType,
		Id:              control.Id,
		Label:           control.Label,
		PublicKeyHandle: &pubHandle,
	}, nil
}

func (b *backend) GenerateRSAKeypair(p p11.RSAGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	priv, err := rsa.GenerateKey(rand.Reader, p.KeySizeBits)
	if err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "generate rsa key")
	}
	privBytes, err := marshalPrivate(p11.CKK_RSA, priv)
	if err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "marshal rsa private key")
	}
	pub := pubKeyFields{
		modulus:        priv.PublicKey.N.Bytes(),
		publicExponent: big.NewInt(int64(priv.PublicKey.E)).Bytes(),
	}
	return b.persistKeyPair(p11.CKK_RSA, privBytes, pub, control, fmt.Sprintf("bits=%d", p.KeySizeBits))
}

func (b *backend) GenerateRSAKeypairOtf(p p11.RSAGenParams) ([]byte, error) {
	priv, err := rsa.GenerateKey(rand.Reader, p.KeySizeBits)
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "generate rsa key")
	}
	return marshalPrivate(p11.CKK_RSA, priv)
}

func (b *backend) GenerateDSAKeypair(p p11.DSAGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	priv := &dsa.PrivateKey{PublicKey: dsa.PublicKey{Parameters: dsa.Parameters{
		P: new(big.Int).SetBytes(p.P), Q: new(big.Int).SetBytes(p.Q), G: new(big.Int).SetBytes(p.G),
	}}}
	if err := dsa.GenerateKey(priv, rand.Reader); err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "generate dsa key")
	}
	privBytes, err := marshalPrivate(p11.CKK_DSA, priv)
	if err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "marshal dsa private key")
	}
	pub := pubKeyFields{prime: priv.P.Bytes(), subprime: priv.Q.Bytes(), base: priv.G.Bytes(), value: priv.Y.Bytes()}
	return b.persistKeyPair(p11.CKK_DSA, privBytes, pub, control, "")
}

func (b *backend) GenerateDSAKeypairOtf(p p11.DSAGenParams) ([]byte, error) {
	priv := &dsa.PrivateKey{PublicKey: dsa.PublicKey{Parameters: dsa.Parameters{
		P: new(big.Int).SetBytes(p.P), Q: new(big.Int).SetBytes(p.Q), G: new(big.Int).SetBytes(p.G),
	}}}
	if err := dsa.GenerateKey(priv, rand.Reader); err != nil {
		return nil, xerrors.WrapTokenError(err, "generate dsa key")
	}
	return marshalPrivate(p11.CKK_DSA, priv)
}

func ecdhX25519() *ecdh.Curve { return ecdh.X25519() }

func curveFor(oid string) (elliptic.Curve, error) {
	switch oid {
	case "1.2.840.10045.3.1.7", "P-256", "prime256v1":
		return elliptic.P256(), nil
	case "1.3.132.0.34", "P-384":
		return elliptic.P384(), nil
	case "1.3.132.0.35", "P-521":
		return elliptic.P521(), nil
	default:
		return nil, xerrors.NewTokenError("unsupported EC curve %q", oid)
	}
}

func (b *backend) GenerateECKeypair(p p11.ECGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	curve, err := curveFor(p.CurveOid)
	if err != nil {
		return p11.KeyId{}, err
	}
	priv, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "generate ec key")
	}
	privBytes, err := marshalPrivate(p11.CKK_EC, priv)
	if err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "marshal ec private key")
	}
	pointBytes := elliptic.Marshal(curve, priv.PublicKey.X, priv.PublicKey.Y)
	ecParams, err := ecParamsDER(curve, b.namedCurveSupported)
	if err != nil {
		return p11.KeyId{}, err
	}
	ecPoint, err := ecPointDER(pointBytes)
	if err != nil {
		return p11.KeyId{}, err
	}
	pub := pubKeyFields{ecParams: ecParams, ecPoint: ecPoint}
	return b.persistKeyPair(p11.CKK_EC, privBytes, pub, control, p.CurveOid)
}

func (b *backend) GenerateECKeypairOtf(p p11.ECGenParams) ([]byte, error) {
	curve, err := curveFor(p.CurveOid)
	if err != nil {
		return nil, err
	}
	priv, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "generate ec key")
	}
	return marshalPrivate(p11.CKK_EC, priv)
}

func (b *backend) GenerateEdwardsKeypair(p p11.ECGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "generate ed25519 key")
	}
	privBytes, _ := marshalPrivate(p11.CKK_EC_EDWARDS, priv)
	ecParams, err := fixedCurveOID(oidEd25519)
	if err != nil {
		return p11.KeyId{}, err
	}
	ecPoint, err := ecPointDER(pub)
	if err != nil {
		return p11.KeyId{}, err
	}
	pubFields := pubKeyFields{ecParams: ecParams, ecPoint: ecPoint}
	return b.persistKeyPair(p11.CKK_EC_EDWARDS, privBytes, pubFields, control, "edwards25519")
}

func (b *backend) GenerateEdwardsKeypairOtf(p p11.ECGenParams) ([]byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "generate ed25519 key")
	}
	return marshalPrivate(p11.CKK_EC_EDWARDS, priv)
}

// Montgomery (X25519) keys are key-agreement only; there is no
// crypto.Signer for them, so they store the raw scalar/point bytes
// directly rather than routing through marshalPrivate (spec §4.6). They
// still go through persistKeyPair like every other algorithm, so they get
// the same .info property set and round-trip through FindKeyByIdLabel via
// newX25519Engine.
func (b *backend) GenerateMontgomeryKeypair(p p11.ECGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	curve := ecdhX25519()
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "generate x25519 key")
	}
	ecParams, err := fixedCurveOID(oidX25519)
	if err != nil {
		return p11.KeyId{}, err
	}
	ecPoint, err := ecPointDER(priv.PublicKey().Bytes())
	if err != nil {
		return p11.KeyId{}, err
	}
	pub := pubKeyFields{ecParams: ecParams, ecPoint: ecPoint}
	return b.persistKeyPair(p11.CKK_EC_MONTGOMERY, priv.Bytes(), pub, control, "x25519")
}

func (b *backend) GenerateMontgomeryKeypairOtf(p p11.ECGenParams) ([]byte, error) {
	curve := ecdhX25519()
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "generate x25519 key")
	}
	return priv.Bytes(), nil
}

// GenerateSM2Keypair generates a NIST P-256 keypair stored under the SM2 key
// type; no SM2 curve implementation is available to this package.
func (b *backend) GenerateSM2Keypair(control p11.NewKeyControl) (p11.KeyId, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "generate sm2 key")
	}
	privBytes, err := marshalPrivate(p11.CKK_VENDOR_SM2, priv)
	if err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "marshal sm2 private key")
	}
	pointBytes := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	ecParams, err := ecParamsDER(elliptic.P256(), b.namedCurveSupported)
	if err != nil {
		return p11.KeyId{}, err
	}
	ecPoint, err := ecPointDER(pointBytes)
	if err != nil {
		return p11.KeyId{}, err
	}
	pub := pubKeyFields{ecParams: ecParams, ecPoint: ecPoint}
	return b.persistKeyPair(p11.CKK_VENDOR_SM2, privBytes, pub, control, "sm2p256v1")
}

func (b *backend) GenerateSM2KeypairOtf() ([]byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "generate sm2 key")
	}
	return marshalPrivate(p11.CKK_VENDOR_SM2, priv)
}

func (b *backend) GenerateSecretKey(p p11.SecretGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	value := make([]byte, p.KeyBits/8)
	if _, err := io.ReadFull(rand.Reader, value); err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "generate secret key")
	}
	sealed, err := b.cryptor.Seal(b.wrapKey, value)
	if err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "seal secret key")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	r := record{class: "secret", keyType: p.KeyType, id: control.Id, label: control.Label, extractable: control.Extractable, sensitive: control.Sensitive}
	if err := writeRecord(b.baseDir, r, sealed); err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "persist secret key")
	}
	b.auditLog.Info("generated secret key", logger.NewField("id", fmt.Sprintf("%x", control.Id)), logger.NewField("label", control.Label))

	return p11.KeyId{Handle: p11.EmulatorHandle(hash32(control.Id), false), ObjectClass: p11.ObjectClassSecretKey, KeyType: p.KeyType, Id: control.Id, Label: control.Label}, nil
}

func (b *backend) ImportSecretKey(p p11.SecretImportParams, control p11.NewKeyControl) (p11.KeyId, error) {
	sealed, err := b.cryptor.Seal(b.wrapKey, p.Value)
	if err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "seal imported secret key")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	r := record{class: "secret", keyType: p.KeyType, id: control.Id, label: control.Label, extractable: control.Extractable, sensitive: control.Sensitive}
	if err := writeRecord(b.baseDir, r, sealed); err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "persist imported secret key")
	}
	b.auditLog.Info("imported secret key", logger.NewField("id", fmt.Sprintf("%x", control.Id)), logger.NewField("label", control.Label))

	return p11.KeyId{Handle: p11.EmulatorHandle(hash32(control.Id), false), ObjectClass: p11.ObjectClassSecretKey, KeyType: p.KeyType, Id: control.Id, Label: control.Label}, nil
}

func (b *backend) Sign(mechanism uint64, params p11.P11Params, extraParams []byte, keyHandle uint64, content []byte) ([]byte, error) {
	key, err := b.keyByHandle(keyHandle)
	if err != nil {
		return nil, err
	}
	if key.PrivateKey == nil {
		return nil, xerrors.NewTokenError("handle %d is not a signing key", keyHandle)
	}
	return key.PrivateKey.Sign(mechanism, params, extraParams, content)
}

func (b *backend) DigestSecretKey(mechanism uint64, handle uint64) ([]byte, error) {
	key, err := b.keyByHandle(handle)
	if err != nil {
		return nil, err
	}
	if key.SecretKey == nil {
		return nil, xerrors.NewTokenError("handle %d is not a secret key", handle)
	}
	return key.SecretKey.Digest(mechanism)
}

// keyByHandle recovers a key by scanning every record and recomputing its
// emulator handle, since the on-disk index is keyed by id, not handle.
// Callers must not hold b.mu: FindKeyByIdLabel takes it itself.
func (b *backend) keyByHandle(handle uint64) (*p11.Key, error) {
	for _, class := range classesInSearchOrder() {
		records, err := listRecords(b.baseDir, class)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			h := p11.EmulatorHandle(hash32(r.id), class == "public")
			if h == handle {
				key, found, err := b.FindKeyByIdLabel(r.id, "")
				if err != nil || !found {
					return nil, err
				}
				return key, nil
			}
		}
	}
	return nil, xerrors.NewTokenError("no object with handle %d", handle)
}

func (b *backend) ShowDetails(w io.Writer, objectHandle *uint64, verbose bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fmt.Fprintf(w, "slot %s (emulator, dir=%s)\n", b.slotId, b.baseDir)
	for _, class := range classesInSearchOrder() {
		records, err := listRecords(b.baseDir, class)
		if err != nil {
			return err
		}
		for _, r := range records {
			h := p11.EmulatorHandle(hash32(r.id), class == "public")
			if objectHandle != nil && h != *objectHandle {
				continue
			}
			fmt.Fprintf(w, "  handle=%d class=%s id=%x label=%q\n", h, class, r.id, r.label)
			if verbose {
				fmt.Fprintf(w, "    keyType=%#x keyspec=%s\n", r.keyType, r.keyspec)
			}
		}
	}
	return nil
}
