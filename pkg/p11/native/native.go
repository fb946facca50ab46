// Package native implements the Backend contract (C5) against a real
// PKCS#11 driver via github.com/miekg/pkcs11. Session handling, login
// tolerance for CKR_USER_ALREADY_LOGGED_IN, and the inSession wrapper follow
// the same shape as utils/dvx/hsm's single-purpose HSM client, generalized
// here to the full slot contract.
package native

import (
	"fmt"
	"io"
	"math/big"
	"sync"

	logger "github.com/harwoeck/liblog/contract"
	"github.com/miekg/pkcs11"

	"github.com/xipki/commons/internal/xerrors"
	"github.com/xipki/commons/pkg/p11"
)

// Open loads the driver at conf.NativeLibraryPath, initializes it, enumerates
// slots (filtered by conf.IncludeSlots/ExcludeSlots), logs into each matching
// slot, and registers a SlotBase per slot on the returned Module.
func Open(conf *p11.ModuleConf, mf *p11.MechanismFilter, pr *p11.PasswordRetriever, log logger.Logger) (*p11.Module, error) {
	log = log.Named("p11native")

	ctx := pkcs11.New(conf.NativeLibraryPath)
	if ctx == nil {
		return nil, xerrors.NewInvalidConfiguration("failed to load PKCS#11 library %q", conf.NativeLibraryPath)
	}

	if err := ctx.Initialize(); err != nil && err.Error() != "pkcs11: 0x191: CKR_CRYPTOKI_ALREADY_INITIALIZED" {
		ctx.Destroy()
		return nil, xerrors.WrapTokenError(err, "initialize PKCS#11 module %q", conf.Name)
	}

	module := p11.NewModule(conf, mf, pr)
	module.SetCloser(func() error {
		ctx.Finalize()
		ctx.Destroy()
		return nil
	})

	rawSlots, err := ctx.GetSlotList(true)
	if err != nil {
		module.Close()
		return nil, xerrors.WrapTokenError(err, "list slots of module %q", conf.Name)
	}

	for idx, rawSlot := range rawSlots {
		slotId := p11.SlotId{Index: uint64(idx), Id: uint64(rawSlot)}
		if !slotIncluded(conf, slotId) {
			continue
		}

		backend, err := newSlotBackend(ctx, conf, module, rawSlot, slotId, log)
		if err != nil {
			module.Close()
			return nil, err
		}

		module.AddSlot(p11.NewSlotBase(module, backend, conf.ReadOnly, conf.NewObjectConf))
	}

	return module, nil
}

func slotIncluded(conf *p11.ModuleConf, id p11.SlotId) bool {
	if len(conf.ExcludeSlots) > 0 {
		for _, f := range conf.ExcludeSlots {
			if f.Matches(id) {
				return false
			}
		}
	}
	if len(conf.IncludeSlots) == 0 {
		return true
	}
	for _, f := range conf.IncludeSlots {
		if f.Matches(id) {
			return true
		}
	}
	return false
}

type backend struct {
	ctx    *pkcs11.Ctx
	conf   *p11.ModuleConf
	module *p11.Module
	log    logger.Logger

	rawSlot uint
	slotId  p11.SlotId

	mu      sync.Mutex
	session pkcs11.SessionHandle

	mechanisms map[uint64]struct{}
}

func newSlotBackend(ctx *pkcs11.Ctx, conf *p11.ModuleConf, module *p11.Module, rawSlot uint, slotId p11.SlotId, log logger.Logger) (*backend, error) {
	b := &backend{ctx: ctx, conf: conf, module: module, rawSlot: rawSlot, slotId: slotId, log: log.Named(slotId.String())}

	list, err := ctx.GetMechanismList(rawSlot)
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "list mechanisms of slot %s", slotId)
	}
	b.mechanisms = make(map[uint64]struct{}, len(list))
	for _, m := range list {
		b.mechanisms[uint64(m.Mechanism)] = struct{}{}
	}

	session, err := ctx.OpenSession(rawSlot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "open session on slot %s", slotId)
	}
	b.session = session

	passwords, err := module.PasswordFor(slotId)
	if err != nil {
		return nil, xerrors.WrapPasswordResolution(err, "slot %s", slotId)
	}
	if len(passwords) > 0 {
		err := ctx.Login(session, uint(conf.UserType), string(passwords[0]))
		// Regarding CKR_USER_ALREADY_LOGGED_IN: this is not an error, the
		// session is already in the state we wanted it in.
		if err != nil && err.Error() != "pkcs11: 0x100: CKR_USER_ALREADY_LOGGED_IN" {
			return nil, xerrors.WrapTokenError(err, "login to slot %s", slotId)
		}
	}

	return b, nil
}

func (b *backend) SlotId() p11.SlotId    { return b.slotId }
func (b *backend) IgnoreLabel() bool     { return b.conf.NewObjectConf.IgnoreLabel }
func (b *backend) SupportedMechanisms() map[uint64]struct{} { return b.mechanisms }

// inSession serializes driver calls for this slot behind a single session,
// mirroring hsm.inSession but keeping the session open for the backend's
// lifetime instead of per call.
func (b *backend) inSession(callback func(session pkcs11.SessionHandle) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return callback(b.session)
}

func findAttrTemplate(id []byte, label string) []*pkcs11.Attribute {
	var tmpl []*pkcs11.Attribute
	if len(id) > 0 {
		tmpl = append(tmpl, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	}
	if label != "" {
		tmpl = append(tmpl, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}
	return tmpl
}

func (b *backend) findHandles(class uint64, id []byte, label string) ([]pkcs11.ObjectHandle, error) {
	var handles []pkcs11.ObjectHandle
	err := b.inSession(func(session pkcs11.SessionHandle) error {
		tmpl := append(findAttrTemplate(id, label), pkcs11.NewAttribute(pkcs11.CKA_CLASS, class))
		if err := b.ctx.FindObjectsInit(session, tmpl); err != nil {
			return fmt.Errorf("find objects init: %w", err)
		}
		defer b.ctx.FindObjectsFinal(session)

		found, _, err := b.ctx.FindObjects(session, 64)
		if err != nil {
			return fmt.Errorf("find objects: %w", err)
		}
		handles = found
		return nil
	})
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "find objects class=%#x id=%x label=%q", class, id, label)
	}
	return handles, nil
}

func (b *backend) readKeyId(class uint64, handle pkcs11.ObjectHandle) (p11.KeyId, error) {
	var out p11.KeyId
	err := b.inSession(func(session pkcs11.SessionHandle) error {
		attrs, err := b.ctx.GetAttributeValue(session, handle, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
		})
		if err != nil {
			return fmt.Errorf("get attribute value: %w", err)
		}
		out = p11.KeyId{
			Handle:      uint64(handle),
			ObjectClass: objectClassOf(class),
			Id:          attrs[0].Value,
			Label:       string(attrs[1].Value),
			KeyType:     bytesToUint64(attrs[2].Value),
		}
		return nil
	})
	if err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "read key id for handle %d", handle)
	}
	return out, nil
}

func objectClassOf(class uint64) p11.ObjectClass {
	switch class {
	case p11.CKO_PUBLIC_KEY:
		return p11.ObjectClassPublicKey
	case p11.CKO_SECRET_KEY:
		return p11.ObjectClassSecretKey
	default:
		return p11.ObjectClassPrivateKey
	}
}

func bytesToUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func (b *backend) FindKeyByIdLabel(id []byte, label string) (*p11.Key, bool, error) {
	handles, err := b.findHandles(p11.CKO_PRIVATE_KEY, id, label)
	if err != nil {
		return nil, false, err
	}
	if len(handles) == 0 {
		handles, err = b.findHandles(p11.CKO_SECRET_KEY, id, label)
		if err != nil {
			return nil, false, err
		}
	}
	if len(handles) == 0 {
		return nil, false, nil
	}

	keyId, err := b.readKeyId(p11.CKO_PRIVATE_KEY, handles[0])
	if err != nil {
		return nil, false, err
	}

	if pub, _ := b.findHandles(p11.CKO_PUBLIC_KEY, keyId.Id, keyId.Label); len(pub) > 0 {
		h := uint64(pub[0])
		keyId.PublicKeyHandle = &h
	}

	key := &p11.Key{Id: keyId}
	if keyId.ObjectClass == p11.ObjectClassSecretKey {
		key.SecretKey = &secretEngine{backend: b, handle: handles[0]}
	} else {
		key.PrivateKey = &privateEngine{backend: b, handle: handles[0]}
	}
	return key, true, nil
}

func (b *backend) ObjectExistsByIdLabel(id []byte, label string) (bool, error) {
	for _, class := range []uint64{p11.CKO_PRIVATE_KEY, p11.CKO_PUBLIC_KEY, p11.CKO_SECRET_KEY} {
		handles, err := b.findHandles(class, id, label)
		if err != nil {
			return false, err
		}
		if len(handles) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (b *backend) destroy(handles []pkcs11.ObjectHandle) (failed []uint64, err error) {
	for _, h := range handles {
		derr := b.inSession(func(session pkcs11.SessionHandle) error {
			return b.ctx.DestroyObject(session, h)
		})
		if derr != nil {
			failed = append(failed, uint64(h))
		}
	}
	return failed, nil
}

func (b *backend) DestroyAllObjects() (int, error) {
	var all []pkcs11.ObjectHandle
	for _, class := range []uint64{p11.CKO_PRIVATE_KEY, p11.CKO_PUBLIC_KEY, p11.CKO_SECRET_KEY} {
		h, err := b.findHandles(class, nil, "")
		if err != nil {
			return 0, err
		}
		all = append(all, h...)
	}
	failed, err := b.destroy(all)
	if err != nil {
		return 0, err
	}
	return len(all) - len(failed), nil
}

func (b *backend) DestroyObjectsByHandle(handles []uint64) ([]uint64, error) {
	raw := make([]pkcs11.ObjectHandle, len(handles))
	for i, h := range handles {
		raw[i] = pkcs11.ObjectHandle(h)
	}
	return b.destroy(raw)
}

func (b *backend) DestroyObjectsByIdLabel(id []byte, label string) (int, error) {
	var all []pkcs11.ObjectHandle
	for _, class := range []uint64{p11.CKO_PRIVATE_KEY, p11.CKO_PUBLIC_KEY, p11.CKO_SECRET_KEY} {
		h, err := b.findHandles(class, id, label)
		if err != nil {
			return 0, err
		}
		all = append(all, h...)
	}
	failed, err := b.destroy(all)
	if err != nil {
		return 0, err
	}
	return len(all) - len(failed), nil
}

func commonKeyPairAttrs(control p11.NewKeyControl, token bool) (pub, priv []*pkcs11.Attribute) {
	pub = append(pub, pkcs11.NewAttribute(pkcs11.CKA_TOKEN, token), pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true))
	priv = append(priv,
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, token),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, control.Sensitive),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, control.Extractable))
	if len(control.Id) > 0 {
		pub = append(pub, pkcs11.NewAttribute(pkcs11.CKA_ID, control.Id))
		priv = append(priv, pkcs11.NewAttribute(pkcs11.CKA_ID, control.Id))
	}
	if control.Label != "" {
		pub = append(pub, pkcs11.NewAttribute(pkcs11.CKA_LABEL, control.Label))
		priv = append(priv, pkcs11.NewAttribute(pkcs11.CKA_LABEL, control.Label))
	}
	return pub, priv
}

func (b *backend) generateKeyPair(mechanism uint64, extraPub []*pkcs11.Attribute, control p11.NewKeyControl, token bool) (privH, pubH pkcs11.ObjectHandle, err error) {
	pubAttrs, privAttrs := commonKeyPairAttrs(control, token)
	pubAttrs = append(pubAttrs, extraPub...)

	ierr := b.inSession(func(session pkcs11.SessionHandle) error {
		pub, priv, err := b.ctx.GenerateKeyPair(session, []*pkcs11.Mechanism{pkcs11.NewMechanism(mechanism, nil)}, pubAttrs, privAttrs)
		if err != nil {
			return fmt.Errorf("generate key pair: %w", err)
		}
		pubH, privH = pub, priv
		return nil
	})
	if ierr != nil {
		return 0, 0, xerrors.WrapTokenError(ierr, "generate keypair mechanism=%#x", mechanism)
	}
	return privH, pubH, nil
}

func (b *backend) GenerateRSAKeypair(p p11.RSAGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	exp := p.PublicExponent
	if exp == nil {
		exp = big.NewInt(65537)
	}
	priv, pub, err := b.generateKeyPair(p11.CKM_RSA_PKCS_KEY_PAIR_GEN, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, p.KeySizeBits),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, exp.Bytes()),
	}, control, true)
	if err != nil {
		return p11.KeyId{}, err
	}
	return b.finishKeyPair(p11.CKO_PRIVATE_KEY, priv, pub)
}

func (b *backend) finishKeyPair(class uint64, priv, pub pkcs11.ObjectHandle) (p11.KeyId, error) {
	keyId, err := b.readKeyId(class, priv)
	if err != nil {
		return p11.KeyId{}, err
	}
	h := uint64(pub)
	keyId.PublicKeyHandle = &h
	return keyId, nil
}

func (b *backend) GenerateDSAKeypair(p p11.DSAGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	priv, pub, err := b.generateKeyPair(p11.CKM_DSA_KEY_PAIR_GEN, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_PRIME, p.P),
		pkcs11.NewAttribute(pkcs11.CKA_SUBPRIME, p.Q),
		pkcs11.NewAttribute(pkcs11.CKA_BASE, p.G),
	}, control, true)
	if err != nil {
		return p11.KeyId{}, err
	}
	return b.finishKeyPair(p11.CKO_PRIVATE_KEY, priv, pub)
}

func (b *backend) GenerateECKeypair(p p11.ECGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	return b.generateECFamily(p11.CKM_EC_KEY_PAIR_GEN, p, control)
}

func (b *backend) GenerateEdwardsKeypair(p p11.ECGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	return b.generateECFamily(p11.CKM_EC_EDWARDS_KEY_PAIR_GEN, p, control)
}

func (b *backend) GenerateMontgomeryKeypair(p p11.ECGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	return b.generateECFamily(p11.CKM_EC_MONTGOMERY_KEY_PAIR_GEN, p, control)
}

func (b *backend) generateECFamily(mechanism uint64, p p11.ECGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	priv, pub, err := b.generateKeyPair(mechanism, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, encodeCurveOid(p.CurveOid)),
	}, control, true)
	if err != nil {
		return p11.KeyId{}, err
	}
	return b.finishKeyPair(p11.CKO_PRIVATE_KEY, priv, pub)
}

// encodeCurveOid DER-encodes an OID string into the CKA_EC_PARAMS choice
// PKCS#11 expects. Drivers validate the OID themselves; a malformed OID
// surfaces as a driver error from GenerateKeyPair rather than here.
func encodeCurveOid(oid string) []byte {
	parts := splitOid(oid)
	if len(parts) < 2 {
		return nil
	}
	body := encodeOidArc(parts[0]*40 + parts[1])
	for _, p := range parts[2:] {
		body = append(body, encodeOidArc(p)...)
	}
	return append([]byte{0x06, byte(len(body))}, body...)
}

func splitOid(oid string) []int {
	var out []int
	cur := 0
	has := false
	for _, r := range oid {
		if r == '.' {
			out = append(out, cur)
			cur = 0
			has = false
			continue
		}
		if r < '0' || r > '9' {
			return nil
		}
		cur = cur*10 + int(r-'0')
		has = true
	}
	if has {
		out = append(out, cur)
	}
	return out
}

func encodeOidArc(v int) []byte {
	out := []byte{byte(v & 0x7F)}
	for v >>= 7; v > 0; v >>= 7 {
		out = append([]byte{byte(v&0x7F) | 0x80}, out...)
	}
	return out
}

func (b *backend) GenerateSM2Keypair(control p11.NewKeyControl) (p11.KeyId, error) {
	priv, pub, err := b.generateKeyPair(p11.CKM_VENDOR_SM2_KEY_PAIR_GEN, nil, control, true)
	if err != nil {
		return p11.KeyId{}, err
	}
	return b.finishKeyPair(p11.CKO_PRIVATE_KEY, priv, pub)
}

func (b *backend) GenerateSecretKey(p p11.SecretGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	mech, err := secretKeyGenMechanism(p.KeyType)
	if err != nil {
		return p11.KeyId{}, err
	}

	attrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, p11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, p.KeyType),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, control.Sensitive),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, control.Extractable),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, p.KeyBits/8),
	}
	if len(control.Id) > 0 {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_ID, control.Id))
	}
	if control.Label != "" {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_LABEL, control.Label))
	}

	var handle pkcs11.ObjectHandle
	err = b.inSession(func(session pkcs11.SessionHandle) error {
		h, err := b.ctx.GenerateKey(session, []*pkcs11.Mechanism{pkcs11.NewMechanism(mech, nil)}, attrs)
		if err != nil {
			return fmt.Errorf("generate secret key: %w", err)
		}
		handle = h
		return nil
	})
	if err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "generate secret key")
	}
	return b.readKeyId(p11.CKO_SECRET_KEY, handle)
}

func secretKeyGenMechanism(keyType uint64) (uint64, error) {
	switch keyType {
	case p11.CKK_AES:
		return p11.CKM_AES_KEY_GEN, nil
	case p11.CKK_GENERIC_SECRET:
		return p11.CKM_GENERIC_SECRET_KEY_GEN, nil
	default:
		return 0, xerrors.NewTokenError("no key-generation mechanism known for key type %#x", keyType)
	}
}

func (b *backend) ImportSecretKey(p p11.SecretImportParams, control p11.NewKeyControl) (p11.KeyId, error) {
	attrs := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, p11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, p.KeyType),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, p.Value),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, control.Sensitive),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, control.Extractable),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
	}
	if len(control.Id) > 0 {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_ID, control.Id))
	}
	if control.Label != "" {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_LABEL, control.Label))
	}

	var handle pkcs11.ObjectHandle
	err := b.inSession(func(session pkcs11.SessionHandle) error {
		h, err := b.ctx.CreateObject(session, attrs)
		if err != nil {
			return fmt.Errorf("import secret key: %w", err)
		}
		handle = h
		return nil
	})
	if err != nil {
		return p11.KeyId{}, xerrors.WrapTokenError(err, "import secret key")
	}
	return b.readKeyId(p11.CKO_SECRET_KEY, handle)
}

// Otf (on-the-fly) variants are not supported by the native backend: each
// returns a TokenError without calling the driver, and no private-key info
// is generated or exported.

func (b *backend) GenerateRSAKeypairOtf(p p11.RSAGenParams) ([]byte, error) {
	return nil, xerrors.NewTokenError("native backend does not support on-the-fly key export; use the emulator backend for ephemeral keys")
}

func (b *backend) GenerateDSAKeypairOtf(p p11.DSAGenParams) ([]byte, error) {
	return nil, xerrors.NewTokenError("native backend does not support on-the-fly key export; use the emulator backend for ephemeral keys")
}

func (b *backend) GenerateECKeypairOtf(p p11.ECGenParams) ([]byte, error) {
	return nil, xerrors.NewTokenError("native backend does not support on-the-fly key export; use the emulator backend for ephemeral keys")
}

func (b *backend) GenerateEdwardsKeypairOtf(p p11.ECGenParams) ([]byte, error) {
	return nil, xerrors.NewTokenError("native backend does not support on-the-fly key export; use the emulator backend for ephemeral keys")
}

func (b *backend) GenerateMontgomeryKeypairOtf(p p11.ECGenParams) ([]byte, error) {
	return nil, xerrors.NewTokenError("native backend does not support on-the-fly key export; use the emulator backend for ephemeral keys")
}

func (b *backend) GenerateSM2KeypairOtf() ([]byte, error) {
	return nil, xerrors.NewTokenError("native backend does not support on-the-fly key export; use the emulator backend for ephemeral keys")
}

// ulongToBytes encodes a CK_ULONG-sized mechanism parameter field as 8
// little-endian bytes, following the same raw-bytes approach xpki/crypto11 uses for
// CK_RSA_PKCS_PSS_PARAMS: miekg/pkcs11 has no PSSParams struct, only
// OAEPParams, so the PSS triple (hashAlg, mgf, sLen) has to be built by hand.
func ulongToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func (b *backend) mechanismParams(mechanism uint64, params p11.P11Params, extraParams []byte) *pkcs11.Mechanism {
	switch mechanism {
	case p11.CKM_RSA_PKCS_PSS, p11.CKM_SHA256_RSA_PKCS_PSS, p11.CKM_SHA384_RSA_PKCS_PSS, p11.CKM_SHA512_RSA_PKCS_PSS:
		pssParams := append(append(
			ulongToBytes(params.PSSHashAlg),
			ulongToBytes(params.PSSMgf)...),
			ulongToBytes(params.PSSSaltLen)...)
		return pkcs11.NewMechanism(mechanism, pssParams)
	case p11.CKM_RSA_PKCS_OAEP:
		return pkcs11.NewMechanism(mechanism, &pkcs11.OAEPParams{
			HashAlg:    uint(params.OAEPHashAlg),
			MGF:        uint(params.OAEPMgf),
			SourceType: uint(p11.CKZ_DATA_SPECIFIED),
			SourceData: params.OAEPSourceData,
		})
	default:
		if len(extraParams) > 0 {
			return pkcs11.NewMechanism(mechanism, extraParams)
		}
		return pkcs11.NewMechanism(mechanism, nil)
	}
}

func (b *backend) Sign(mechanism uint64, params p11.P11Params, extraParams []byte, keyHandle uint64, content []byte) ([]byte, error) {
	var sig []byte
	err := b.inSession(func(session pkcs11.SessionHandle) error {
		if err := b.ctx.SignInit(session, []*pkcs11.Mechanism{b.mechanismParams(mechanism, params, extraParams)}, pkcs11.ObjectHandle(keyHandle)); err != nil {
			return fmt.Errorf("sign init: %w", err)
		}
		out, err := b.ctx.Sign(session, content)
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}
		sig = out
		return nil
	})
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "sign mechanism=%#x handle=%d", mechanism, keyHandle)
	}
	return sig, nil
}

func (b *backend) DigestSecretKey(mechanism uint64, handle uint64) ([]byte, error) {
	var out []byte
	err := b.inSession(func(session pkcs11.SessionHandle) error {
		if err := b.ctx.SignInit(session, []*pkcs11.Mechanism{pkcs11.NewMechanism(mechanism, nil)}, pkcs11.ObjectHandle(handle)); err != nil {
			return fmt.Errorf("digest init: %w", err)
		}
		// The secret key's own value is signed by itself to produce a MAC
		// over an empty message, matching the HMAC-as-digest idiom used by
		// utils/dvx/hsm's kdf helper.
		res, err := b.ctx.Sign(session, []byte{})
		if err != nil {
			return fmt.Errorf("digest: %w", err)
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "digest secret key handle=%d", handle)
	}
	return out, nil
}

func (b *backend) ShowDetails(w io.Writer, objectHandle *uint64, verbose bool) error {
	fmt.Fprintf(w, "slot %s (native)\n", b.slotId)
	for _, class := range []uint64{p11.CKO_PRIVATE_KEY, p11.CKO_PUBLIC_KEY, p11.CKO_SECRET_KEY} {
		handles, err := b.findHandles(class, nil, "")
		if err != nil {
			return err
		}
		for _, h := range handles {
			if objectHandle != nil && uint64(h) != *objectHandle {
				continue
			}
			keyId, err := b.readKeyId(class, h)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  handle=%d class=%s id=%x label=%q\n", h, keyId.ObjectClass, keyId.Id, keyId.Label)
			if verbose {
				fmt.Fprintf(w, "    keyType=%#x\n", keyId.KeyType)
			}
		}
	}
	return nil
}

type privateEngine struct {
	backend *backend
	handle  pkcs11.ObjectHandle
}

func (e *privateEngine) Sign(mechanism uint64, params p11.P11Params, extraParams []byte, content []byte) ([]byte, error) {
	return e.backend.Sign(mechanism, params, extraParams, uint64(e.handle), content)
}

type secretEngine struct {
	backend *backend
	handle  pkcs11.ObjectHandle
}

func (e *secretEngine) Digest(mechanism uint64) ([]byte, error) {
	return e.backend.DigestSecretKey(mechanism, uint64(e.handle))
}
