package p11

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/xipki/commons/internal/xerrors"
)

// SlotBase implements the full slot contract of spec §4.2 by composing a
// backend-specific Backend with the invariants that must hold identically
// across native, emulator, and proxy: mechanism assertion, read-only
// enforcement, and id/label uniqueness. Backends never enforce these
// themselves -- SlotBase is the only place they're checked.
type SlotBase struct {
	module   *Module
	backend  Backend
	readOnly bool
	newObj   NewObjectConf

	// mu serializes the create/destroy id & label uniqueness check-then-act
	// sequence per spec §5 ("mutations of the slot's object set are not
	// atomic across backends; the implementer MUST serialize them per slot
	// with a per-slot mutex").
	mu sync.Mutex
}

// NewSlotBase wraps backend with the uniform slot contract.
func NewSlotBase(module *Module, backend Backend, readOnly bool, newObj NewObjectConf) *SlotBase {
	return &SlotBase{module: module, backend: backend, readOnly: readOnly, newObj: newObj}
}

// SlotId returns the identity of the wrapped backend's slot.
func (s *SlotBase) SlotId() SlotId { return s.backend.SlotId() }

func (s *SlotBase) assertWritable() error {
	if s.readOnly {
		return xerrors.NewTokenError("slot %s is read-only", s.SlotId())
	}
	return nil
}

func (s *SlotBase) assertMechanism(mechanism uint64) error {
	if !s.module.Filter().IsPermitted(s.SlotId(), mechanism, s.module) {
		return xerrors.NewTokenError("mechanism %#x not permitted on slot %s", mechanism, s.SlotId())
	}
	if supported := s.backend.SupportedMechanisms(); supported != nil {
		if _, ok := supported[mechanism]; !ok {
			return xerrors.NewTokenError("mechanism %#x not supported by slot %s", mechanism, s.SlotId())
		}
	}
	return nil
}

// GetKey resolves a Key by its canonical KeyId.
func (s *SlotBase) GetKey(id KeyId) (*Key, error) {
	key, found, err := s.backend.FindKeyByIdLabel(id.Id, id.Label)
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "get key")
	}
	if !found {
		return nil, xerrors.NewTokenError("key not found")
	}
	return key, nil
}

// GetKeyByIdLabel resolves a Key by id and/or label. At least one of the two
// must be present.
func (s *SlotBase) GetKeyByIdLabel(id []byte, label string) (*Key, error) {
	if len(id) == 0 && label == "" {
		return nil, xerrors.NewTokenError("key not found: neither id nor label given")
	}
	key, found, err := s.backend.FindKeyByIdLabel(id, label)
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "get key by id/label")
	}
	if !found {
		return nil, xerrors.NewTokenError("key not found")
	}
	return key, nil
}

// GetKeyId resolves the canonical KeyId for id/label without returning the
// full Key.
func (s *SlotBase) GetKeyId(id []byte, label string) (KeyId, error) {
	key, err := s.GetKeyByIdLabel(id, label)
	if err != nil {
		return KeyId{}, err
	}
	return key.Id, nil
}

// ObjectExistsByIdLabel is a predicate; at least one of id, label must be
// present.
func (s *SlotBase) ObjectExistsByIdLabel(id []byte, label string) (bool, error) {
	if len(id) == 0 && label == "" {
		return false, xerrors.NewTokenError("objectExistsByIdLabel requires id or label")
	}
	return s.backend.ObjectExistsByIdLabel(id, label)
}

// DestroyAllObjects destroys every object in the slot and returns the count
// destroyed.
func (s *SlotBase) DestroyAllObjects() (int, error) {
	if err := s.assertWritable(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.backend.DestroyAllObjects()
	if err != nil {
		return n, xerrors.WrapTokenError(err, "destroy all objects")
	}
	return n, nil
}

// DestroyObjectsByHandle destroys the objects named by handles, returning
// the handles that could not be destroyed.
func (s *SlotBase) DestroyObjectsByHandle(handles []uint64) ([]uint64, error) {
	if err := s.assertWritable(); err != nil {
		return handles, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	failed, err := s.backend.DestroyObjectsByHandle(handles)
	if err != nil {
		return failed, xerrors.WrapTokenError(err, "destroy objects by handle")
	}
	return failed, nil
}

// DestroyObjectsByIdLabel destroys objects matching id/label (at least one
// required), returning the count destroyed.
func (s *SlotBase) DestroyObjectsByIdLabel(id []byte, label string) (int, error) {
	if len(id) == 0 && label == "" {
		return 0, xerrors.NewTokenError("destroyObjectsByIdLabel requires id or label")
	}
	if err := s.assertWritable(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.backend.DestroyObjectsByIdLabel(id, label)
	if err != nil {
		return n, xerrors.WrapTokenError(err, "destroy objects by id/label")
	}
	return n, nil
}

// randomId draws idLength random bytes.
func randomId(idLength int) ([]byte, error) {
	id := make([]byte, idLength)
	if _, err := io.ReadFull(rand.Reader, id); err != nil {
		return nil, fmt.Errorf("p11: failed to read %d random bytes for id: %w", idLength, err)
	}
	return id, nil
}

// prepareNewKeyControl fills in a random unused id when the caller omitted
// one, and augments the label with a "-N" suffix when it would otherwise
// collide with an existing object (spec §4.2). Both loops terminate because
// the id space is large enough that collisions are negligible and the
// label suffix space is unbounded.
func (s *SlotBase) prepareNewKeyControl(control NewKeyControl) (NewKeyControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := control

	if len(out.Id) == 0 {
		for {
			id, err := randomId(s.newObj.IdLength)
			if err != nil {
				return control, err
			}
			exists, err := s.backend.ObjectExistsByIdLabel(id, "")
			if err != nil {
				return control, xerrors.WrapTokenError(err, "check id collision")
			}
			if !exists {
				out.Id = id
				break
			}
		}
	}

	if out.Label != "" && !s.backend.IgnoreLabel() {
		label := out.Label
		for suffix := 1; ; suffix++ {
			exists, err := s.backend.ObjectExistsByIdLabel(nil, label)
			if err != nil {
				return control, xerrors.WrapTokenError(err, "check label collision")
			}
			if !exists {
				out.Label = label
				break
			}
			label = fmt.Sprintf("%s-%d", out.Label, suffix)
		}
	}

	return out, nil
}

// GenerateRSAKeypair generates and stores an RSA keypair.
func (s *SlotBase) GenerateRSAKeypair(params RSAGenParams, control NewKeyControl) (KeyId, error) {
	if err := s.assertMechanism(CKM_RSA_PKCS_KEY_PAIR_GEN); err != nil {
		return KeyId{}, err
	}
	if err := s.assertWritable(); err != nil {
		return KeyId{}, err
	}
	control, err := s.prepareNewKeyControl(control)
	if err != nil {
		return KeyId{}, err
	}
	id, err := s.backend.GenerateRSAKeypair(params, control)
	if err != nil {
		return KeyId{}, xerrors.WrapTokenError(err, "generate RSA keypair")
	}
	return id, nil
}

// GenerateRSAKeypairOtf generates an ephemeral RSA keypair without storing
// it, returning the encoded private-key info.
func (s *SlotBase) GenerateRSAKeypairOtf(params RSAGenParams) ([]byte, error) {
	if err := s.assertMechanism(CKM_RSA_PKCS_KEY_PAIR_GEN); err != nil {
		return nil, err
	}
	out, err := s.backend.GenerateRSAKeypairOtf(params)
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "generate RSA keypair (otf)")
	}
	return out, nil
}

// GenerateDSAKeypair generates and stores a DSA keypair.
func (s *SlotBase) GenerateDSAKeypair(params DSAGenParams, control NewKeyControl) (KeyId, error) {
	if err := s.assertMechanism(CKM_DSA_KEY_PAIR_GEN); err != nil {
		return KeyId{}, err
	}
	if err := s.assertWritable(); err != nil {
		return KeyId{}, err
	}
	control, err := s.prepareNewKeyControl(control)
	if err != nil {
		return KeyId{}, err
	}
	id, err := s.backend.GenerateDSAKeypair(params, control)
	if err != nil {
		return KeyId{}, xerrors.WrapTokenError(err, "generate DSA keypair")
	}
	return id, nil
}

// GenerateDSAKeypairOtf generates an ephemeral DSA keypair.
func (s *SlotBase) GenerateDSAKeypairOtf(params DSAGenParams) ([]byte, error) {
	if err := s.assertMechanism(CKM_DSA_KEY_PAIR_GEN); err != nil {
		return nil, err
	}
	out, err := s.backend.GenerateDSAKeypairOtf(params)
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "generate DSA keypair (otf)")
	}
	return out, nil
}

// GenerateECKeypair generates and stores an EC keypair.
func (s *SlotBase) GenerateECKeypair(params ECGenParams, control NewKeyControl) (KeyId, error) {
	if err := s.assertMechanism(CKM_EC_KEY_PAIR_GEN); err != nil {
		return KeyId{}, err
	}
	if err := s.assertWritable(); err != nil {
		return KeyId{}, err
	}
	control, err := s.prepareNewKeyControl(control)
	if err != nil {
		return KeyId{}, err
	}
	id, err := s.backend.GenerateECKeypair(params, control)
	if err != nil {
		return KeyId{}, xerrors.WrapTokenError(err, "generate EC keypair")
	}
	return id, nil
}

// GenerateECKeypairOtf generates an ephemeral EC keypair.
func (s *SlotBase) GenerateECKeypairOtf(params ECGenParams) ([]byte, error) {
	if err := s.assertMechanism(CKM_EC_KEY_PAIR_GEN); err != nil {
		return nil, err
	}
	out, err := s.backend.GenerateECKeypairOtf(params)
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "generate EC keypair (otf)")
	}
	return out, nil
}

// GenerateEdwardsKeypair generates and stores an EdDSA keypair.
func (s *SlotBase) GenerateEdwardsKeypair(params ECGenParams, control NewKeyControl) (KeyId, error) {
	if err := s.assertMechanism(CKM_EC_EDWARDS_KEY_PAIR_GEN); err != nil {
		return KeyId{}, err
	}
	if err := s.assertWritable(); err != nil {
		return KeyId{}, err
	}
	control, err := s.prepareNewKeyControl(control)
	if err != nil {
		return KeyId{}, err
	}
	id, err := s.backend.GenerateEdwardsKeypair(params, control)
	if err != nil {
		return KeyId{}, xerrors.WrapTokenError(err, "generate Edwards keypair")
	}
	return id, nil
}

// GenerateEdwardsKeypairOtf generates an ephemeral EdDSA keypair.
func (s *SlotBase) GenerateEdwardsKeypairOtf(params ECGenParams) ([]byte, error) {
	if err := s.assertMechanism(CKM_EC_EDWARDS_KEY_PAIR_GEN); err != nil {
		return nil, err
	}
	out, err := s.backend.GenerateEdwardsKeypairOtf(params)
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "generate Edwards keypair (otf)")
	}
	return out, nil
}

// GenerateMontgomeryKeypair generates and stores a Montgomery (X25519/X448)
// keypair.
func (s *SlotBase) GenerateMontgomeryKeypair(params ECGenParams, control NewKeyControl) (KeyId, error) {
	if err := s.assertMechanism(CKM_EC_MONTGOMERY_KEY_PAIR_GEN); err != nil {
		return KeyId{}, err
	}
	if err := s.assertWritable(); err != nil {
		return KeyId{}, err
	}
	control, err := s.prepareNewKeyControl(control)
	if err != nil {
		return KeyId{}, err
	}
	id, err := s.backend.GenerateMontgomeryKeypair(params, control)
	if err != nil {
		return KeyId{}, xerrors.WrapTokenError(err, "generate Montgomery keypair")
	}
	return id, nil
}

// GenerateMontgomeryKeypairOtf generates an ephemeral Montgomery keypair.
func (s *SlotBase) GenerateMontgomeryKeypairOtf(params ECGenParams) ([]byte, error) {
	if err := s.assertMechanism(CKM_EC_MONTGOMERY_KEY_PAIR_GEN); err != nil {
		return nil, err
	}
	out, err := s.backend.GenerateMontgomeryKeypairOtf(params)
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "generate Montgomery keypair (otf)")
	}
	return out, nil
}

// GenerateSM2Keypair generates and stores an SM2 keypair.
func (s *SlotBase) GenerateSM2Keypair(control NewKeyControl) (KeyId, error) {
	if err := s.assertMechanism(CKM_VENDOR_SM2_KEY_PAIR_GEN); err != nil {
		return KeyId{}, err
	}
	if err := s.assertWritable(); err != nil {
		return KeyId{}, err
	}
	control, err := s.prepareNewKeyControl(control)
	if err != nil {
		return KeyId{}, err
	}
	id, err := s.backend.GenerateSM2Keypair(control)
	if err != nil {
		return KeyId{}, xerrors.WrapTokenError(err, "generate SM2 keypair")
	}
	return id, nil
}

// GenerateSM2KeypairOtf generates an ephemeral SM2 keypair.
func (s *SlotBase) GenerateSM2KeypairOtf() ([]byte, error) {
	if err := s.assertMechanism(CKM_VENDOR_SM2_KEY_PAIR_GEN); err != nil {
		return nil, err
	}
	out, err := s.backend.GenerateSM2KeypairOtf()
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "generate SM2 keypair (otf)")
	}
	return out, nil
}

// GenerateSecretKey generates and stores a secret key.
func (s *SlotBase) GenerateSecretKey(params SecretGenParams, control NewKeyControl) (KeyId, error) {
	mech, err := secretKeyGenMechanism(params.KeyType)
	if err != nil {
		return KeyId{}, err
	}
	if err := s.assertMechanism(mech); err != nil {
		return KeyId{}, err
	}
	if err := s.assertWritable(); err != nil {
		return KeyId{}, err
	}
	control, err = s.prepareNewKeyControl(control)
	if err != nil {
		return KeyId{}, err
	}
	id, err := s.backend.GenerateSecretKey(params, control)
	if err != nil {
		return KeyId{}, xerrors.WrapTokenError(err, "generate secret key")
	}
	return id, nil
}

// ImportSecretKey imports and stores an externally-supplied secret key.
func (s *SlotBase) ImportSecretKey(params SecretImportParams, control NewKeyControl) (KeyId, error) {
	if err := s.assertWritable(); err != nil {
		return KeyId{}, err
	}
	control, err := s.prepareNewKeyControl(control)
	if err != nil {
		return KeyId{}, err
	}
	id, err := s.backend.ImportSecretKey(params, control)
	if err != nil {
		return KeyId{}, xerrors.WrapTokenError(err, "import secret key")
	}
	return id, nil
}

func secretKeyGenMechanism(keyType uint64) (uint64, error) {
	switch keyType {
	case CKK_AES:
		return CKM_AES_KEY_GEN, nil
	case CKK_GENERIC_SECRET:
		return CKM_GENERIC_SECRET_KEY_GEN, nil
	default:
		return 0, xerrors.NewTokenError("no key-generation mechanism known for key type %#x", keyType)
	}
}

// Sign signs content with the key named by keyHandle, after asserting the
// mechanism is permitted.
func (s *SlotBase) Sign(mechanism uint64, params P11Params, extraParams []byte, keyHandle uint64, content []byte) ([]byte, error) {
	if err := s.assertMechanism(mechanism); err != nil {
		return nil, err
	}
	sig, err := s.backend.Sign(mechanism, params, extraParams, keyHandle, content)
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "sign")
	}
	return sig, nil
}

// DigestSecretKey digests a stored secret value.
func (s *SlotBase) DigestSecretKey(mechanism uint64, handle uint64) ([]byte, error) {
	if err := s.assertMechanism(mechanism); err != nil {
		return nil, err
	}
	out, err := s.backend.DigestSecretKey(mechanism, handle)
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "digest secret key")
	}
	return out, nil
}

// ShowDetails dumps a human-readable description of the slot's objects.
func (s *SlotBase) ShowDetails(w io.Writer, objectHandle *uint64, verbose bool) error {
	if err := s.backend.ShowDetails(w, objectHandle, verbose); err != nil {
		return fmt.Errorf("p11: show details: %w", err)
	}
	return nil
}
