package proxy

import (
	"context"
	"io"
	"time"

	logger "github.com/harwoeck/liblog/contract"

	"github.com/xipki/commons/internal/xerrors"
	"github.com/xipki/commons/pkg/p11"
	"github.com/xipki/commons/utils/tearc"
)

// Open builds a Module backed by a single remote module reachable through
// transport, asking the server for its slot list and registering one
// backend per returned slot id.
func Open(ctx context.Context, conf *p11.ModuleConf, mf *p11.MechanismFilter, pr *p11.PasswordRetriever, transport Transport, log logger.Logger) (*p11.Module, error) {
	log = log.Named("p11proxy")

	module := p11.NewModule(conf, mf, pr)
	module.SetCloser(func() error { return nil })

	mechCache, err := tearc.NewCache(256, 4, mechInfoLoader(transport), nil, &tearc.BucketConfig{MinTick: time.Second, MaxTick: 30 * time.Second}, log)
	if err != nil {
		return nil, xerrors.WrapInvalidConfiguration(err, "build proxy mechanism-info cache")
	}

	slotIds, err := call[LongArrayMessage](ctx, transport, ActionSlotIds, 0, nil)
	if err != nil {
		return nil, xerrors.WrapTokenError(err, "list remote slot ids")
	}

	for idx, rawId := range slotIds.Values {
		slotId := p11.SlotId{Index: uint64(idx), Id: rawId}
		b := &backend{
			ctx:         ctx,
			slotId:      slotId,
			transport:   transport,
			log:         log.Named(slotId.String()),
			mechCache:   mechCache,
			ignoreLabel: conf.NewObjectConf.IgnoreLabel,
		}
		module.AddSlot(p11.NewSlotBase(module, b, conf.ReadOnly, conf.NewObjectConf))
	}

	return module, nil
}

// mechInfoLoader adapts a Transport round-trip into a tearc.LoaderFunc, so
// the mechanism-info response for a slot is cached with a bounded,
// reaper-evicted TTL instead of round-tripping on every SupportedMechanisms
// call.
func mechInfoLoader(transport Transport) tearc.LoaderFunc {
	return func(key string, info interface{}) (interface{}, time.Duration, error) {
		slotId, _ := info.(uint64)
		resp, err := call[GetMechanismInfosResponse](context.Background(), transport, ActionMechInfos, slotId, nil)
		if err != nil {
			return nil, 0, err
		}
		return resp, 5 * time.Minute, nil
	}
}

type backend struct {
	ctx         context.Context
	slotId      p11.SlotId
	transport   Transport
	log         logger.Logger
	mechCache   tearc.Cache
	ignoreLabel bool
}

func (b *backend) SlotId() p11.SlotId { return b.slotId }
func (b *backend) IgnoreLabel() bool  { return b.ignoreLabel }

// SupportedMechanisms asks the cached mechanism-info response; a nil map
// falls back to "no extra restriction beyond the filter" if the round-trip
// fails, since the proxy can't enumerate mechanisms locally on error.
func (b *backend) SupportedMechanisms() map[uint64]struct{} {
	v, err := b.mechCache.Get(b.slotId.String(), b.slotId.Id)
	if err != nil {
		return nil
	}
	resp, ok := v.(GetMechanismInfosResponse)
	if !ok {
		return nil
	}
	out := make(map[uint64]struct{}, len(resp.Infos))
	for _, m := range resp.Infos {
		out[m.Mechanism] = struct{}{}
	}
	return out
}

func keyIdFromMessage(m KeyIdMessage) p11.KeyId {
	return p11.KeyId{
		Handle:          m.Handle,
		ObjectClass:     p11.ObjectClass(m.ObjectClass),
		KeyType:         m.KeyType,
		Id:              m.Id,
		Label:           m.Label,
		PublicKeyHandle: m.PublicKeyHandle,
	}
}

type idLabelRequest struct {
	Id    []byte
	Label string
}

func (b *backend) FindKeyByIdLabel(id []byte, label string) (*p11.Key, bool, error) {
	resp, err := call[P11KeyResponse](b.ctx, b.transport, ActionKeyByIdLabel, b.slotId.Id, idLabelRequest{Id: id, Label: label})
	if err != nil {
		return nil, false, err
	}
	if len(resp.KeyId.Id) == 0 && resp.KeyId.Label == "" {
		return nil, false, nil
	}
	keyId := keyIdFromMessage(resp.KeyId)
	key := &p11.Key{Id: keyId}
	switch keyId.ObjectClass {
	case p11.ObjectClassSecretKey:
		key.SecretKey = &remoteSecretEngine{backend: b, handle: keyId.Handle}
	default:
		key.PrivateKey = &remotePrivateEngine{backend: b, handle: keyId.Handle}
		if resp.RSA != nil {
			key.Params = &p11.KeyParams{RSA: &p11.RSAParams{Modulus: resp.RSA.Modulus, PublicExponent: resp.RSA.PublicExponent}}
		} else if resp.DSA != nil {
			key.Params = &p11.KeyParams{DSA: &p11.DSAParams{P: resp.DSA.P, Q: resp.DSA.Q, G: resp.DSA.G}}
		} else if resp.EC != nil {
			key.Params = &p11.KeyParams{EC: &p11.ECParams{CurveOid: resp.EC.CurveOid}}
		}
	}
	return key, true, nil
}

func (b *backend) ObjectExistsByIdLabel(id []byte, label string) (bool, error) {
	resp, err := call[BooleanMessage](b.ctx, b.transport, ActionObjectExistsByIdLabel, b.slotId.Id, idLabelRequest{Id: id, Label: label})
	return resp.Value, err
}

func (b *backend) DestroyAllObjects() (int, error) {
	resp, err := call[IntMessage](b.ctx, b.transport, ActionDestroyAllObjects, b.slotId.Id, nil)
	return resp.Value, err
}

func (b *backend) DestroyObjectsByHandle(handles []uint64) ([]uint64, error) {
	resp, err := call[LongArrayMessage](b.ctx, b.transport, ActionDestroyObjectsByHandle, b.slotId.Id, handles)
	return resp.Values, err
}

func (b *backend) DestroyObjectsByIdLabel(id []byte, label string) (int, error) {
	resp, err := call[IntMessage](b.ctx, b.transport, ActionDestroyObjectsByIdLabel, b.slotId.Id, idLabelRequest{Id: id, Label: label})
	return resp.Value, err
}

type genKeyControlRequest struct {
	Params  interface{}
	Control p11.NewKeyControl
}

func (b *backend) generate(action Action, params interface{}, control p11.NewKeyControl) (p11.KeyId, error) {
	resp, err := call[KeyIdMessage](b.ctx, b.transport, action, b.slotId.Id, genKeyControlRequest{Params: params, Control: control})
	if err != nil {
		return p11.KeyId{}, err
	}
	return keyIdFromMessage(resp), nil
}

func (b *backend) generateOtf(action Action, params interface{}) ([]byte, error) {
	resp, err := call[ByteArrayMessage](b.ctx, b.transport, action, b.slotId.Id, params)
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (b *backend) GenerateRSAKeypair(p p11.RSAGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	return b.generate(ActionGenRSAKeypair, p, control)
}
func (b *backend) GenerateRSAKeypairOtf(p p11.RSAGenParams) ([]byte, error) {
	return b.generateOtf(ActionGenRSAKeypairOtf, p)
}
func (b *backend) GenerateDSAKeypair(p p11.DSAGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	return b.generate(ActionGenDSAKeypair, p, control)
}
func (b *backend) GenerateDSAKeypairOtf(p p11.DSAGenParams) ([]byte, error) {
	return b.generateOtf(ActionGenDSAKeypairOtf, p)
}
func (b *backend) GenerateECKeypair(p p11.ECGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	return b.generate(ActionGenECKeypair, p, control)
}

// GenerateECKeypairOtf dispatches ActionGenECKeypairOtf, the correct tag --
// the wire format's genECKeypairOtf action, not the plain-keypair tag a
// copy-paste of the store-and-return path would send.
func (b *backend) GenerateECKeypairOtf(p p11.ECGenParams) ([]byte, error) {
	return b.generateOtf(ActionGenECKeypairOtf, p)
}

// Edwards and Montgomery keypairs have no dedicated proxy action in the
// closed action set (spec §6); they round-trip through the generic EC
// actions with CurveOid carrying the Edwards/Montgomery curve name.
func (b *backend) GenerateEdwardsKeypair(p p11.ECGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	return b.generate(ActionGenECKeypair, p, control)
}
func (b *backend) GenerateEdwardsKeypairOtf(p p11.ECGenParams) ([]byte, error) {
	return b.generateOtf(ActionGenECKeypairOtf, p)
}
func (b *backend) GenerateMontgomeryKeypair(p p11.ECGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	return b.generate(ActionGenECKeypair, p, control)
}
func (b *backend) GenerateMontgomeryKeypairOtf(p p11.ECGenParams) ([]byte, error) {
	return b.generateOtf(ActionGenECKeypairOtf, p)
}

func (b *backend) GenerateSM2Keypair(control p11.NewKeyControl) (p11.KeyId, error) {
	return b.generate(ActionGenSM2Keypair, nil, control)
}
func (b *backend) GenerateSM2KeypairOtf() ([]byte, error) {
	return b.generateOtf(ActionGenSM2KeypairOtf, nil)
}

// GenerateSecretKey and ImportSecretKey are store-and-return only: the server
// stores the key and replies with its KeyIdMessage.
func (b *backend) GenerateSecretKey(p p11.SecretGenParams, control p11.NewKeyControl) (p11.KeyId, error) {
	return b.generate(ActionGenSecretKey, p, control)
}
func (b *backend) ImportSecretKey(p p11.SecretImportParams, control p11.NewKeyControl) (p11.KeyId, error) {
	return b.generate(ActionImportSecretKey, p, control)
}

type signRequest struct {
	Mechanism   uint64
	Params      p11.P11Params
	ExtraParams []byte
	KeyHandle   uint64
	Content     []byte
}

func (b *backend) Sign(mechanism uint64, params p11.P11Params, extraParams []byte, keyHandle uint64, content []byte) ([]byte, error) {
	resp, err := call[ByteArrayMessage](b.ctx, b.transport, ActionSign, b.slotId.Id, signRequest{Mechanism: mechanism, Params: params, ExtraParams: extraParams, KeyHandle: keyHandle, Content: content})
	return resp.Value, err
}

type digestRequest struct {
	Mechanism uint64
	Handle    uint64
}

func (b *backend) DigestSecretKey(mechanism uint64, handle uint64) ([]byte, error) {
	resp, err := call[ByteArrayMessage](b.ctx, b.transport, ActionDigestSecretKey, b.slotId.Id, digestRequest{Mechanism: mechanism, Handle: handle})
	return resp.Value, err
}

func (b *backend) ShowDetails(w io.Writer, objectHandle *uint64, verbose bool) error {
	resp, err := call[ByteArrayMessage](b.ctx, b.transport, ActionShowDetails, b.slotId.Id, struct {
		ObjectHandle *uint64
		Verbose      bool
	}{objectHandle, verbose})
	if err != nil {
		return err
	}
	_, err = w.Write(resp.Value)
	return err
}

type remotePrivateEngine struct {
	backend *backend
	handle  uint64
}

func (e *remotePrivateEngine) Sign(mechanism uint64, params p11.P11Params, extraParams []byte, content []byte) ([]byte, error) {
	return e.backend.Sign(mechanism, params, extraParams, e.handle, content)
}

type remoteSecretEngine struct {
	backend *backend
	handle  uint64
}

func (e *remoteSecretEngine) Digest(mechanism uint64) ([]byte, error) {
	return e.backend.DigestSecretKey(mechanism, e.handle)
}
