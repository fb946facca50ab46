// Package proxy implements the Backend contract (C7) as a thin client that
// encodes every operation as a CBOR request keyed by an action tag and slot
// id, and decodes typed responses. The wire codec is
// github.com/fxamacker/cbor/v2 with canonical encoding options so requests
// are deterministic byte-for-byte across calls, the way the proxy's server
// counterpart would expect to verify/replay them.
package proxy

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/xipki/commons/internal/xerrors"
)

// Action is the closed enumeration of proxy operations; numeric values are
// the enum ordinals (spec §6).
type Action int

const (
	ActionModuleCaps Action = iota
	ActionSlotIds
	ActionMechInfos
	ActionPublicKeyByHandle
	ActionKeyByKeyId
	ActionKeyByIdLabel
	ActionKeyIdByIdLabel
	ActionObjectExistsByIdLabel
	ActionDestroyAllObjects
	ActionDestroyObjectsByHandle
	ActionDestroyObjectsByIdLabel
	ActionGenSecretKey
	ActionImportSecretKey
	ActionGenRSAKeypair
	ActionGenRSAKeypairOtf
	ActionGenDSAKeypair2
	ActionGenDSAKeypair
	ActionGenDSAKeypairOtf
	ActionGenECKeypair
	ActionGenECKeypairOtf
	ActionGenSM2Keypair
	ActionGenSM2KeypairOtf
	ActionShowDetails
	ActionSign
	ActionDigestSecretKey
)

// Transport exchanges opaque request/response byte arrays with the proxy
// server. Spec.md treats the transport as an injected dependency ("Non-goal:
// providing a transport for the proxy"); this interface is the seam.
type Transport interface {
	Send(ctx context.Context, action Action, req []byte) ([]byte, error)
}

var encMode = func() cbor.EncMode {
	m, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("proxy: build canonical cbor encoder: %v", err))
	}
	return m
}()

// request is the outer envelope: [slotId, payload].
type request struct {
	_       struct{} `cbor:",toarray"`
	SlotId  uint64
	Payload interface{}
}

func encodeRequest(slotId uint64, payload interface{}) ([]byte, error) {
	b, err := encMode.Marshal(request{SlotId: slotId, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("proxy: encode request: %w", err)
	}
	return b, nil
}

// ByteArrayMessage wraps a byte-array response (signatures, digests,
// otf private key info).
type ByteArrayMessage struct {
	Value []byte
}

// IntMessage wraps an int response.
type IntMessage struct {
	Value int
}

// LongMessage wraps a 64-bit response (a handle).
type LongMessage struct {
	Value uint64
}

// LongArrayMessage wraps a list of handles.
type LongArrayMessage struct {
	Values []uint64
}

// BooleanMessage wraps a boolean response.
type BooleanMessage struct {
	Value bool
}

// KeyIdMessage wraps a full KeyId response from a store-and-return
// generation call.
type KeyIdMessage struct {
	Handle          uint64
	ObjectClass     int
	KeyType         uint64
	Id              []byte
	Label           string
	PublicKeyHandle *uint64
}

// P11KeyResponse wraps a Key lookup response (KeyId plus algorithm params).
type P11KeyResponse struct {
	KeyId  KeyIdMessage
	RSA    *struct{ Modulus, PublicExponent []byte }
	DSA    *struct{ P, Q, G []byte }
	EC     *struct{ CurveOid string }
}

// MechanismInfo is one entry of a GetMechanismInfosResponse.
type MechanismInfo struct {
	Mechanism uint64
	MinKeySize, MaxKeySize int
}

// GetMechanismInfosResponse wraps the module's supported mechanism list.
type GetMechanismInfosResponse struct {
	Infos []MechanismInfo
}

// replyClass identifies which concrete message type a response payload
// decodes into. Every reply carries its class in the wire envelope (see
// responseEnvelope) so a response whose shape doesn't match the action's
// expected reply class surfaces as a protocol error in call, instead of
// cbor.Unmarshal silently zero-filling the fields T doesn't share with
// whatever the server actually sent (spec §4.6, §6, scenario S4).
type replyClass int

const (
	replyClassByteArray replyClass = iota
	replyClassInt
	replyClassLong
	replyClassLongArray
	replyClassBoolean
	replyClassKeyId
	replyClassP11Key
	replyClassMechInfos
)

// wireReply is implemented by every concrete response message type, giving
// call a way to learn the class its own type argument expects without a
// runtime type switch.
type wireReply interface {
	replyClass() replyClass
}

func (ByteArrayMessage) replyClass() replyClass          { return replyClassByteArray }
func (IntMessage) replyClass() replyClass                { return replyClassInt }
func (LongMessage) replyClass() replyClass               { return replyClassLong }
func (LongArrayMessage) replyClass() replyClass          { return replyClassLongArray }
func (BooleanMessage) replyClass() replyClass            { return replyClassBoolean }
func (KeyIdMessage) replyClass() replyClass              { return replyClassKeyId }
func (P11KeyResponse) replyClass() replyClass            { return replyClassP11Key }
func (GetMechanismInfosResponse) replyClass() replyClass { return replyClassMechInfos }

// responseEnvelope is the outer frame of every proxy response: a reply
// class tag plus the class-specific payload, encoded separately so the tag
// can be checked before the payload is ever decoded into a concrete type.
type responseEnvelope struct {
	_       struct{} `cbor:",toarray"`
	Class   replyClass
	Payload cbor.RawMessage
}

// encodeResponse builds a responseEnvelope around payload, tagging it with
// payload's own reply class. The proxy server side isn't implemented by
// this module (Transport is an injected dependency), but this is the
// framing call expects back, and what test doubles use to construct
// responses.
func encodeResponse(payload wireReply) ([]byte, error) {
	raw, err := encMode.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("proxy: encode response payload: %w", err)
	}
	b, err := encMode.Marshal(responseEnvelope{Class: payload.replyClass(), Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("proxy: encode response envelope: %w", err)
	}
	return b, nil
}

func call[T wireReply](ctx context.Context, t Transport, action Action, slotId uint64, payload interface{}) (T, error) {
	var zero T
	req, err := encodeRequest(slotId, payload)
	if err != nil {
		return zero, err
	}
	respBytes, err := t.Send(ctx, action, req)
	if err != nil {
		return zero, xerrors.WrapTokenError(err, "proxy transport action=%d", action)
	}
	if len(respBytes) == 0 {
		return zero, nil
	}
	var env responseEnvelope
	if err := cbor.Unmarshal(respBytes, &env); err != nil {
		return zero, xerrors.WrapTokenError(err, "decode proxy response envelope action=%d", action)
	}
	if want := zero.replyClass(); env.Class != want {
		return zero, xerrors.NewTokenError("proxy response for action=%d has reply class %d, want %d", action, env.Class, want)
	}
	var resp T
	if err := cbor.Unmarshal(env.Payload, &resp); err != nil {
		return zero, xerrors.WrapTokenError(err, "decode proxy response payload action=%d", action)
	}
	return resp, nil
}
