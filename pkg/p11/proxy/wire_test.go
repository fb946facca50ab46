package proxy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionOrdinalsAreStable(t *testing.T) {
	// The wire protocol identifies an operation by this ordinal alone, so
	// reordering the iota block would silently change every client's
	// meaning of "action 7" without a compile error anywhere.
	assert.Equal(t, Action(0), ActionModuleCaps)
	assert.Equal(t, Action(1), ActionSlotIds)
	assert.Equal(t, Action(2), ActionMechInfos)
	assert.Equal(t, Action(23), ActionSign)
	assert.Equal(t, Action(24), ActionDigestSecretKey)
}

func TestEncodeRequestIsCanonicalAndDeterministic(t *testing.T) {
	a, err := encodeRequest(7, map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := encodeRequest(7, map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b, "canonical CBOR encoding must not depend on map iteration order")
}

type fakeTransport struct {
	resp []byte
	err  error
	gotAction Action
}

func (t *fakeTransport) Send(ctx context.Context, action Action, req []byte) ([]byte, error) {
	t.gotAction = action
	return t.resp, t.err
}

func TestCallDecodesTypedResponse(t *testing.T) {
	encoded, err := encodeResponse(LongArrayMessage{Values: []uint64{1, 2, 3}})
	require.NoError(t, err)
	transport := &fakeTransport{resp: encoded}

	resp, err := call[LongArrayMessage](context.Background(), transport, ActionSlotIds, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, resp.Values)
	assert.Equal(t, ActionSlotIds, transport.gotAction)
}

func TestCallWrapsTransportError(t *testing.T) {
	transport := &fakeTransport{err: assert.AnError}
	_, err := call[LongArrayMessage](context.Background(), transport, ActionSlotIds, 0, nil)
	assert.Error(t, err)
}

func TestCallEmptyResponseReturnsZeroValue(t *testing.T) {
	transport := &fakeTransport{}
	resp, err := call[BooleanMessage](context.Background(), transport, ActionObjectExistsByIdLabel, 0, nil)
	require.NoError(t, err)
	assert.False(t, resp.Value)
}

// TestCallRejectsMismatchedReplyClass covers scenario S4: a server reply
// whose class doesn't match what the caller asked to decode into must
// surface as an error, not a zero-valued T. Without the reply-class tag
// cbor.Unmarshal would decode a ByteArrayMessage payload into a KeyIdMessage
// with no error at all, just zero fields.
func TestCallRejectsMismatchedReplyClass(t *testing.T) {
	encoded, err := encodeResponse(ByteArrayMessage{Value: []byte("not-a-key-id")})
	require.NoError(t, err)
	transport := &fakeTransport{resp: encoded}

	_, err = call[KeyIdMessage](context.Background(), transport, ActionKeyByIdLabel, 0, nil)
	require.Error(t, err)
}
