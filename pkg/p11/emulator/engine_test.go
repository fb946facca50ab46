package emulator

import (
	"crypto"
	"crypto/dsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xipki/commons/pkg/p11"
)

func TestMarshalUnmarshalPrivateRSA(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	der, err := marshalPrivate(p11.CKK_RSA, priv)
	require.NoError(t, err)

	got, err := unmarshalPrivate(p11.CKK_RSA, der)
	require.NoError(t, err)
	assert.Equal(t, priv.D, got.(*rsa.PrivateKey).D)
}

func TestMarshalUnmarshalPrivateDSA(t *testing.T) {
	var params dsa.Parameters
	require.NoError(t, dsa.GenerateParameters(&params, rand.Reader, dsa.L1024N160))
	var priv dsa.PrivateKey
	priv.Parameters = params
	require.NoError(t, dsa.GenerateKey(&priv, rand.Reader))

	der, err := marshalPrivate(p11.CKK_DSA, &priv)
	require.NoError(t, err)

	got, err := unmarshalPrivate(p11.CKK_DSA, der)
	require.NoError(t, err)
	gotDSA := got.(*dsa.PrivateKey)
	assert.Equal(t, priv.X, gotDSA.X)
	assert.Equal(t, priv.Y, gotDSA.Y)
}

func TestMarshalUnmarshalPrivateEdwards(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	der, err := marshalPrivate(p11.CKK_EC_EDWARDS, priv)
	require.NoError(t, err)

	got, err := unmarshalPrivate(p11.CKK_EC_EDWARDS, der)
	require.NoError(t, err)
	assert.Equal(t, priv, got.(ed25519.PrivateKey))
}

func TestPrivateEngineSignRSA(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	e := &privateEngine{keyType: p11.CKK_RSA, signer: priv}

	// CKM_SHA256_RSA_PKCS is a combined mechanism: it hashes the raw
	// message internally as part of the sign operation (PKCS#11 semantics),
	// so the input here is the message, not a pre-computed digest.
	message := []byte("message")
	sig, err := e.Sign(p11.CKM_SHA256_RSA_PKCS, p11.P11Params{}, nil, message)
	require.NoError(t, err)
	hash := sha256.Sum256(message)
	assert.NoError(t, rsa.VerifyPKCS1v15(&priv.PublicKey, crypto.SHA256, hash[:], sig))
}

func TestPrivateEngineSignEdwards(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	e := &privateEngine{keyType: p11.CKK_EC_EDWARDS, signer: priv}

	sig, err := e.Sign(0, p11.P11Params{}, nil, []byte("hello"))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, []byte("hello"), sig))
}

func TestSecretEngineDigestHashesStoredValue(t *testing.T) {
	e := &secretEngine{value: []byte("mac-key")}
	got, err := e.Digest(p11.CKM_SHA256_HMAC)
	require.NoError(t, err)
	want := sha256.Sum256(e.value)
	assert.Equal(t, want[:], got, "digestSecretKey hashes the stored value itself, not an HMAC over an empty message")

	_, err = e.Digest(p11.CKM_RSA_PKCS)
	assert.Error(t, err, "only the digest mechanisms are supported")
}
