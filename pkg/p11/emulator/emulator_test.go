package emulator

import (
	"crypto/dsa"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xipki/commons/internal/obslog"
	"github.com/xipki/commons/pkg/p11"
)

func newTestEmulatorBackend(t *testing.T) *backend {
	t.Helper()
	dir := t.TempDir()
	log := obslog.New()
	return &backend{
		slotId:              p11.SlotId{Index: 0, Id: 0},
		baseDir:             dir,
		cryptor:             KeyCryptor{},
		wrapKey:             KeyCryptor{}.DeriveKey([]byte("test-password"), []byte("0123456789abcdef")),
		log:                 log,
		auditLog:            log,
		namedCurveSupported: true,
	}
}

func TestGenerateRSAKeypairRoundTripsPublicExponent(t *testing.T) {
	b := newTestEmulatorBackend(t)
	control := p11.NewKeyControl{Id: []byte{1, 2, 3}, Label: "rsa-key"}

	keyId, err := b.GenerateRSAKeypair(p11.RSAGenParams{KeySizeBits: 1024}, control)
	require.NoError(t, err)

	priv, found, err := b.FindKeyByIdLabel(keyId.Id, "")
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, priv.Params)
	require.NotNil(t, priv.Params.RSA)
	assert.NotEmpty(t, priv.Params.RSA.Modulus)
	assert.Equal(t, []byte{0x01, 0x00, 0x01}, priv.Params.RSA.PublicExponent, "the standard rsa.GenerateKey exponent is 65537")
}

func TestGenerateMontgomeryKeypairRoundTrips(t *testing.T) {
	b := newTestEmulatorBackend(t)
	control := p11.NewKeyControl{Id: []byte{9, 9}, Label: "x25519-key"}

	keyId, err := b.GenerateMontgomeryKeypair(p11.ECGenParams{CurveOid: "x25519"}, control)
	require.NoError(t, err)

	// Before the fix, looking this key back up failed: unmarshalPrivate has
	// no CKK_EC_MONTGOMERY case, so the private record never round-tripped.
	key, found, err := b.FindKeyByIdLabel(keyId.Id, "")
	require.NoError(t, err)
	require.True(t, found)
	assert.Nil(t, key.PrivateKey, "montgomery keys expose no PrivateKeyEngine")
}

func TestGenerateECKeypairNamedCurveSupportedTogglesEncoding(t *testing.T) {
	named := newTestEmulatorBackend(t)
	named.namedCurveSupported = true
	explicit := newTestEmulatorBackend(t)
	explicit.namedCurveSupported = false

	controlA := p11.NewKeyControl{Id: []byte{1}, Label: "a"}
	controlB := p11.NewKeyControl{Id: []byte{1}, Label: "b"}

	_, err := named.GenerateECKeypair(p11.ECGenParams{CurveOid: "P-256"}, controlA)
	require.NoError(t, err)
	_, err = explicit.GenerateECKeypair(p11.ECGenParams{CurveOid: "P-256"}, controlB)
	require.NoError(t, err)

	namedRec, found, err := named.publicRecordFor(controlA.Id)
	require.NoError(t, err)
	require.True(t, found)
	explicitRec, found, err := explicit.publicRecordFor(controlB.Id)
	require.NoError(t, err)
	require.True(t, found)

	assert.NotEqual(t, namedRec.ecParams, explicitRec.ecParams, "namedCurveSupported must change the ecParams encoding")
	assert.Greater(t, len(explicitRec.ecParams), len(namedRec.ecParams), "explicit curve parameters encode far more than a bare OID")
}

func TestGenerateDSAKeypairPersistsDomainParameters(t *testing.T) {
	b := newTestEmulatorBackend(t)
	control := p11.NewKeyControl{Id: []byte{4}, Label: "dsa-key"}

	var params dsa.Parameters
	require.NoError(t, dsa.GenerateParameters(&params, rand.Reader, dsa.L1024N160))

	keyId, err := b.GenerateDSAKeypair(p11.DSAGenParams{
		P: params.P.Bytes(), Q: params.Q.Bytes(), G: params.G.Bytes(),
	}, control)
	require.NoError(t, err)

	key, found, err := b.FindKeyByIdLabel(keyId.Id, "")
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, key.Params)
	require.NotNil(t, key.Params.DSA)
	assert.NotEmpty(t, key.Params.DSA.P)
	assert.NotEmpty(t, key.Params.DSA.Q)
	assert.NotEmpty(t, key.Params.DSA.G)
}
