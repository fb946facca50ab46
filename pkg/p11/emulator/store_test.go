package emulator

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := record{class: "private", keyType: 1, id: []byte{1, 2, 3}, label: "my-key", keyspec: "bits=2048", extractable: true}
	value := []byte("sealed private key bytes")

	require.NoError(t, writeRecord(dir, r, value))

	got, gotValue, ok, err := readRecord(dir, "private", r.id, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r.keyType, got.keyType)
	assert.Equal(t, r.label, got.label)
	assert.Equal(t, r.keyspec, got.keyspec)
	assert.True(t, got.extractable)
	assert.Equal(t, value, gotValue)
}

func TestWriteRecordUsesDocumentedKeyNames(t *testing.T) {
	dir := t.TempDir()
	r := record{class: "private", keyType: 1, id: []byte{0xab}, label: "my-key"}
	require.NoError(t, writeRecord(dir, r, []byte("sealed")))

	infoPath, _ := recordPaths(dir, "private", r.id)
	info, err := os.ReadFile(infoPath)
	require.NoError(t, err)
	text := string(info)

	for _, key := range []string{"id=", "label=", "keytype=", "algo=", "algorithm=", "sha1="} {
		assert.Contains(t, text, key, "spec.md's documented .info keys must be written as-is")
	}
	assert.NotContains(t, text, "keyType=", "the legacy camelCase key name must not reappear")
	assert.NotContains(t, text, "integrity=", "the integrity tag must be written under sha1, not integrity")
}

func TestWriteRecordPublicKeyHasNoValueFile(t *testing.T) {
	dir := t.TempDir()
	r := record{
		class: "public", keyType: 0, id: []byte{1}, label: "pub",
		modulus: []byte{0x01, 0x02}, publicExponent: []byte{0x01, 0x00, 0x01},
	}
	require.NoError(t, writeRecord(dir, r, nil))

	_, valuePath := recordPaths(dir, "public", r.id)
	_, err := os.Stat(valuePath)
	assert.True(t, os.IsNotExist(err), "public records store their material in .info, not a .value file")

	got, _, ok, err := readRecord(dir, "public", r.id, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r.modulus, got.modulus)
	assert.Equal(t, r.publicExponent, got.publicExponent)
}

func TestReadRecordMissingIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	_, _, ok, err := readRecord(dir, "private", []byte{9, 9}, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadRecordLabelMismatchNotFound(t *testing.T) {
	dir := t.TempDir()
	r := record{class: "private", id: []byte{1}, label: "alpha"}
	require.NoError(t, writeRecord(dir, r, []byte("value")))

	_, _, ok, err := readRecord(dir, "private", r.id, "beta")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadRecordDetectsTamperedValue(t *testing.T) {
	dir := t.TempDir()
	r := record{class: "private", id: []byte{7}, label: "tampered"}
	require.NoError(t, writeRecord(dir, r, []byte("original")))

	_, valuePath := recordPaths(dir, "private", r.id)
	require.NoError(t, os.WriteFile(valuePath, []byte("corrupted"), 0o600))

	_, _, _, err := readRecord(dir, "private", r.id, "")
	assert.Error(t, err)
}

func TestListAndDeleteRecords(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeRecord(dir, record{class: "secret", id: []byte{1}, label: "a"}, []byte("v1")))
	require.NoError(t, writeRecord(dir, record{class: "secret", id: []byte{2}, label: "b"}, []byte("v2")))

	all, err := listRecords(dir, "secret")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, deleteRecord(dir, "secret", []byte{1}))
	remaining, err := listRecords(dir, "secret")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
	assert.Equal(t, "b", remaining[0].label)
}

func TestReadSlotInfoDefaultsToNamedCurveSupported(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, readSlotInfo(dir))
}

func TestReadSlotInfoHonorsNamedCurveSupportedFalse(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/slot.info", []byte("namedCurveSupported=false\n"), 0o600))
	assert.False(t, readSlotInfo(dir))
}

func TestAlgoNameForIsWrittenUnderBothKeys(t *testing.T) {
	dir := t.TempDir()
	r := record{class: "private", keyType: 0 /* CKK_RSA */, id: []byte{1}, label: "x"}
	require.NoError(t, writeRecord(dir, r, []byte("v")))
	infoPath, _ := recordPaths(dir, "private", r.id)
	info, err := os.ReadFile(infoPath)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(info), "algo=RSA") && strings.Contains(string(info), "algorithm=RSA"))
}
