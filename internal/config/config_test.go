package config

import (
	"bytes"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadConfig(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(yaml)))
	return v
}

func TestBuildEmulatorModule(t *testing.T) {
	v := loadConfig(t, `
modules:
  - name: soft
    type: emulator
    user: USER
    maxMessageSize: 4096
    newObjectConf:
      idLength: 10
    mechanismSets:
      rsa: ["CKM_RSA_PKCS", "CKM_RSA_PKCS_PSS"]
    mechanismFilters:
      - mechanismSets: ["rsa"]
`)

	conf, mf, pr, err := Build(v, "soft")
	require.NoError(t, err)
	require.NotNil(t, mf)
	require.NotNil(t, pr)

	assert.Equal(t, "emulator", conf.Type)
	assert.Equal(t, 10, conf.NewObjectConf.IdLength)
	assert.Equal(t, uint64(1), conf.UserType)
}

func TestBuildDefaultsIdLength(t *testing.T) {
	v := loadConfig(t, `
modules:
  - name: soft
    type: emulator
    user: USER
`)
	conf, _, _, err := Build(v, "soft")
	require.NoError(t, err)
	assert.Equal(t, 8, conf.NewObjectConf.IdLength)
}

func TestBuildRejectsSecurityOfficer(t *testing.T) {
	v := loadConfig(t, `
modules:
  - name: soft
    type: emulator
    user: SO
`)
	_, _, _, err := Build(v, "soft")
	require.Error(t, err)
}

func TestBuildRejectsSmallMaxMessageSize(t *testing.T) {
	v := loadConfig(t, `
modules:
  - name: soft
    type: emulator
    user: USER
    maxMessageSize: 128
`)
	_, _, _, err := Build(v, "soft")
	require.Error(t, err)
}

func TestBuildUnknownModuleName(t *testing.T) {
	v := loadConfig(t, `
modules:
  - name: soft
    type: emulator
    user: USER
`)
	_, _, _, err := Build(v, "missing")
	require.Error(t, err)
}

func TestBuildUnknownMechanismSetReference(t *testing.T) {
	v := loadConfig(t, `
modules:
  - name: soft
    type: emulator
    user: USER
    mechanismFilters:
      - mechanismSets: ["does-not-exist"]
`)
	_, _, _, err := Build(v, "soft")
	require.Error(t, err)
}

func TestParseKeyTypesMixesNamesAndNumericLiterals(t *testing.T) {
	out := parseKeyTypes([]string{"CKK_RSA", "0x10", "32UL", "not-a-number"})
	require.Len(t, out, 3, "the unparseable literal is silently dropped")
	assert.Contains(t, out, uint64(0x10))
	assert.Contains(t, out, uint64(32))
}

func TestSelectNativeLibraryFiltersByOS(t *testing.T) {
	libs := []nativeLibrarySpec{
		{Path: "/opt/win.dll", OperationSystems: []string{"windows"}},
		{Path: "/opt/generic.so"},
	}
	path, err := selectNativeLibrary(libs)
	require.NoError(t, err)
	assert.Equal(t, "/opt/generic.so", path, "a wildcard (empty OS list) entry matches any OS")
}
