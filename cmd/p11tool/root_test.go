package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRootCmdRegistersSubcommands(t *testing.T) {
	root := newRootCmd()

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}

	require.True(t, names["slots"])
	require.True(t, names["keys"])
	require.True(t, names["sign"])
}

func TestOpenModuleRejectsProxyType(t *testing.T) {
	dir := t.TempDir()
	cfgPath := dir + "/p11tool.yaml"
	require.NoError(t, writeTestConfig(cfgPath))

	cfgFile = cfgPath
	moduleName = "remote"

	_, err := openModule()
	require.Error(t, err)
}

func writeTestConfig(path string) error {
	const body = `
modules:
  - name: remote
    type: hsmproxy
    user: USER
`
	return os.WriteFile(path, []byte(body), 0o600)
}
