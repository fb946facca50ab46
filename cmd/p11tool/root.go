package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xipki/commons/internal/config"
	"github.com/xipki/commons/internal/obslog"
	"github.com/xipki/commons/pkg/p11"
	"github.com/xipki/commons/pkg/p11/emulator"
	"github.com/xipki/commons/pkg/p11/native"
)

var (
	cfgFile      string
	moduleName   string
	emulatorDir  string
	rootLog      = obslog.New()
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "p11tool",
		Short: "Inspect and drive a configured PKCS#11 module",
		Long:  "p11tool loads a module entry from a configuration file and lists slots, inspects or generates keys, and signs data against them.",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "p11tool.yaml", "path to the module configuration file")
	root.PersistentFlags().StringVar(&moduleName, "module", "", "name of the modules[] entry to open")
	root.PersistentFlags().StringVar(&emulatorDir, "emulator-dir", "", "base directory for an emulator-type module (overrides the configuration file)")

	root.AddCommand(newSlotsCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newSignCmd())

	return root
}

// openModule loads the named module entry from cfgFile and opens it against
// the backend its "type" selects. Proxy modules are out of scope for this
// CLI: the proxy backend requires a caller-supplied Transport, and wiring
// one is left to whatever application embeds the proxy client.
func openModule() (*p11.Module, error) {
	v := viper.New()
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
	}

	conf, mf, pr, err := config.Build(v, moduleName)
	if err != nil {
		return nil, err
	}

	log := rootLog.Named(conf.Name)

	switch conf.Type {
	case "native":
		return native.Open(conf, mf, pr, log)
	case "emulator":
		dir := emulatorDir
		if dir == "" {
			dir = v.GetString("emulatorBaseDir")
		}
		if dir == "" {
			return nil, fmt.Errorf("emulator module %q needs --emulator-dir or an emulatorBaseDir entry", conf.Name)
		}
		return emulator.Open(dir, conf, mf, pr, log)
	default:
		return nil, fmt.Errorf("module type %q is not drivable from p11tool (proxy modules need an embedding application's Transport)", conf.Type)
	}
}
