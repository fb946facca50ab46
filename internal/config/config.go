// Package config turns a declarative YAML/JSON/properties module
// configuration (loaded by github.com/spf13/viper, the de-facto standard
// for declarative Go configuration across the example pack) into an
// immutable, validated p11.ModuleConf plus the p11.MechanismFilter and
// p11.PasswordRetriever it drives, exactly the way hsm.New validates and
// freezes a *Config before constructing the hsm struct.
package config

import (
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xipki/commons/internal/xerrors"
	"github.com/xipki/commons/pkg/p11"
)

// moduleSpec is the raw shape of one "modules[i]" entry, unmarshaled
// directly from viper.
type moduleSpec struct {
	Name              string              `mapstructure:"name"`
	Type              string              `mapstructure:"type"`
	ReadOnly          bool                `mapstructure:"readonly"`
	User              string              `mapstructure:"user"`
	UserName          string              `mapstructure:"userName"`
	NativeLibraries   []nativeLibrarySpec `mapstructure:"nativeLibraries"`
	MaxMessageSize    int                 `mapstructure:"maxMessageSize"`
	NumSessions       *int                `mapstructure:"numSessions"`
	NewSessionTimeout string              `mapstructure:"newSessionTimeout"`
	IncludeSlots      []slotFilterSpec    `mapstructure:"includeSlots"`
	ExcludeSlots      []slotFilterSpec    `mapstructure:"excludeSlots"`
	SecretKeyTypes    []string            `mapstructure:"secretKeyTypes"`
	KeyPairTypes      []string            `mapstructure:"keyPairTypes"`
	MechanismSets     map[string][]string `mapstructure:"mechanismSets"`
	MechanismFilters  []mechanismFilterSpec `mapstructure:"mechanismFilters"`
	PasswordSets      []passwordSetSpec   `mapstructure:"passwordSets"`
	NewObjectConf     newObjectConfSpec   `mapstructure:"newObjectConf"`
}

type nativeLibrarySpec struct {
	Path             string   `mapstructure:"path"`
	OperationSystems []string `mapstructure:"operationSystems"`
}

type slotFilterSpec struct {
	Index *uint64 `mapstructure:"index"`
	Id    *uint64 `mapstructure:"id"`
}

type mechanismFilterSpec struct {
	Slots         []slotFilterSpec `mapstructure:"slots"`
	MechanismSets []string         `mapstructure:"mechanismSets"`
	Exclude       []string         `mapstructure:"exclude"`
}

type passwordSetSpec struct {
	Slots     []slotFilterSpec `mapstructure:"slots"`
	Passwords []string         `mapstructure:"passwords"`
}

type newObjectConfSpec struct {
	IdLength    int  `mapstructure:"idLength"`
	IgnoreLabel bool `mapstructure:"ignoreLabel"`
}

// Build loads every "modules[i]" entry from v, validates it per spec §4.1,
// and returns the ModuleConf/MechanismFilter/PasswordRetriever triple ready
// to pass to a backend's Open function. resolver supplies PasswordResolver
// implementations beyond the built-in pass-through.
func Build(v *viper.Viper, name string, resolvers ...p11.PasswordResolver) (*p11.ModuleConf, *p11.MechanismFilter, *p11.PasswordRetriever, error) {
	var specs []moduleSpec
	if err := v.UnmarshalKey("modules", &specs); err != nil {
		return nil, nil, nil, xerrors.WrapInvalidConfiguration(err, "parse modules")
	}

	for _, s := range specs {
		if s.Name != name {
			continue
		}
		return buildOne(s, resolvers)
	}
	return nil, nil, nil, xerrors.NewInvalidConfiguration("no module named %q in configuration", name)
}

func buildOne(s moduleSpec, resolvers []p11.PasswordResolver) (*p11.ModuleConf, *p11.MechanismFilter, *p11.PasswordRetriever, error) {
	libPath, err := selectNativeLibrary(s.NativeLibraries)
	if err != nil && s.Type == "native" {
		return nil, nil, nil, err
	}

	if s.MaxMessageSize != 0 && s.MaxMessageSize < 256 {
		return nil, nil, nil, xerrors.NewInvalidConfiguration("maxMessageSize %d is below the minimum of 256", s.MaxMessageSize)
	}

	var userCode uint64
	switch strings.ToUpper(s.User) {
	case "USER":
		userCode = p11.CKU_USER
	case "SO":
		return nil, nil, nil, xerrors.NewInvalidConfiguration("user type must not be the Security Officer (CKU_SO)")
	default:
		return nil, nil, nil, xerrors.NewInvalidConfiguration("unresolvable user type %q", s.User)
	}

	var newSessionTimeout *time.Duration
	if s.NewSessionTimeout != "" {
		d, err := time.ParseDuration(s.NewSessionTimeout)
		if err != nil {
			return nil, nil, nil, xerrors.WrapInvalidConfiguration(err, "parse newSessionTimeout")
		}
		newSessionTimeout = &d
	}

	conf := &p11.ModuleConf{
		Name:              s.Name,
		Type:              s.Type,
		NativeLibraryPath: libPath,
		ReadOnly:          s.ReadOnly,
		UserType:          userCode,
		UserName:          s.UserName,
		IncludeSlots:      toSlotFilters(s.IncludeSlots),
		ExcludeSlots:      toSlotFilters(s.ExcludeSlots),
		MaxMessageSize:    s.MaxMessageSize,
		NumSessions:       s.NumSessions,
		NewSessionTimeout: newSessionTimeout,
		SecretKeyTypes:    parseKeyTypes(s.SecretKeyTypes),
		KeyPairTypes:      parseKeyTypes(s.KeyPairTypes),
		NewObjectConf:     p11.NewObjectConf{IdLength: s.NewObjectConf.IdLength, IgnoreLabel: s.NewObjectConf.IgnoreLabel},
	}
	if conf.NewObjectConf.IdLength == 0 {
		conf.NewObjectConf.IdLength = 8
	}

	mf, err := buildMechanismFilter(s.MechanismSets, s.MechanismFilters)
	if err != nil {
		return nil, nil, nil, err
	}

	pr := buildPasswordRetriever(s.PasswordSets, resolvers)

	return conf, mf, pr, nil
}

// selectNativeLibrary picks the first entry whose OS list contains the
// current OS (case-insensitive substring match) or is empty (spec §4.1).
func selectNativeLibrary(libs []nativeLibrarySpec) (string, error) {
	osName := strings.ToLower(runtime.GOOS)
	for _, lib := range libs {
		if len(lib.OperationSystems) == 0 {
			return lib.Path, nil
		}
		for _, os := range lib.OperationSystems {
			if strings.Contains(osName, strings.ToLower(os)) {
				return lib.Path, nil
			}
		}
	}
	return "", xerrors.NewInvalidConfiguration("no nativeLibraries entry matches operating system %q", osName)
}

func toSlotFilters(specs []slotFilterSpec) []p11.SlotIdFilter {
	out := make([]p11.SlotIdFilter, len(specs))
	for i, s := range specs {
		out[i] = p11.SlotIdFilter{Index: s.Index, Id: s.Id}
	}
	return out
}

// parseKeyTypes resolves "CKK_*" names via the standard table, falling back
// to a numeric literal with optional "0x" prefix and "L"/"UL" suffix;
// unparseable values are silently dropped (spec §4.1, Open Question #1).
func parseKeyTypes(names []string) []uint64 {
	var out []uint64
	for _, name := range names {
		if code, ok := p11.ResolveStandardKeyTypeName(name); ok {
			out = append(out, code)
			continue
		}
		trimmed := strings.TrimSuffix(strings.TrimSuffix(name, "UL"), "L")
		base := 10
		if strings.HasPrefix(strings.ToLower(trimmed), "0x") {
			trimmed = trimmed[2:]
			base = 16
		}
		code, err := strconv.ParseUint(trimmed, base, 64)
		if err != nil {
			continue
		}
		out = append(out, code)
	}
	return out
}

func buildMechanismFilter(sets map[string][]string, filters []mechanismFilterSpec) (*p11.MechanismFilter, error) {
	var entries []*p11.MechanismEntry
	for _, f := range filters {
		var include []string
		for _, setName := range f.MechanismSets {
			names, ok := sets[setName]
			if !ok {
				return nil, xerrors.NewInvalidConfiguration("mechanismFilters references unknown mechanismSets entry %q", setName)
			}
			include = append(include, names...)
		}
		entries = append(entries, &p11.MechanismEntry{
			SlotFilters:  toSlotFilters(f.Slots),
			IncludeNames: include,
			ExcludeNames: f.Exclude,
		})
	}
	return p11.NewMechanismFilter(entries...), nil
}

func buildPasswordRetriever(sets []passwordSetSpec, resolvers []p11.PasswordResolver) *p11.PasswordRetriever {
	entries := make([]*p11.PasswordEntry, len(sets))
	for i, s := range sets {
		entries[i] = &p11.PasswordEntry{SlotFilters: toSlotFilters(s.Slots), Passwords: s.Passwords}
	}
	return p11.NewPasswordRetriever(entries, resolvers...)
}
