package p11

import (
	"strings"

	"github.com/xipki/commons/internal/xerrors"
)

// PasswordResolver is the external collaborator that resolves an indirected
// password string into its plaintext value. It may decrypt, prompt the
// user, or pass the value through unchanged. Only its interface is consumed
// here -- the concrete resolver lives outside this layer.
type PasswordResolver interface {
	CanResolveProtocol(protocol string) bool
	Resolve(protocol string, value string) ([]byte, error)
}

// PassThroughSinglePasswordResolver resolves "THRU:<value>" entries by
// returning <value> unchanged. It is the only resolver this layer ships by
// default; anything else must be supplied by the caller.
//
// The upstream implementation this is modeled on compared
// CanResolveProtocol's argument to itself (always true); that was a bug.
// Here the comparison is against the constant "THRU" as originally intended.
type PassThroughSinglePasswordResolver struct{}

func (PassThroughSinglePasswordResolver) CanResolveProtocol(protocol string) bool {
	return protocol == "THRU"
}

func (PassThroughSinglePasswordResolver) Resolve(_ string, value string) ([]byte, error) {
	return []byte(value), nil
}

// splitProtocol splits "PROTOCOL:value" into its two parts. A string with
// no colon has no protocol and is returned as-is via ok=false.
func splitProtocol(s string) (protocol string, value string, ok bool) {
	idx := strings.IndexByte(s, ':')
	if idx == -1 {
		return "", s, false
	}
	return s[:idx], s[idx+1:], true
}

// PasswordEntry is one ordered entry of the password retriever: a
// slot-filter and a list of password strings, resolved in order.
type PasswordEntry struct {
	SlotFilters []SlotIdFilter
	Passwords   []string
}

func (e *PasswordEntry) matchesSlot(slot SlotId) bool {
	for _, f := range e.SlotFilters {
		if f.Matches(slot) {
			return true
		}
	}
	return false
}

// PasswordRetriever mirrors the shape of MechanismFilter: ordered entries,
// first match wins.
type PasswordRetriever struct {
	Entries   []*PasswordEntry
	Resolvers []PasswordResolver
}

// NewPasswordRetriever builds a PasswordRetriever. The supplied resolvers are
// consulted in order, followed by PassThroughSinglePasswordResolver.
func NewPasswordRetriever(entries []*PasswordEntry, resolvers ...PasswordResolver) *PasswordRetriever {
	all := append(append([]PasswordResolver{}, resolvers...), PassThroughSinglePasswordResolver{})
	return &PasswordRetriever{Entries: entries, Resolvers: all}
}

func (r *PasswordRetriever) resolveOne(s string) ([]byte, error) {
	protocol, value, hasProtocol := splitProtocol(s)
	if !hasProtocol {
		return []byte(s), nil
	}
	for _, resolver := range r.Resolvers {
		if resolver.CanResolveProtocol(protocol) {
			return resolver.Resolve(protocol, value)
		}
	}
	return nil, xerrors.NewPasswordResolution("no resolver for protocol %q", protocol)
}

// GetPassword returns the passwords to log into slot's token. Passwords are
// returned as mutable byte slices (not immutable strings) so callers can
// zeroize them after use.
func (r *PasswordRetriever) GetPassword(slot SlotId) ([][]byte, error) {
	for _, e := range r.Entries {
		if !e.matchesSlot(slot) {
			continue
		}

		out := make([][]byte, 0, len(e.Passwords))
		for _, s := range e.Passwords {
			pw, err := r.resolveOne(s)
			if err != nil {
				return nil, xerrors.WrapPasswordResolution(err, "slot %s", slot)
			}
			out = append(out, pw)
		}
		return out, nil
	}
	return nil, nil
}
