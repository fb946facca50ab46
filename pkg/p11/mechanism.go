package p11

import (
	"sync"
)

// MechanismResolver resolves a mechanism name (e.g. "CKM_RSA_PKCS_PSS") to
// its numeric code. Some codes are vendor-specific and only the module that
// owns a given backend knows them, which is why resolution happens lazily
// per module rather than at filter-construction time.
type MechanismResolver interface {
	ResolveMechanismCode(name string) (uint64, bool)
}

// allMechanismsToken is the literal token that, inside a mechanismSet,
// accepts every mechanism.
const allMechanismsToken = "ALL"

// MechanismEntry is one ordered entry of the mechanism filter: a list of
// slot filters plus include/exclude mechanism name sets. The first entry
// whose SlotFilters contains a matching filter decides policy for that slot;
// exclude is checked before include.
type MechanismEntry struct {
	SlotFilters []SlotIdFilter
	// IncludeNames accepts all mechanisms when it is nil or contains "ALL".
	IncludeNames []string
	ExcludeNames []string

	mu       sync.Mutex
	resolved map[MechanismResolver]*resolvedSet
}

type resolvedSet struct {
	include map[uint64]struct{} // nil means accept-all
	exclude map[uint64]struct{}
}

func (e *MechanismEntry) matchesSlot(slot SlotId) bool {
	for _, f := range e.SlotFilters {
		if f.Matches(slot) {
			return true
		}
	}
	return false
}

// resolve resolves mechanism names to codes for the given module, caching
// the result keyed by module identity so the same entry can be attached to
// multiple modules safely. Resolution is serialized under e.mu.
func (e *MechanismEntry) resolve(module MechanismResolver) *resolvedSet {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.resolved == nil {
		e.resolved = make(map[MechanismResolver]*resolvedSet)
	}
	if rs, ok := e.resolved[module]; ok {
		return rs
	}

	rs := &resolvedSet{exclude: map[uint64]struct{}{}}

	include := map[uint64]struct{}{}
	acceptAll := e.IncludeNames == nil
	for _, name := range e.IncludeNames {
		if name == allMechanismsToken {
			acceptAll = true
			break
		}
		if code, ok := module.ResolveMechanismCode(name); ok {
			include[code] = struct{}{}
		}
	}
	if !acceptAll {
		rs.include = include
	}

	for _, name := range e.ExcludeNames {
		if code, ok := module.ResolveMechanismCode(name); ok {
			rs.exclude[code] = struct{}{}
		}
	}

	e.resolved[module] = rs
	return rs
}

// MechanismFilter is an ordered list of MechanismEntry consulted in
// insertion order.
type MechanismFilter struct {
	Entries []*MechanismEntry
}

// NewMechanismFilter builds a MechanismFilter from entries in priority
// order.
func NewMechanismFilter(entries ...*MechanismEntry) *MechanismFilter {
	return &MechanismFilter{Entries: entries}
}

// IsPermitted returns true if the first matching entry permits mechanism
// for slot, otherwise true if no entry matches (default-allow).
func (f *MechanismFilter) IsPermitted(slot SlotId, mechanism uint64, module MechanismResolver) bool {
	if f == nil {
		return true
	}
	for _, e := range f.Entries {
		if !e.matchesSlot(slot) {
			continue
		}

		rs := e.resolve(module)
		if _, excluded := rs.exclude[mechanism]; excluded {
			return false
		}
		if rs.include == nil {
			// accept-all
			return true
		}
		_, included := rs.include[mechanism]
		return included
	}
	return true
}
