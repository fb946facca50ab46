package p11

import (
	"sync"
)

// Module is the backend-agnostic handle a caller obtains from the factory
// (C1). It owns the slot set, the mechanism filter, and the password
// retriever, and satisfies MechanismResolver so a MechanismFilter's per-entry
// cache can be keyed by module identity (spec §4.3).
type Module struct {
	Conf *ModuleConf

	mu    sync.RWMutex
	slots map[SlotId]*SlotBase

	filter            *MechanismFilter
	passwordRetriever *PasswordRetriever

	// vendorMechanisms holds mechanism names this particular module's
	// backend resolved (e.g. from a live GetMechanismList call), for names
	// the vendor-neutral table in consts.go doesn't know about.
	vendorMechanisms map[string]uint64

	closeOnce sync.Once
	closer    func() error
}

// NewModule wires a validated ModuleConf, mechanism filter, and password
// retriever into an (initially empty) Module. Backends populate Slots via
// AddSlot as part of their own Init.
func NewModule(conf *ModuleConf, mf *MechanismFilter, pr *PasswordRetriever) *Module {
	return &Module{
		Conf:              conf,
		slots:             make(map[SlotId]*SlotBase),
		filter:            mf,
		passwordRetriever: pr,
		vendorMechanisms:  make(map[string]uint64),
	}
}

// SetVendorMechanisms registers backend-specific mechanism name -> code
// mappings discovered at init time (e.g. by enumerating a live token's
// mechanism list). These are consulted by ResolveMechanismCode after the
// vendor-neutral table in consts.go.
func (m *Module) SetVendorMechanisms(names map[string]uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range names {
		m.vendorMechanisms[k] = v
	}
}

// ResolveMechanismCode implements MechanismResolver.
func (m *Module) ResolveMechanismCode(name string) (uint64, bool) {
	if code, ok := ResolveStandardMechanismName(name); ok {
		return code, ok
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	code, ok := m.vendorMechanisms[name]
	return code, ok
}

// AddSlot registers a slot the backend has finished constructing.
func (m *Module) AddSlot(s *SlotBase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[s.SlotId()] = s
}

// Slots returns all registered slots.
func (m *Module) Slots() []*SlotBase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*SlotBase, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, s)
	}
	return out
}

// Slot looks up a slot by id.
func (m *Module) Slot(id SlotId) (*SlotBase, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slots[id]
	return s, ok
}

// SlotIds returns the ids of all registered slots, matching the proxy
// action "slotIds" (spec §6).
func (m *Module) SlotIds() []SlotId {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SlotId, 0, len(m.slots))
	for id := range m.slots {
		out = append(out, id)
	}
	return out
}

// PasswordFor resolves the configured passwords for slot via the module's
// password retriever.
func (m *Module) PasswordFor(slot SlotId) ([][]byte, error) {
	if m.passwordRetriever == nil {
		return nil, nil
	}
	return m.passwordRetriever.GetPassword(slot)
}

// Filter returns the module's mechanism filter. It may be nil; a nil or
// empty filter permits everything.
func (m *Module) Filter() *MechanismFilter {
	return m.filter
}

// SetCloser registers the backend-specific teardown function invoked
// exactly once by Close (e.g. C_Finalize for the native backend).
func (m *Module) SetCloser(f func() error) {
	m.closer = f
}

// Close tears the module down exactly once, regardless of how many times
// it is called.
func (m *Module) Close() error {
	var err error
	m.closeOnce.Do(func() {
		if m.closer != nil {
			err = m.closer()
		}
	})
	return err
}
