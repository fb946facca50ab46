package p11

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	codes map[string]uint64
}

func (r *fakeResolver) ResolveMechanismCode(name string) (uint64, bool) {
	code, ok := r.codes[name]
	return code, ok
}

func TestMechanismFilterDefaultAllow(t *testing.T) {
	var f *MechanismFilter
	assert.True(t, f.IsPermitted(SlotId{Index: 0}, CKM_RSA_PKCS, &fakeResolver{}))
}

func TestMechanismFilterIncludeExclude(t *testing.T) {
	resolver := &fakeResolver{codes: map[string]uint64{
		"CKM_RSA_PKCS":     CKM_RSA_PKCS,
		"CKM_RSA_PKCS_PSS": CKM_RSA_PKCS_PSS,
	}}
	zero := uint64(0)
	entry := &MechanismEntry{
		SlotFilters:  []SlotIdFilter{{Index: &zero}},
		IncludeNames: []string{"CKM_RSA_PKCS", "CKM_RSA_PKCS_PSS"},
		ExcludeNames: []string{"CKM_RSA_PKCS_PSS"},
	}
	filter := NewMechanismFilter(entry)

	slot := SlotId{Index: 0, Id: 1}
	assert.True(t, filter.IsPermitted(slot, CKM_RSA_PKCS, resolver))
	assert.False(t, filter.IsPermitted(slot, CKM_RSA_PKCS_PSS, resolver), "exclude wins over include")
	assert.False(t, filter.IsPermitted(slot, CKM_AES_KEY_GEN, resolver), "not in include set")
}

func TestMechanismFilterAllToken(t *testing.T) {
	resolver := &fakeResolver{}
	one := uint64(5)
	entry := &MechanismEntry{
		SlotFilters:  []SlotIdFilter{{Index: &one}},
		IncludeNames: []string{"ALL"},
	}
	filter := NewMechanismFilter(entry)
	assert.True(t, filter.IsPermitted(SlotId{Index: 5}, CKM_AES_KEY_GEN, resolver))
}

func TestMechanismFilterNoMatchingSlotDefaultsAllow(t *testing.T) {
	other := uint64(9)
	entry := &MechanismEntry{SlotFilters: []SlotIdFilter{{Index: &other}}, IncludeNames: []string{"CKM_RSA_PKCS"}}
	filter := NewMechanismFilter(entry)
	assert.True(t, filter.IsPermitted(SlotId{Index: 1}, CKM_AES_KEY_GEN, &fakeResolver{}))
}

func TestMechanismEntryResolveIsCachedPerModule(t *testing.T) {
	calls := 0
	resolver := &countingResolver{codes: map[string]uint64{"CKM_RSA_PKCS": CKM_RSA_PKCS}, calls: &calls}
	zero := uint64(0)
	entry := &MechanismEntry{
		SlotFilters:  []SlotIdFilter{{Index: &zero}},
		IncludeNames: []string{"CKM_RSA_PKCS"},
	}
	filter := NewMechanismFilter(entry)
	slot := SlotId{Index: 0}

	require.True(t, filter.IsPermitted(slot, CKM_RSA_PKCS, resolver))
	require.True(t, filter.IsPermitted(slot, CKM_RSA_PKCS, resolver))
	assert.Equal(t, 1, calls, "resolution happens once per module, not per IsPermitted call")
}

type countingResolver struct {
	codes map[string]uint64
	calls *int
}

func (r *countingResolver) ResolveMechanismCode(name string) (uint64, bool) {
	*r.calls++
	code, ok := r.codes[name]
	return code, ok
}
