package p11

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlotIdEqual(t *testing.T) {
	a := SlotId{Index: 1, Id: 2}
	b := SlotId{Index: 1, Id: 2}
	c := SlotId{Index: 1, Id: 3}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.Equal(t, "1-2", a.String())
}

func TestKeyIdEqualById(t *testing.T) {
	a := KeyId{ObjectClass: ObjectClassPrivateKey, Id: []byte{1, 2}, Label: "one"}
	b := KeyId{ObjectClass: ObjectClassPrivateKey, Id: []byte{1, 2}, Label: "different"}
	c := KeyId{ObjectClass: ObjectClassPrivateKey, Id: []byte{1, 3}, Label: "one"}

	assert.False(t, a.Equal(b), "with a non-empty id, the label still takes part in equality")
	assert.True(t, a.Equal(KeyId{ObjectClass: ObjectClassPrivateKey, Id: []byte{1, 2}, Label: "one"}))
	assert.False(t, a.Equal(c))
}

func TestKeyIdEqualByLabelWhenIdEmpty(t *testing.T) {
	a := KeyId{ObjectClass: ObjectClassSecretKey, Label: "mac-key"}
	b := KeyId{ObjectClass: ObjectClassSecretKey, Label: "mac-key"}
	c := KeyId{ObjectClass: ObjectClassSecretKey, Label: "other"}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestKeyIdEqualDifferentClass(t *testing.T) {
	a := KeyId{ObjectClass: ObjectClassPrivateKey, Label: "x"}
	b := KeyId{ObjectClass: ObjectClassSecretKey, Label: "x"}
	assert.False(t, a.Equal(b))
}

func TestEmulatorHandlePairing(t *testing.T) {
	var hash32 uint32 = 0xdeadbeef

	priv := EmulatorHandle(hash32, false)
	pub := EmulatorHandle(hash32, true)

	assert.Equal(t, priv+1, pub)
	assert.Equal(t, uint64(0), priv&0xff)
}

func TestSlotIdFilterMatches(t *testing.T) {
	index := uint64(0)
	f := SlotIdFilter{Index: &index}
	assert.True(t, f.Matches(SlotId{Index: 0, Id: 99}))
	assert.False(t, f.Matches(SlotId{Index: 1, Id: 99}))

	empty := SlotIdFilter{}
	assert.False(t, empty.Matches(SlotId{Index: 0, Id: 0}))
}
