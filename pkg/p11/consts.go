package p11

// Standard PKCS#11 numeric constants this layer needs, kept as a
// vendor-neutral table so the emulator and proxy backends don't have to
// link against the cgo-heavy driver package just to know what "CKM_RSA_PKCS"
// means. The native backend additionally imports github.com/miekg/pkcs11 for
// actual driver calls; the standard numeric values below are identical to
// that package's constants because both come from the same PKCS#11 standard.
// The CKK_VENDOR_SM2/CKM_VENDOR_SM2* codes are vendor-defined, not standard.
const (
	CKU_SO   uint64 = 0
	CKU_USER uint64 = 1

	CKO_CERTIFICATE uint64 = 0x00000001
	CKO_PUBLIC_KEY  uint64 = 0x00000002
	CKO_PRIVATE_KEY uint64 = 0x00000003
	CKO_SECRET_KEY  uint64 = 0x00000004

	CKK_RSA            uint64 = 0x00000000
	CKK_DSA            uint64 = 0x00000001
	CKK_EC             uint64 = 0x00000003
	CKK_GENERIC_SECRET uint64 = 0x00000010
	CKK_AES            uint64 = 0x0000001F
	CKK_EC_EDWARDS     uint64 = 0x00000040
	CKK_EC_MONTGOMERY  uint64 = 0x00000041
	CKK_VENDOR_SM2     uint64 = 0x80001005

	CKM_RSA_PKCS_KEY_PAIR_GEN uint64 = 0x00000000
	CKM_RSA_PKCS              uint64 = 0x00000001
	CKM_RSA_X_509             uint64 = 0x00000003
	CKM_SHA1_RSA_PKCS         uint64 = 0x00000006
	CKM_RSA_PKCS_PSS          uint64 = 0x0000000D
	CKM_SHA256_RSA_PKCS       uint64 = 0x00000040
	CKM_SHA256_RSA_PKCS_PSS   uint64 = 0x00000043
	CKM_SHA384_RSA_PKCS       uint64 = 0x00000041
	CKM_SHA384_RSA_PKCS_PSS   uint64 = 0x00000044
	CKM_SHA512_RSA_PKCS       uint64 = 0x00000042
	CKM_SHA512_RSA_PKCS_PSS   uint64 = 0x00000045
	CKM_RSA_PKCS_OAEP         uint64 = 0x00000009

	CKM_DSA_KEY_PAIR_GEN uint64 = 0x00000010
	CKM_DSA              uint64 = 0x00000011
	CKM_DSA_SHA1         uint64 = 0x00000012
	CKM_DSA_SHA256       uint64 = 0x00000014

	CKM_EC_KEY_PAIR_GEN uint64 = 0x00001040
	CKM_ECDSA           uint64 = 0x00001041
	CKM_ECDSA_SHA1      uint64 = 0x00001042
	CKM_ECDSA_SHA256    uint64 = 0x00001044
	CKM_ECDSA_SHA384    uint64 = 0x00001045
	CKM_ECDSA_SHA512    uint64 = 0x00001046

	CKM_EC_EDWARDS_KEY_PAIR_GEN    uint64 = 0x00001055
	CKM_EDDSA                      uint64 = 0x00001057
	CKM_EC_MONTGOMERY_KEY_PAIR_GEN uint64 = 0x00001056

	CKM_VENDOR_SM2_KEY_PAIR_GEN uint64 = 0x80001005
	CKM_VENDOR_SM2              uint64 = 0x80001006
	CKM_VENDOR_SM2_SM3          uint64 = 0x80001007

	CKM_AES_KEY_GEN             uint64 = 0x00001080
	CKM_GENERIC_SECRET_KEY_GEN  uint64 = 0x00000350
	CKM_SHA256_HMAC             uint64 = 0x00000251
	CKM_SHA384_HMAC             uint64 = 0x00000261
	CKM_SHA512_HMAC             uint64 = 0x00000271
	CKM_SHA_1                   uint64 = 0x00000220
	CKM_SHA256                  uint64 = 0x00000250
	CKM_SHA384                  uint64 = 0x00000260
	CKM_SHA512                  uint64 = 0x00000270

	CKG_MGF1_SHA1   uint64 = 0x00000001
	CKG_MGF1_SHA256 uint64 = 0x00000002
	CKG_MGF1_SHA384 uint64 = 0x00000003
	CKG_MGF1_SHA512 uint64 = 0x00000004

	CKZ_DATA_SPECIFIED uint64 = 0x00000001
)

// mechanismNameTable and keyTypeNameTable resolve the standard "CKM_*" /
// "CKK_*" names that spec §4.1 says are not vendor-specific -- every module,
// regardless of backend, can resolve these without a round-trip. Codes that
// aren't in this table (vendor-specific mechanisms) must be resolved through
// a concrete module's MechanismResolver.
var mechanismNameTable = map[string]uint64{
	"CKM_RSA_PKCS_KEY_PAIR_GEN": CKM_RSA_PKCS_KEY_PAIR_GEN,
	"CKM_RSA_PKCS":              CKM_RSA_PKCS,
	"CKM_RSA_X_509":             CKM_RSA_X_509,
	"CKM_SHA1_RSA_PKCS":         CKM_SHA1_RSA_PKCS,
	"CKM_RSA_PKCS_PSS":          CKM_RSA_PKCS_PSS,
	"CKM_SHA256_RSA_PKCS":       CKM_SHA256_RSA_PKCS,
	"CKM_SHA256_RSA_PKCS_PSS":   CKM_SHA256_RSA_PKCS_PSS,
	"CKM_SHA384_RSA_PKCS":       CKM_SHA384_RSA_PKCS,
	"CKM_SHA384_RSA_PKCS_PSS":   CKM_SHA384_RSA_PKCS_PSS,
	"CKM_SHA512_RSA_PKCS":       CKM_SHA512_RSA_PKCS,
	"CKM_SHA512_RSA_PKCS_PSS":   CKM_SHA512_RSA_PKCS_PSS,
	"CKM_RSA_PKCS_OAEP":         CKM_RSA_PKCS_OAEP,
	"CKM_DSA_KEY_PAIR_GEN":      CKM_DSA_KEY_PAIR_GEN,
	"CKM_DSA":                   CKM_DSA,
	"CKM_DSA_SHA1":              CKM_DSA_SHA1,
	"CKM_DSA_SHA256":            CKM_DSA_SHA256,
	"CKM_EC_KEY_PAIR_GEN":       CKM_EC_KEY_PAIR_GEN,
	"CKM_ECDSA":                 CKM_ECDSA,
	"CKM_ECDSA_SHA1":            CKM_ECDSA_SHA1,
	"CKM_ECDSA_SHA256":          CKM_ECDSA_SHA256,
	"CKM_ECDSA_SHA384":          CKM_ECDSA_SHA384,
	"CKM_ECDSA_SHA512":          CKM_ECDSA_SHA512,
	"CKM_EC_EDWARDS_KEY_PAIR_GEN":    CKM_EC_EDWARDS_KEY_PAIR_GEN,
	"CKM_EDDSA":                      CKM_EDDSA,
	"CKM_EC_MONTGOMERY_KEY_PAIR_GEN": CKM_EC_MONTGOMERY_KEY_PAIR_GEN,
	"CKM_VENDOR_SM2_KEY_PAIR_GEN":    CKM_VENDOR_SM2_KEY_PAIR_GEN,
	"CKM_VENDOR_SM2":                 CKM_VENDOR_SM2,
	"CKM_VENDOR_SM2_SM3":             CKM_VENDOR_SM2_SM3,
	"CKM_AES_KEY_GEN":                CKM_AES_KEY_GEN,
	"CKM_GENERIC_SECRET_KEY_GEN":     CKM_GENERIC_SECRET_KEY_GEN,
	"CKM_SHA256_HMAC":                CKM_SHA256_HMAC,
	"CKM_SHA384_HMAC":                CKM_SHA384_HMAC,
	"CKM_SHA512_HMAC":                CKM_SHA512_HMAC,
	"CKM_SHA_1":                      CKM_SHA_1,
	"CKM_SHA256":                     CKM_SHA256,
	"CKM_SHA384":                     CKM_SHA384,
	"CKM_SHA512":                     CKM_SHA512,
}

var keyTypeNameTable = map[string]uint64{
	"CKK_RSA":             CKK_RSA,
	"CKK_DSA":             CKK_DSA,
	"CKK_EC":              CKK_EC,
	"CKK_GENERIC_SECRET":  CKK_GENERIC_SECRET,
	"CKK_AES":             CKK_AES,
	"CKK_EC_EDWARDS":      CKK_EC_EDWARDS,
	"CKK_EC_MONTGOMERY":   CKK_EC_MONTGOMERY,
	"CKK_VENDOR_SM2":      CKK_VENDOR_SM2,
}

// ResolveStandardMechanismName resolves a "CKM_*" name using the
// vendor-neutral table. ok is false for vendor-specific names that a
// concrete module must resolve itself.
func ResolveStandardMechanismName(name string) (code uint64, ok bool) {
	code, ok = mechanismNameTable[name]
	return
}

// ResolveStandardKeyTypeName resolves a "CKK_*" name using the vendor
// neutral table.
func ResolveStandardKeyTypeName(name string) (code uint64, ok bool) {
	code, ok = keyTypeNameTable[name]
	return
}
