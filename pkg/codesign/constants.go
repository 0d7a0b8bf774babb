package codesign

// Code signature constants from Apple's cs_blobs.h
const (
	CSMAGIC_REQUIREMENT               = 0xfade0c00
	CSMAGIC_REQUIREMENTS              = 0xfade0c01
	CSMAGIC_CODEDIRECTORY             = 0xfade0c02
	CSMAGIC_EMBEDDED_SIGNATURE        = 0xfade0cc0
	CSMAGIC_EMBEDDED_ENTITLEMENTS     = 0xfade7171
	CSMAGIC_EMBEDDED_DER_ENTITLEMENTS = 0xfade7172
	CSMAGIC_BLOBWRAPPER               = 0xfade0b01

	CSSLOT_CODEDIRECTORY             = 0
	CSSLOT_INFOSLOT                  = 1
	CSSLOT_REQUIREMENTS              = 2
	CSSLOT_RESOURCEDIR               = 3
	CSSLOT_APPLICATION               = 4
	CSSLOT_ENTITLEMENTS              = 5
	CSSLOT_REP_SPECIFIC              = 6
	CSSLOT_DER_ENTITLEMENTS          = 7
	CSSLOT_ALTERNATE_CODEDIRECTORIES = 0x1000
	CSSLOT_SIGNATURESLOT             = 0x10000

	CS_EXECSEG_MAIN_BINARY    = 0x1
	CS_EXECSEG_ALLOW_UNSIGNED = 0x10

	CS_ADHOC   = 0x2
	CS_RUNTIME = 0x10000

	// kSecDesignatedRequirementType
	designatedRequirementType = 3
)

// Mach-O constants used when patching slices.
const (
	MH_MAGIC     = 0xfeedface
	MH_MAGIC_64  = 0xfeedfacf
	FAT_MAGIC    = 0xcafebabe
	FAT_MAGIC_64 = 0xcafebabf

	LC_SEGMENT             = 0x1
	LC_SEGMENT_64          = 0x19
	LC_CODE_SIGNATURE      = 0x1d
	LC_CODE_SIGNATURE_SIZE = 16

	machHeaderSize32 = 28
	machHeaderSize64 = 32
)

const (
	codeDirectoryVersion    = 0x20400
	codeDirectoryHeaderSize = 88
	defaultPageSizeBits     = 12

	blobHeaderSize      = 8
	superBlobHeaderSize = 12
	blobIndexSize       = 8

	// signature data offset alignment inside a slice
	signatureAlign = 16
)

var slotNames = map[uint32]string{
	CSSLOT_CODEDIRECTORY:             "CodeDirectory",
	CSSLOT_INFOSLOT:                  "Info.plist",
	CSSLOT_REQUIREMENTS:              "Requirements",
	CSSLOT_RESOURCEDIR:               "CodeResources",
	CSSLOT_APPLICATION:               "Application",
	CSSLOT_ENTITLEMENTS:              "Entitlements",
	CSSLOT_REP_SPECIFIC:              "RepSpecific",
	CSSLOT_DER_ENTITLEMENTS:          "EntitlementsDER",
	CSSLOT_ALTERNATE_CODEDIRECTORIES: "CodeDirectory (alternate)",
	CSSLOT_SIGNATURESLOT:             "CMS Signature",
}

// SlotName returns a human-readable name for a SuperBlob index type.
func SlotName(slot uint32) string {
	if name, ok := slotNames[slot]; ok {
		return name
	}
	if slot > CSSLOT_ALTERNATE_CODEDIRECTORIES && slot < CSSLOT_ALTERNATE_CODEDIRECTORIES+5 {
		return "CodeDirectory (alternate)"
	}
	return "Unknown"
}

func isCodeDirectorySlot(slot uint32) bool {
	return slot == CSSLOT_CODEDIRECTORY ||
		(slot >= CSSLOT_ALTERNATE_CODEDIRECTORIES && slot < CSSLOT_ALTERNATE_CODEDIRECTORIES+5)
}
