package swd

// UICR firmware-version word address. The original firmware spelled
// this two ways (a literal 0x10001080, and FICR base + 0x1080) that
// happen to resolve to the same address; this is the single constant
// this driver uses, per SPEC_FULL.md's Open Question resolution.
const (
	ficrBase                = 0x10000000
	uicrBase                = ficrBase + 0x1000
	UICRFirmwareVersionAddr = uicrBase + 0x80
)
