package wasm

// WebAssembly binary format magic number and version.
const (
	// Magic is the WebAssembly binary magic number ("\0asm" in little-endian).
	Magic uint32 = 0x6D736100

	// Version is the supported core module binary format version.
	Version uint32 = 0x01

	// componentLayer is the upper half of the version word in component
	// binaries.
	componentLayer uint32 = 0x01
)

// PageSize is the size of one linear memory page.
const PageSize = 64 * 1024

// Section IDs. Sections appear in canonical order, custom sections anywhere.
const (
	SectionCustom    byte = 0
	SectionType      byte = 1
	SectionImport    byte = 2
	SectionFunction  byte = 3
	SectionTable     byte = 4
	SectionMemory    byte = 5
	SectionGlobal    byte = 6
	SectionExport    byte = 7
	SectionStart     byte = 8
	SectionElement   byte = 9
	SectionCode      byte = 10
	SectionData      byte = 11
	SectionDataCount byte = 12
	SectionTag       byte = 13
)

// Import and export descriptor kinds.
const (
	KindFunc   byte = 0
	KindTable  byte = 1
	KindMemory byte = 2
	KindGlobal byte = 3
	KindTag    byte = 4
)

// Value type encodings.
const (
	ValI32     ValType = 0x7F
	ValI64     ValType = 0x7E
	ValF32     ValType = 0x7D
	ValF64     ValType = 0x7C
	ValV128    ValType = 0x7B
	ValFuncRef ValType = 0x70
	ValExtern  ValType = 0x6F

	// GC reference types
	ValRefNull       ValType = 0x63 // (ref null ht)
	ValRef           ValType = 0x64 // (ref ht)
	ValNullFuncRef   ValType = 0x73
	ValNullExternRef ValType = 0x72
	ValNullRef       ValType = 0x71
	ValEqRef         ValType = 0x6D
	ValI31Ref        ValType = 0x6C
	ValStructRef     ValType = 0x6B
	ValArrayRef      ValType = 0x6A
	ValAnyRef        ValType = 0x6E
)

// Opcodes that may appear in constant expressions.
const (
	OpEnd       byte = 0x0B
	OpGlobalGet byte = 0x23
	OpI32Const  byte = 0x41
	OpI64Const  byte = 0x42
	OpF32Const  byte = 0x43
	OpF64Const  byte = 0x44
	OpI32Add    byte = 0x6A
	OpI32Sub    byte = 0x6B
	OpI32Mul    byte = 0x6C
	OpI32And    byte = 0x71
	OpI32Or     byte = 0x72
	OpI32Xor    byte = 0x73
	OpI64Add    byte = 0x7C
	OpI64Sub    byte = 0x7D
	OpI64Mul    byte = 0x7E
	OpI64And    byte = 0x83
	OpI64Or     byte = 0x84
	OpI64Xor    byte = 0x85
	OpRefNull   byte = 0xD0
	OpRefFunc   byte = 0xD2

	OpPrefixGC   byte = 0xFB
	OpPrefixSIMD byte = 0xFD
)

// GC sub-opcodes valid in constant expressions.
const (
	GCStructNew        uint32 = 0x00
	GCStructNewDefault uint32 = 0x01
	GCArrayNew         uint32 = 0x06
	GCArrayNewDefault  uint32 = 0x07
	GCArrayNewFixed    uint32 = 0x08
	GCArrayNewData     uint32 = 0x09
	GCArrayNewElem     uint32 = 0x0A
	GCAnyConvertExtern uint32 = 0x1A
	GCExternConvertAny uint32 = 0x1B
	GCRefI31           uint32 = 0x1C
)

// SimdV128Const is the only SIMD instruction allowed in constant expressions.
const SimdV128Const uint32 = 0x0C

// Limits flags
const (
	LimitsHasMax   byte = 0x01
	LimitsShared   byte = 0x02
	LimitsMemory64 byte = 0x04
)

// Memory page limits
const (
	MemoryMaxPages32 uint64 = 65536
	MemoryMaxPages64 uint64 = 281474976710656
)

// Type section encodings
const (
	FuncTypeByte   byte = 0x60
	StructTypeByte byte = 0x5F
	ArrayTypeByte  byte = 0x5E
	RecTypeByte    byte = 0x4E
	SubTypeByte    byte = 0x50
	SubFinalByte   byte = 0x4F
)
