package wasm

// WebAssembly binary format magic number and version.
const (
	// Magic is the WebAssembly binary magic number ("\0asm" in little-endian).
	Magic uint32 = 0x6D736100

	// BinaryVersion is the supported WebAssembly binary format version.
	BinaryVersion uint32 = 0x01
)

// Section IDs. Non-custom sections must appear in increasing ID order.
const (
	SectionCustom   byte = 0
	SectionType     byte = 1
	SectionImport   byte = 2
	SectionFunction byte = 3
	SectionTable    byte = 4
	SectionMemory   byte = 5
	SectionGlobal   byte = 6
	SectionExport   byte = 7
	SectionStart    byte = 8
	SectionElement  byte = 9
	SectionCode     byte = 10
	SectionData     byte = 11
)

// Kind identifies the type of an imported or exported item.
type Kind byte

const (
	KindFunc   Kind = 0
	KindTable  Kind = 1
	KindMemory Kind = 2
	KindGlobal Kind = 3
)

// String returns the text-format name of the kind.
func (k Kind) String() string {
	switch k {
	case KindFunc:
		return "func"
	case KindTable:
		return "table"
	case KindMemory:
		return "memory"
	case KindGlobal:
		return "global"
	}
	return "unknown"
}

// Value type encodings.
const (
	ValI32 byte = 0x7F
	ValI64 byte = 0x7E
	ValF32 byte = 0x7D
	ValF64 byte = 0x7C
)

// TypeFunc prefixes each entry of the type section.
const TypeFunc byte = 0x60

// BlockVoid is the block type byte for a block producing no values.
const BlockVoid byte = 0x40

// Opcodes used by the probe's init-expression parser and the builder's
// function bodies. This is the subset the plugin contract needs, not the
// full instruction set.
const (
	OpBlock        byte = 0x02
	OpLoop         byte = 0x03
	OpIf           byte = 0x04
	OpEnd          byte = 0x0B
	OpBr           byte = 0x0C
	OpBrIf         byte = 0x0D
	OpReturn       byte = 0x0F
	OpLocalGet     byte = 0x20
	OpLocalSet     byte = 0x21
	OpGlobalGet    byte = 0x23
	OpI32Load      byte = 0x28
	OpF32Load      byte = 0x2A
	OpF64Load      byte = 0x2B
	OpI32Store     byte = 0x36
	OpF32Store     byte = 0x38
	OpF64Store     byte = 0x39
	OpI32Const     byte = 0x41
	OpI64Const     byte = 0x42
	OpF32Const     byte = 0x43
	OpF64Const     byte = 0x44
	OpI32GtS       byte = 0x4A
	OpI32GeS       byte = 0x4E
	OpI32GtU       byte = 0x4B
	OpI32Add       byte = 0x6A
	OpI32Mul       byte = 0x6C
	OpF32Mul       byte = 0x94
	OpF32DemoteF64 byte = 0xB6
)
