package wasm

import (
	"errors"
	"fmt"
)

// WASINamespace is the import module name of WASI preview 1. Modules built
// by toolchains that target WASI import their runtime support from it; the
// loader provides that namespace and rejects every other import.
const WASINamespace = "wasi_snapshot_preview1"

// Export is one entry of a module's export section.
type Export struct {
	Name  string
	Kind  Kind
	Index uint32
}

// Import is one entry of a module's import section.
type Import struct {
	Module string
	Name   string
	Kind   Kind
}

// String returns the import in "module.name" form for diagnostics.
func (i Import) String() string {
	return i.Module + "." + i.Name
}

type globalDef struct {
	valType byte
	mutable bool
	hasI32  bool
	i32     int32
}

// Probe is the statically decoded surface of a core module binary: its
// imports, exports, start-section presence, and the constant initializers
// of its defined globals. Building a Probe executes no module code.
type Probe struct {
	Exports  []Export
	Imports  []Import
	HasStart bool

	globals         []globalDef
	importedGlobals int
}

// ParseProbe decodes the sections of a core module binary that the loader's
// gates need. Sections it does not inspect are skipped, so a module using
// features beyond the probe's instruction subset still probes cleanly.
func ParseProbe(data []byte) (*Probe, error) {
	r := newReader(data)

	magic, err := r.readU32LE()
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}
	version, err := r.readU32LE()
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	if version != BinaryVersion {
		return nil, ErrInvalidVersion
	}

	p := &Probe{}
	lastOrder := 0
	for r.len() > 0 {
		id, err := r.readByte()
		if err != nil {
			return nil, r.wrapErr(err)
		}
		size, err := r.readU32()
		if err != nil {
			return nil, fmt.Errorf("section %d size: %w", id, err)
		}
		payload, err := r.readBytes(int(size))
		if err != nil {
			return nil, fmt.Errorf("section %d payload: %w", id, err)
		}
		if id != SectionCustom {
			order := sectionOrder(id)
			if order <= lastOrder {
				return nil, fmt.Errorf("section %d appears out of order", id)
			}
			lastOrder = order
		}

		sr := newReader(payload)
		switch id {
		case SectionImport:
			err = p.parseImports(sr)
		case SectionGlobal:
			err = p.parseGlobals(sr)
		case SectionExport:
			err = p.parseExports(sr)
		case SectionStart:
			p.HasStart = true
		}
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
	}
	return p, nil
}

// sectionOrder maps a section ID to its canonical position. The data count
// section (12) precedes code (10) and data (11) despite its higher ID.
func sectionOrder(id byte) int {
	switch id {
	case 12: // data count
		return 10
	case SectionCode:
		return 11
	case SectionData:
		return 12
	default:
		return int(id)
	}
}

func (p *Probe) parseImports(r *reader) error {
	count, err := r.readU32()
	if err != nil {
		return err
	}
	for n := uint32(0); n < count; n++ {
		module, err := r.readName()
		if err != nil {
			return err
		}
		name, err := r.readName()
		if err != nil {
			return err
		}
		kind, err := r.readByte()
		if err != nil {
			return err
		}
		switch Kind(kind) {
		case KindFunc:
			if _, err := r.readU32(); err != nil {
				return err
			}
		case KindTable:
			if _, err := r.readByte(); err != nil { // reference type
				return err
			}
			if err := skipLimits(r); err != nil {
				return err
			}
		case KindMemory:
			if err := skipLimits(r); err != nil {
				return err
			}
		case KindGlobal:
			if _, err := r.readBytes(2); err != nil { // value type + mutability
				return err
			}
			p.importedGlobals++
		default:
			return fmt.Errorf("import %s.%s: unknown kind %d", module, name, kind)
		}
		p.Imports = append(p.Imports, Import{Module: module, Name: name, Kind: Kind(kind)})
	}
	return nil
}

func skipLimits(r *reader) error {
	flags, err := r.readU32()
	if err != nil {
		return err
	}
	if _, err := r.readU32(); err != nil { // min
		return err
	}
	if flags&0x1 != 0 {
		if _, err := r.readU32(); err != nil { // max
			return err
		}
	}
	return nil
}

func (p *Probe) parseGlobals(r *reader) error {
	count, err := r.readU32()
	if err != nil {
		return err
	}
	for n := uint32(0); n < count; n++ {
		valType, err := r.readByte()
		if err != nil {
			return err
		}
		mut, err := r.readByte()
		if err != nil {
			return err
		}
		g := globalDef{valType: valType, mutable: mut != 0}

		// Constant initializer expression.
		op, err := r.readByte()
		if err != nil {
			return err
		}
		switch op {
		case OpI32Const:
			v, err := r.readS32()
			if err != nil {
				return err
			}
			g.hasI32 = true
			g.i32 = v
		case OpI64Const:
			if _, err := r.readS64(); err != nil {
				return err
			}
		case OpF32Const:
			if err := r.skip(4); err != nil {
				return err
			}
		case OpF64Const:
			if err := r.skip(8); err != nil {
				return err
			}
		case OpGlobalGet:
			if _, err := r.readU32(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("global %d: unsupported init opcode 0x%02x", n, op)
		}
		end, err := r.readByte()
		if err != nil {
			return err
		}
		if end != OpEnd {
			return errors.New("global initializer not terminated")
		}
		p.globals = append(p.globals, g)
	}
	return nil
}

func (p *Probe) parseExports(r *reader) error {
	count, err := r.readU32()
	if err != nil {
		return err
	}
	for n := uint32(0); n < count; n++ {
		name, err := r.readName()
		if err != nil {
			return err
		}
		kind, err := r.readByte()
		if err != nil {
			return err
		}
		index, err := r.readU32()
		if err != nil {
			return err
		}
		p.Exports = append(p.Exports, Export{Name: name, Kind: Kind(kind), Index: index})
	}
	return nil
}

// HasExport reports whether the module exports name with the given kind.
func (p *Probe) HasExport(name string, kind Kind) bool {
	for _, e := range p.Exports {
		if e.Name == name && e.Kind == kind {
			return true
		}
	}
	return false
}

// ExportedGlobalI32 returns the constant initializer of the i32 global
// exported under name. It reports false when the export is absent, is not a
// global, refers to an imported global (whose value the binary does not
// carry), or is mutable. A contract version must be a baked constant.
func (p *Probe) ExportedGlobalI32(name string) (int32, bool) {
	for _, e := range p.Exports {
		if e.Name != name || e.Kind != KindGlobal {
			continue
		}
		idx := int(e.Index) - p.importedGlobals
		if idx < 0 || idx >= len(p.globals) {
			return 0, false
		}
		g := p.globals[idx]
		if g.mutable || !g.hasI32 || g.valType != ValI32 {
			return 0, false
		}
		return g.i32, true
	}
	return 0, false
}

// NeedsWASI reports whether the module imports from the WASI preview 1
// namespace.
func (p *Probe) NeedsWASI() bool {
	for _, i := range p.Imports {
		if i.Module == WASINamespace {
			return true
		}
	}
	return false
}

// ForeignImports returns the imports outside the WASI preview 1 namespace.
// The loader treats any of these as fatal: the host defines no other import
// surface.
func (p *Probe) ForeignImports() []Import {
	var out []Import
	for _, i := range p.Imports {
		if i.Module != WASINamespace {
			out = append(out, i)
		}
	}
	return out
}
