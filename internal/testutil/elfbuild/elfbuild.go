// Package elfbuild synthesises small, valid ELF shared objects for tests.
//
// The generated files carry a dynamic section, a dynamic symbol table and GNU
// symbol versioning tables, which is all the auditor looks at. Nothing is ever
// executed, so there is no code.
package elfbuild

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// Symbol is an imported or exported dynamic symbol
type Symbol struct {
	Name    string
	Version string
	// Library is the file the version requirement is attached to (imports only)
	Library string
}

// Spec describes the file to build. Zero values pick a 64-bit little-endian
// x86_64 shared object.
type Spec struct {
	Class   elf.Class
	Data    elf.Data
	Machine elf.Machine
	Type    elf.Type

	Soname  string
	Needed  []string
	Rpath   string
	Runpath string
	Interp  string
	PIE     bool

	Imports []Symbol
	Exports []Symbol

	// NoSpareHeader leaves out the PT_NOTE program header
	NoSpareHeader bool
}

const (
	verFlgBase = 0x1
	pageSize   = 0x1000
)

type enc struct {
	order binary.AppendByteOrder
	is64  bool
	buf   []byte
}

func (e *enc) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *enc) u16(v uint16) { e.buf = e.order.AppendUint16(e.buf, v) }
func (e *enc) u32(v uint32) { e.buf = e.order.AppendUint32(e.buf, v) }
func (e *enc) u64(v uint64) { e.buf = e.order.AppendUint64(e.buf, v) }

func (e *enc) word(v uint64) {
	if e.is64 {
		e.u64(v)
	} else {
		e.u32(uint32(v))
	}
}

func (e *enc) pad(align int) {
	for len(e.buf)%align != 0 {
		e.buf = append(e.buf, 0)
	}
}

type strtab struct {
	data []byte
	offs map[string]uint32
}

func newStrtab() *strtab {
	return &strtab{data: []byte{0}, offs: map[string]uint32{"": 0}}
}

func (s *strtab) add(str string) uint32 {
	if off, ok := s.offs[str]; ok {
		return off
	}
	off := uint32(len(s.data))
	s.data = append(s.data, str...)
	s.data = append(s.data, 0)
	s.offs[str] = off
	return off
}

// Hash is the SysV ELF hash used in version tables
func Hash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

type section struct {
	name      string
	typ       elf.SectionType
	flags     elf.SectionFlag
	data      []byte
	align     int
	link      int
	info      uint32
	entsize   uint64
	offset    uint64
	nameOff   uint32
	linkName  string
	allocated bool
}

type dynEntry struct {
	tag elf.DynTag
	val uint64
	// addrOf names a section whose address becomes the value
	addrOf string
}

// Build returns the bytes of the ELF file described by spec
func Build(spec Spec) []byte {
	if spec.Class == elf.ELFCLASSNONE {
		spec.Class = elf.ELFCLASS64
	}
	if spec.Data == elf.ELFDATANONE {
		spec.Data = elf.ELFDATA2LSB
	}
	if spec.Machine == elf.EM_NONE {
		spec.Machine = elf.EM_X86_64
	}
	if spec.Type == elf.ET_NONE {
		spec.Type = elf.ET_DYN
	}
	is64 := spec.Class == elf.ELFCLASS64
	var order binary.AppendByteOrder = binary.LittleEndian
	if spec.Data == elf.ELFDATA2MSB {
		order = binary.BigEndian
	}
	newEnc := func() *enc { return &enc{order: order, is64: is64} }

	dynstr := newStrtab()
	var sections []*section
	addSection := func(s *section) *section {
		sections = append(sections, s)
		return s
	}

	if spec.Interp != "" {
		addSection(&section{name: ".interp", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC,
			data: append([]byte(spec.Interp), 0), align: 1, allocated: true})
	}
	var note *section
	if !spec.NoSpareHeader {
		e := newEnc()
		e.u32(4)
		e.u32(0)
		e.u32(1)
		e.buf = append(e.buf, 'G', 'N', 'U', 0)
		note = addSection(&section{name: ".note.test", typ: elf.SHT_NOTE, flags: elf.SHF_ALLOC,
			data: e.buf, align: 4, allocated: true})
	}

	// Version indices: definitions first (1 is the base), then requirements.
	defIndex := map[string]uint16{}
	var defNames []string
	for _, sym := range spec.Exports {
		if sym.Version != "" {
			if _, ok := defIndex[sym.Version]; !ok {
				defNames = append(defNames, sym.Version)
				defIndex[sym.Version] = uint16(len(defNames) + 1)
			}
		}
	}
	next := uint16(2)
	if len(defNames) > 0 {
		next = uint16(len(defNames) + 2)
	}
	type need struct {
		file     string
		versions []string
	}
	var needs []*need
	needByFile := map[string]*need{}
	needIndex := map[string]uint16{}
	for _, sym := range spec.Imports {
		if sym.Version == "" {
			continue
		}
		n, ok := needByFile[sym.Library]
		if !ok {
			n = &need{file: sym.Library}
			needByFile[sym.Library] = n
			needs = append(needs, n)
		}
		key := sym.Library + "\x00" + sym.Version
		if _, ok := needIndex[key]; !ok {
			n.versions = append(n.versions, sym.Version)
			needIndex[key] = next
			next++
		}
	}

	// Intern strings in a stable order.
	for _, n := range spec.Needed {
		dynstr.add(n)
	}
	for _, s := range []string{spec.Soname, spec.Rpath, spec.Runpath} {
		if s != "" {
			dynstr.add(s)
		}
	}

	var textIndex int
	symSize := 24
	if !is64 {
		symSize = 16
	}
	symEnc := newEnc()
	versym := newEnc()
	writeSym := func(name uint32, info uint8, shndx uint16) {
		if is64 {
			symEnc.u32(name)
			symEnc.u8(info)
			symEnc.u8(0)
			symEnc.u16(shndx)
			symEnc.u64(0)
			symEnc.u64(0)
		} else {
			symEnc.u32(name)
			symEnc.u32(0)
			symEnc.u32(0)
			symEnc.u8(info)
			symEnc.u8(0)
			symEnc.u16(shndx)
		}
	}

	dynstrSec := addSection(&section{name: ".dynstr", typ: elf.SHT_STRTAB, flags: elf.SHF_ALLOC, align: 1, allocated: true})
	dynsymSec := addSection(&section{name: ".dynsym", typ: elf.SHT_DYNSYM, flags: elf.SHF_ALLOC, align: 8,
		info: 1, entsize: uint64(symSize), linkName: ".dynstr", allocated: true})
	versymSec := addSection(&section{name: ".gnu.version", typ: elf.SHT_GNU_VERSYM, flags: elf.SHF_ALLOC, align: 2,
		entsize: 2, linkName: ".dynsym", allocated: true})
	var verdefSec, verneedSec *section
	if len(defNames) > 0 {
		verdefSec = addSection(&section{name: ".gnu.version_d", typ: elf.SHT_GNU_VERDEF, flags: elf.SHF_ALLOC, align: 8,
			info: uint32(len(defNames) + 1), linkName: ".dynstr", allocated: true})
	}
	if len(needs) > 0 {
		verneedSec = addSection(&section{name: ".gnu.version_r", typ: elf.SHT_GNU_VERNEED, flags: elf.SHF_ALLOC, align: 8,
			info: uint32(len(needs)), linkName: ".dynstr", allocated: true})
	}
	textSec := addSection(&section{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		data: make([]byte, 16), align: 16, allocated: true})
	dynamicSec := addSection(&section{name: ".dynamic", typ: elf.SHT_DYNAMIC, flags: elf.SHF_ALLOC | elf.SHF_WRITE,
		align: 8, entsize: 16, linkName: ".dynstr", allocated: true})
	if !is64 {
		dynamicSec.entsize = 8
		dynamicSec.align = 4
		dynsymSec.align = 4
		if verdefSec != nil {
			verdefSec.align = 4
		}
		if verneedSec != nil {
			verneedSec.align = 4
		}
	}
	shstrSec := addSection(&section{name: ".shstrtab", typ: elf.SHT_STRTAB, align: 1})
	for i, s := range sections {
		if s == textSec {
			textIndex = i + 1 // index 0 is the null section
		}
	}

	// Symbol table and versym.
	writeSym(0, 0, 0)
	versym.u16(0)
	for _, sym := range spec.Imports {
		writeSym(dynstr.add(sym.Name), uint8(elf.STB_GLOBAL)<<4|uint8(elf.STT_FUNC), uint16(elf.SHN_UNDEF))
		if sym.Version == "" {
			versym.u16(1)
		} else {
			versym.u16(needIndex[sym.Library+"\x00"+sym.Version])
		}
	}
	for _, sym := range spec.Exports {
		writeSym(dynstr.add(sym.Name), uint8(elf.STB_GLOBAL)<<4|uint8(elf.STT_FUNC), uint16(textIndex))
		if sym.Version == "" {
			versym.u16(1)
		} else {
			versym.u16(defIndex[sym.Version])
		}
	}
	dynsymSec.data = symEnc.buf
	versymSec.data = versym.buf

	if verdefSec != nil {
		base := spec.Soname
		if base == "" {
			base = "lib.so"
		}
		names := append([]string{base}, defNames...)
		e := newEnc()
		for i, name := range names {
			flags := uint16(0)
			if i == 0 {
				flags = verFlgBase
			}
			e.u16(1)
			e.u16(flags)
			e.u16(uint16(i + 1))
			e.u16(1)
			e.u32(Hash(name))
			e.u32(20)
			if i == len(names)-1 {
				e.u32(0)
			} else {
				e.u32(28)
			}
			e.u32(dynstr.add(name))
			e.u32(0)
		}
		verdefSec.data = e.buf
	}
	if verneedSec != nil {
		e := newEnc()
		for i, n := range needs {
			e.u16(1)
			e.u16(uint16(len(n.versions)))
			e.u32(dynstr.add(n.file))
			e.u32(16)
			if i == len(needs)-1 {
				e.u32(0)
			} else {
				e.u32(uint32(16 + 16*len(n.versions)))
			}
			for j, v := range n.versions {
				e.u32(Hash(v))
				e.u16(0)
				e.u16(needIndex[n.file+"\x00"+v])
				e.u32(dynstr.add(v))
				if j == len(n.versions)-1 {
					e.u32(0)
				} else {
					e.u32(16)
				}
			}
		}
		verneedSec.data = e.buf
	}
	dynstrSec.data = dynstr.data

	// Dynamic entries; addresses are filled after layout.
	var dyn []dynEntry
	for _, n := range spec.Needed {
		dyn = append(dyn, dynEntry{tag: elf.DT_NEEDED, val: uint64(dynstr.add(n))})
	}
	if spec.Soname != "" {
		dyn = append(dyn, dynEntry{tag: elf.DT_SONAME, val: uint64(dynstr.add(spec.Soname))})
	}
	if spec.Rpath != "" {
		dyn = append(dyn, dynEntry{tag: elf.DT_RPATH, val: uint64(dynstr.add(spec.Rpath))})
	}
	if spec.Runpath != "" {
		dyn = append(dyn, dynEntry{tag: elf.DT_RUNPATH, val: uint64(dynstr.add(spec.Runpath))})
	}
	dyn = append(dyn,
		dynEntry{tag: elf.DT_STRTAB, addrOf: ".dynstr"},
		dynEntry{tag: elf.DT_STRSZ, val: uint64(len(dynstr.data))},
		dynEntry{tag: elf.DT_SYMTAB, addrOf: ".dynsym"},
		dynEntry{tag: elf.DT_SYMENT, val: uint64(symSize)},
		dynEntry{tag: elf.DT_VERSYM, addrOf: ".gnu.version"},
	)
	if verdefSec != nil {
		dyn = append(dyn,
			dynEntry{tag: elf.DT_VERDEF, addrOf: ".gnu.version_d"},
			dynEntry{tag: elf.DT_VERDEFNUM, val: uint64(verdefSec.info)})
	}
	if verneedSec != nil {
		dyn = append(dyn,
			dynEntry{tag: elf.DT_VERNEED, addrOf: ".gnu.version_r"},
			dynEntry{tag: elf.DT_VERNEEDNUM, val: uint64(verneedSec.info)})
	}
	if spec.PIE {
		dyn = append(dyn, dynEntry{tag: elf.DT_FLAGS_1, val: uint64(elf.DF_1_PIE)})
	}
	dyn = append(dyn, dynEntry{tag: elf.DT_NULL})
	dynamicSec.data = make([]byte, len(dyn)*int(dynamicSec.entsize))

	shstr := newStrtab()
	for _, s := range sections {
		s.nameOff = shstr.add(s.name)
	}
	shstrSec.data = shstr.data

	// Layout.
	ehsize, phentsize, shentsize := 64, 56, 64
	if !is64 {
		ehsize, phentsize, shentsize = 52, 32, 40
	}
	phnum := 2
	if spec.Interp != "" {
		phnum++
	}
	if note != nil {
		phnum++
	}
	off := uint64(ehsize + phnum*phentsize)
	for _, s := range sections {
		if s.align > 1 {
			off = (off + uint64(s.align) - 1) &^ (uint64(s.align) - 1)
		}
		s.offset = off
		off += uint64(len(s.data))
	}
	shoff := (off + 7) &^ 7
	byName := map[string]int{}
	for i, s := range sections {
		byName[s.name] = i + 1
	}
	for _, s := range sections {
		if s.linkName != "" {
			s.link = byName[s.linkName]
		}
	}

	// Now the dynamic section can be encoded.
	de := newEnc()
	for _, d := range dyn {
		val := d.val
		if d.addrOf != "" {
			val = sections[byName[d.addrOf]-1].offset
		}
		if is64 {
			de.u64(uint64(d.tag))
			de.u64(val)
		} else {
			de.u32(uint32(d.tag))
			de.u32(uint32(val))
		}
	}
	dynamicSec.data = de.buf

	loadEnd := shstrSec.offset

	out := newEnc()
	// ELF header
	out.buf = append(out.buf, 0x7f, 'E', 'L', 'F', byte(spec.Class), byte(spec.Data), 1, 0)
	out.buf = append(out.buf, make([]byte, 8)...)
	out.u16(uint16(spec.Type))
	out.u16(uint16(spec.Machine))
	out.u32(1)
	out.word(0)                        // entry
	out.word(uint64(ehsize))           // phoff
	out.word(shoff)                    // shoff
	out.u32(0)                         // flags
	out.u16(uint16(ehsize))            // ehsize
	out.u16(uint16(phentsize))         // phentsize
	out.u16(uint16(phnum))             // phnum
	out.u16(uint16(shentsize))         // shentsize
	out.u16(uint16(len(sections)) + 1) // shnum
	out.u16(uint16(len(sections)))     // shstrndx

	writePhdr := func(typ elf.ProgType, flags elf.ProgFlag, offset, size, align uint64) {
		if is64 {
			out.u32(uint32(typ))
			out.u32(uint32(flags))
			out.u64(offset)
			out.u64(offset)
			out.u64(offset)
			out.u64(size)
			out.u64(size)
			out.u64(align)
		} else {
			out.u32(uint32(typ))
			out.u32(uint32(offset))
			out.u32(uint32(offset))
			out.u32(uint32(offset))
			out.u32(uint32(size))
			out.u32(uint32(size))
			out.u32(uint32(flags))
			out.u32(uint32(align))
		}
	}
	if spec.Interp != "" {
		s := sections[byName[".interp"]-1]
		writePhdr(elf.PT_INTERP, elf.PF_R, s.offset, uint64(len(s.data)), 1)
	}
	writePhdr(elf.PT_LOAD, elf.PF_R|elf.PF_W|elf.PF_X, 0, loadEnd, pageSize)
	writePhdr(elf.PT_DYNAMIC, elf.PF_R|elf.PF_W, dynamicSec.offset, uint64(len(dynamicSec.data)), uint64(dynamicSec.align))
	if note != nil {
		writePhdr(elf.PT_NOTE, elf.PF_R, note.offset, uint64(len(note.data)), 4)
	}

	for _, s := range sections {
		for uint64(len(out.buf)) < s.offset {
			out.u8(0)
		}
		out.buf = append(out.buf, s.data...)
	}
	for uint64(len(out.buf)) < shoff {
		out.u8(0)
	}

	writeShdr := func(nameOff uint32, typ elf.SectionType, flags elf.SectionFlag, addr, offset, size uint64, link int, info uint32, align, entsize uint64) {
		out.u32(nameOff)
		out.u32(uint32(typ))
		out.word(uint64(flags))
		out.word(addr)
		out.word(offset)
		out.word(size)
		out.u32(uint32(link))
		out.u32(info)
		out.word(align)
		out.word(entsize)
	}
	writeShdr(0, elf.SHT_NULL, 0, 0, 0, 0, 0, 0, 0, 0)
	for _, s := range sections {
		addr := uint64(0)
		if s.allocated {
			addr = s.offset
		}
		writeShdr(s.nameOff, s.typ, s.flags, addr, s.offset, uint64(len(s.data)), s.link, s.info, uint64(s.align), s.entsize)
	}
	return out.buf
}

// Write builds spec into dir/name and returns the path
func Write(t testing.TB, dir, name string, spec Spec) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, Build(spec), 0o755); err != nil { //nolint:gosec // test fixture must be executable like a real .so
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}
