package gateways

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// elfLayout gives raw access to the headers of an ELF file held in memory.
// debug/elf is read-only, so everything the patcher rewrites goes through here.
type elfLayout struct {
	data  []byte
	order binary.ByteOrder
	is64  bool

	phoff, shoff         uint64
	phentsize, shentsize int
	phnum, shnum         int
}

type progHeader struct {
	typ    elf.ProgType
	flags  elf.ProgFlag
	off    uint64
	vaddr  uint64
	paddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

type sectionHeader struct {
	name      uint32
	typ       elf.SectionType
	flags     uint64
	addr      uint64
	off       uint64
	size      uint64
	link      uint32
	info      uint32
	addralign uint64
	entsize   uint64
}

func newELFLayout(data []byte, f *elf.File) (*elfLayout, error) {
	l := &elfLayout{data: data, order: f.ByteOrder, is64: f.Class == elf.ELFCLASS64}
	if l.is64 {
		if len(data) < 64 {
			return nil, fmt.Errorf("short ELF header")
		}
		l.phoff = l.order.Uint64(data[0x20:])
		l.shoff = l.order.Uint64(data[0x28:])
		l.phentsize = int(l.order.Uint16(data[0x36:]))
		l.phnum = int(l.order.Uint16(data[0x38:]))
		l.shentsize = int(l.order.Uint16(data[0x3A:]))
		l.shnum = int(l.order.Uint16(data[0x3C:]))
	} else {
		if len(data) < 52 {
			return nil, fmt.Errorf("short ELF header")
		}
		l.phoff = uint64(l.order.Uint32(data[0x1C:]))
		l.shoff = uint64(l.order.Uint32(data[0x20:]))
		l.phentsize = int(l.order.Uint16(data[0x2A:]))
		l.phnum = int(l.order.Uint16(data[0x2C:]))
		l.shentsize = int(l.order.Uint16(data[0x2E:]))
		l.shnum = int(l.order.Uint16(data[0x30:]))
	}
	if l.phoff+uint64(l.phnum*l.phentsize) > uint64(len(data)) {
		return nil, fmt.Errorf("program header table out of range")
	}
	if l.shoff+uint64(l.shnum*l.shentsize) > uint64(len(data)) {
		return nil, fmt.Errorf("section header table out of range")
	}
	return l, nil
}

func (l *elfLayout) wordSize() int {
	if l.is64 {
		return 8
	}
	return 4
}

func (l *elfLayout) word(b []byte) uint64 {
	if l.is64 {
		return l.order.Uint64(b)
	}
	return uint64(l.order.Uint32(b))
}

func (l *elfLayout) putWord(b []byte, v uint64) {
	if l.is64 {
		l.order.PutUint64(b, v)
	} else {
		l.order.PutUint32(b, uint32(v))
	}
}

func (l *elfLayout) prog(i int) progHeader {
	b := l.data[l.phoff+uint64(i*l.phentsize):]
	if l.is64 {
		return progHeader{
			typ:    elf.ProgType(l.order.Uint32(b[0:])),
			flags:  elf.ProgFlag(l.order.Uint32(b[4:])),
			off:    l.order.Uint64(b[8:]),
			vaddr:  l.order.Uint64(b[16:]),
			paddr:  l.order.Uint64(b[24:]),
			filesz: l.order.Uint64(b[32:]),
			memsz:  l.order.Uint64(b[40:]),
			align:  l.order.Uint64(b[48:]),
		}
	}
	return progHeader{
		typ:    elf.ProgType(l.order.Uint32(b[0:])),
		off:    uint64(l.order.Uint32(b[4:])),
		vaddr:  uint64(l.order.Uint32(b[8:])),
		paddr:  uint64(l.order.Uint32(b[12:])),
		filesz: uint64(l.order.Uint32(b[16:])),
		memsz:  uint64(l.order.Uint32(b[20:])),
		flags:  elf.ProgFlag(l.order.Uint32(b[24:])),
		align:  uint64(l.order.Uint32(b[28:])),
	}
}

func (l *elfLayout) setProg(i int, p progHeader) {
	b := l.data[l.phoff+uint64(i*l.phentsize):]
	if l.is64 {
		l.order.PutUint32(b[0:], uint32(p.typ))
		l.order.PutUint32(b[4:], uint32(p.flags))
		l.order.PutUint64(b[8:], p.off)
		l.order.PutUint64(b[16:], p.vaddr)
		l.order.PutUint64(b[24:], p.paddr)
		l.order.PutUint64(b[32:], p.filesz)
		l.order.PutUint64(b[40:], p.memsz)
		l.order.PutUint64(b[48:], p.align)
		return
	}
	l.order.PutUint32(b[0:], uint32(p.typ))
	l.order.PutUint32(b[4:], uint32(p.off))
	l.order.PutUint32(b[8:], uint32(p.vaddr))
	l.order.PutUint32(b[12:], uint32(p.paddr))
	l.order.PutUint32(b[16:], uint32(p.filesz))
	l.order.PutUint32(b[20:], uint32(p.memsz))
	l.order.PutUint32(b[24:], uint32(p.flags))
	l.order.PutUint32(b[28:], uint32(p.align))
}

func (l *elfLayout) section(i int) sectionHeader {
	b := l.data[l.shoff+uint64(i*l.shentsize):]
	w := l.wordSize()
	s := sectionHeader{
		name: l.order.Uint32(b[0:]),
		typ:  elf.SectionType(l.order.Uint32(b[4:])),
	}
	off := 8
	s.flags = l.word(b[off:])
	off += w
	s.addr = l.word(b[off:])
	off += w
	s.off = l.word(b[off:])
	off += w
	s.size = l.word(b[off:])
	off += w
	s.link = l.order.Uint32(b[off:])
	s.info = l.order.Uint32(b[off+4:])
	off += 8
	s.addralign = l.word(b[off:])
	s.entsize = l.word(b[off+w:])
	return s
}

func (l *elfLayout) setSection(i int, s sectionHeader) {
	b := l.data[l.shoff+uint64(i*l.shentsize):]
	w := l.wordSize()
	l.order.PutUint32(b[0:], s.name)
	l.order.PutUint32(b[4:], uint32(s.typ))
	off := 8
	l.putWord(b[off:], s.flags)
	off += w
	l.putWord(b[off:], s.addr)
	off += w
	l.putWord(b[off:], s.off)
	off += w
	l.putWord(b[off:], s.size)
	off += w
	l.order.PutUint32(b[off:], s.link)
	l.order.PutUint32(b[off+4:], s.info)
	off += 8
	l.putWord(b[off:], s.addralign)
	l.putWord(b[off+w:], s.entsize)
}

// sectionIndex returns the index of the first section of the given type, or -1
func (l *elfLayout) sectionIndex(typ elf.SectionType) int {
	for i := 1; i < l.shnum; i++ {
		if l.section(i).typ == typ {
			return i
		}
	}
	return -1
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}
