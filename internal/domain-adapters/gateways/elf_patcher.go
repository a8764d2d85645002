package gateways

import (
	"bytes"
	"context"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
	"github.com/ochairo/wheelaudit/internal/domain/interfaces"
)

// elfPatcherGateway rewrites DT_NEEDED, DT_SONAME and DT_RUNPATH in place.
//
// Strings are appended to a copy of .dynstr. When the copy (or a grown
// .dynamic) no longer fits where the original lives, it is placed in a new
// PT_LOAD segment at the end of the file, using a spare PT_NULL or PT_NOTE
// program header. A later patch extends that segment instead of taking
// another header. Existing code and data never move.
type elfPatcherGateway struct {
	logger interfaces.Logger
}

// NewELFPatcherGateway creates a new ELF patcher gateway
//
//nolint:revive // unexported-return: Intentionally returns concrete type for testability
func NewELFPatcherGateway(logger interfaces.Logger) *elfPatcherGateway {
	return &elfPatcherGateway{logger: interfaces.OrNoOp(logger)}
}

type dynEntry struct {
	tag elf.DynTag
	val uint64
}

// Patch applies edit to the file at path. An edit that changes nothing leaves
// the file untouched.
func (g *elfPatcherGateway) Patch(ctx context.Context, path string, edit entities.DynamicEdit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if edit.IsEmpty() {
		return nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the audit request
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	out, changed, err := patchELF(data, edit)
	if err != nil {
		return fmt.Errorf("failed to patch %s: %w", path, err)
	}
	if !changed {
		g.logger.Debug("dynamic section already up to date", interfaces.F("path", path))
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := writeFileAtomic(path, out, info.Mode().Perm()); err != nil {
		return err
	}

	g.logger.Debug("patched dynamic section",
		interfaces.F("path", path),
		interfaces.F("soname", edit.Soname),
		interfaces.F("runpath", edit.Runpath),
		interfaces.F("replaced_needed", len(edit.ReplaceNeeded)),
		interfaces.F("size", len(out)))
	return nil
}

// patchELF returns the patched bytes and whether anything changed
func patchELF(data []byte, edit entities.DynamicEdit) ([]byte, bool, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", entities.ErrMalformedBinary, err)
	}
	//nolint:errcheck // Reader-backed file, nothing to release
	defer f.Close()

	out := make([]byte, len(data))
	copy(out, data)
	l, err := newELFLayout(out, f)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", entities.ErrMalformedBinary, err)
	}

	dynIdx := l.sectionIndex(elf.SHT_DYNAMIC)
	if dynIdx < 0 {
		return nil, false, fmt.Errorf("%w: no dynamic section", entities.ErrMalformedBinary)
	}
	dynSec := l.section(dynIdx)
	strIdx := int(dynSec.link)
	if strIdx <= 0 || strIdx >= l.shnum {
		return nil, false, fmt.Errorf("%w: dynamic section has no string table", entities.ErrMalformedBinary)
	}
	strSec := l.section(strIdx)
	if dynSec.off+dynSec.size > uint64(len(out)) || strSec.off+strSec.size > uint64(len(out)) {
		return nil, false, fmt.Errorf("%w: dynamic data out of range", entities.ErrMalformedBinary)
	}

	entSize := uint64(2 * l.wordSize())
	slots := int(dynSec.size / entSize)
	entries := readDynamic(l, dynSec.off, slots)

	strs := newDynstrBuilder(out[strSec.off : strSec.off+strSec.size])
	updated, err := editDynamic(entries, strs, edit)
	if err != nil {
		return nil, false, err
	}
	vernChanged, err := patchVerneedFiles(l, strs, edit.ReplaceNeeded)
	if err != nil {
		return nil, false, err
	}

	dynChanged := !sameEntries(entries, updated)
	if !dynChanged && !vernChanged && !strs.grown() {
		return data, false, nil
	}

	// +1 for the terminating DT_NULL
	needSlots := len(updated) + 1
	moveStrings := strs.grown()
	moveDynamic := needSlots > slots

	if moveStrings || moveDynamic {
		var err error
		out, l, err = appendSegment(l, strs.bytes(), moveStrings, moveDynamic, needSlots, entSize,
			dynIdx, strIdx, &updated)
		if err != nil {
			return nil, false, err
		}
		dynSec = l.section(dynIdx)
		slots = int(dynSec.size / entSize)
	}

	writeDynamic(l, dynSec.off, slots, updated)
	return out, true, nil
}

func readDynamic(l *elfLayout, off uint64, slots int) []dynEntry {
	w := uint64(l.wordSize())
	var entries []dynEntry
	for i := 0; i < slots; i++ {
		b := l.data[off+uint64(i)*2*w:]
		e := dynEntry{tag: elf.DynTag(l.word(b)), val: l.word(b[w:])}
		if e.tag == elf.DT_NULL {
			break
		}
		entries = append(entries, e)
	}
	return entries
}

// writeDynamic writes entries and fills the remaining slots with DT_NULL
func writeDynamic(l *elfLayout, off uint64, slots int, entries []dynEntry) {
	w := uint64(l.wordSize())
	for i := 0; i < slots; i++ {
		b := l.data[off+uint64(i)*2*w:]
		e := dynEntry{tag: elf.DT_NULL}
		if i < len(entries) {
			e = entries[i]
		}
		l.putWord(b, uint64(e.tag))
		l.putWord(b[w:], e.val)
	}
}

func sameEntries(a, b []dynEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// editDynamic applies edit to a copy of entries. New tags are inserted at the
// end, before the terminating DT_NULL.
func editDynamic(entries []dynEntry, strs *dynstrBuilder, edit entities.DynamicEdit) ([]dynEntry, error) {
	out := make([]dynEntry, 0, len(entries)+2)
	hasSoname, hasRunpath := false, false

	for _, e := range entries {
		switch e.tag {
		case elf.DT_NEEDED:
			name, err := strs.lookup(e.val)
			if err != nil {
				return nil, err
			}
			if repl, ok := edit.ReplaceNeeded[name]; ok && repl != name {
				e.val = strs.add(repl)
			}
		case elf.DT_SONAME:
			hasSoname = true
			if edit.Soname != "" {
				e.val = strs.add(edit.Soname)
			}
		case elf.DT_RPATH:
			if edit.Runpath != "" {
				continue
			}
		case elf.DT_RUNPATH:
			hasRunpath = true
			if edit.Runpath != "" {
				e.val = strs.add(edit.Runpath)
			}
		}
		out = append(out, e)
	}

	if edit.Soname != "" && !hasSoname {
		out = append(out, dynEntry{tag: elf.DT_SONAME, val: strs.add(edit.Soname)})
	}
	if edit.Runpath != "" && !hasRunpath {
		out = append(out, dynEntry{tag: elf.DT_RUNPATH, val: strs.add(edit.Runpath)})
	}
	return out, nil
}

// patchVerneedFiles renames vn_file in .gnu.version_r so symbol version checks
// still name the replaced library
func patchVerneedFiles(l *elfLayout, strs *dynstrBuilder, replace map[string]string) (bool, error) {
	if len(replace) == 0 {
		return false, nil
	}
	idx := l.sectionIndex(elf.SHT_GNU_VERNEED)
	if idx < 0 {
		return false, nil
	}
	sec := l.section(idx)
	if sec.off+sec.size > uint64(len(l.data)) {
		return false, fmt.Errorf("%w: %s out of range", entities.ErrMalformedBinary, ".gnu.version_r")
	}
	data := l.data[sec.off : sec.off+sec.size]

	changed := false
	off := 0
	for n := 0; n < entryCount(sec.info); n++ {
		if off+verneedSize > len(data) {
			return false, fmt.Errorf("%w: verneed entry at %d out of range", entities.ErrMalformedBinary, off)
		}
		name, err := strs.lookup(uint64(l.order.Uint32(data[off+4:])))
		if err != nil {
			return false, err
		}
		if repl, ok := replace[name]; ok && repl != name {
			l.order.PutUint32(data[off+4:], uint32(strs.add(repl)))
			changed = true
		}
		next := int(l.order.Uint32(data[off+12:]))
		if next == 0 {
			break
		}
		off += next
	}
	return changed, nil
}

// appendSegment maps the grown string table (and, if needed, a larger dynamic
// table) at the end of the file. A writable PT_LOAD that already ends the
// file, such as one added by an earlier patch, is extended; otherwise a new
// PT_LOAD takes a spare program header.
func appendSegment(l *elfLayout, dynstr []byte, moveStrings, moveDynamic bool, needSlots int, entSize uint64,
	dynIdx, strIdx int, entries *[]dynEntry) ([]byte, *elfLayout, error) {
	tail, grow := growableTail(l)
	spare := -1
	if !grow {
		var err error
		if spare, err = spareProgHeader(l); err != nil {
			return nil, nil, err
		}
	}

	align, end := uint64(1), uint64(0)
	for i := 0; i < l.phnum; i++ {
		p := l.prog(i)
		if p.typ != elf.PT_LOAD {
			continue
		}
		if p.align > align {
			align = p.align
		}
		if e := p.vaddr + p.memsz; e > end {
			end = e
		}
	}
	if end == 0 {
		return nil, nil, fmt.Errorf("%w: no PT_LOAD segment", entities.ErrMalformedBinary)
	}

	var segOff, segAddr uint64
	if grow {
		// offset and address move together, so congruence is kept
		p := l.prog(tail)
		pad := alignUp(p.vaddr+p.filesz, uint64(l.wordSize())) - (p.vaddr + p.filesz)
		segOff, segAddr = p.off+p.filesz+pad, p.vaddr+p.filesz+pad
	} else {
		segOff, segAddr = alignUp(uint64(len(l.data)), align), alignUp(end, align)
	}

	var seg []byte
	var strOff, dynOff uint64
	if moveStrings {
		strOff = 0
		seg = append(seg, dynstr...)
	}
	if moveDynamic {
		dynOff = alignUp(uint64(len(seg)), uint64(l.wordSize()))
		seg = append(seg, make([]byte, dynOff-uint64(len(seg)))...)
		seg = append(seg, make([]byte, uint64(needSlots)*entSize)...)
	}

	out := make([]byte, segOff, segOff+uint64(len(seg)))
	copy(out, l.data)
	out = append(out, seg...)
	l.data = out

	if moveStrings {
		s := l.section(strIdx)
		s.off, s.addr, s.size = segOff+strOff, segAddr+strOff, uint64(len(dynstr))
		l.setSection(strIdx, s)
		for i := range *entries {
			switch (*entries)[i].tag {
			case elf.DT_STRTAB:
				(*entries)[i].val = segAddr + strOff
			case elf.DT_STRSZ:
				(*entries)[i].val = uint64(len(dynstr))
			}
		}
	}
	if moveDynamic {
		s := l.section(dynIdx)
		s.off, s.addr, s.size = segOff+dynOff, segAddr+dynOff, uint64(needSlots)*entSize
		l.setSection(dynIdx, s)
		for i := 0; i < l.phnum; i++ {
			p := l.prog(i)
			if p.typ == elf.PT_DYNAMIC {
				p.off, p.vaddr, p.paddr = s.off, s.addr, s.addr
				p.filesz, p.memsz = s.size, s.size
				l.setProg(i, p)
			}
		}
	}

	if grow {
		p := l.prog(tail)
		p.filesz = uint64(len(out)) - p.off
		p.memsz = p.filesz
		l.setProg(tail, p)
		return out, l, nil
	}

	l.setProg(spare, progHeader{
		typ:    elf.PT_LOAD,
		flags:  elf.PF_R | elf.PF_W,
		off:    segOff,
		vaddr:  segAddr,
		paddr:  segAddr,
		filesz: uint64(len(seg)),
		memsz:  uint64(len(seg)),
		align:  align,
	})
	sortLoadSegments(l)
	return out, l, nil
}

// growableTail finds the highest PT_LOAD when it is writable, has no bss and
// ends exactly at the end of the file, so bytes appended to the file can be
// mapped by extending it
func growableTail(l *elfLayout) (int, bool) {
	last := -1
	for i := 0; i < l.phnum; i++ {
		p := l.prog(i)
		if p.typ != elf.PT_LOAD {
			continue
		}
		if last < 0 || p.vaddr > l.prog(last).vaddr {
			last = i
		}
	}
	if last < 0 {
		return -1, false
	}
	p := l.prog(last)
	if p.flags&elf.PF_W == 0 || p.filesz != p.memsz || p.off+p.filesz != uint64(len(l.data)) {
		return -1, false
	}
	for i := 0; i < l.phnum; i++ {
		if q := l.prog(i); q.typ == elf.PT_LOAD && i != last && q.off+q.filesz > p.off+p.filesz {
			return -1, false
		}
	}
	return last, true
}

// spareProgHeader picks a PT_NULL entry, falling back to PT_NOTE
func spareProgHeader(l *elfLayout) (int, error) {
	note := -1
	for i := 0; i < l.phnum; i++ {
		switch l.prog(i).typ {
		case elf.PT_NULL:
			return i, nil
		case elf.PT_NOTE:
			if note < 0 {
				note = i
			}
		}
	}
	if note >= 0 {
		return note, nil
	}
	return -1, entities.ErrNoSpareSegment
}

// sortLoadSegments keeps PT_LOAD entries in ascending vaddr order without
// moving any other program header
func sortLoadSegments(l *elfLayout) {
	var slots []int
	var loads []progHeader
	for i := 0; i < l.phnum; i++ {
		if p := l.prog(i); p.typ == elf.PT_LOAD {
			slots = append(slots, i)
			loads = append(loads, p)
		}
	}
	sort.SliceStable(loads, func(i, j int) bool { return loads[i].vaddr < loads[j].vaddr })
	for k, i := range slots {
		l.setProg(i, loads[k])
	}
}

// dynstrBuilder is an append-only copy of a string table. Existing offsets
// stay valid; strings already present are reused.
type dynstrBuilder struct {
	data     []byte
	origSize int
}

func newDynstrBuilder(orig []byte) *dynstrBuilder {
	data := make([]byte, len(orig))
	copy(data, orig)
	return &dynstrBuilder{data: data, origSize: len(orig)}
}

func (b *dynstrBuilder) lookup(off uint64) (string, error) {
	s, err := cString(b.data, uint32(off))
	if err != nil {
		return "", fmt.Errorf("%w: %v", entities.ErrMalformedBinary, err)
	}
	return s, nil
}

func (b *dynstrBuilder) add(s string) uint64 {
	needle := append([]byte(s), 0)
	// a match must start at a string boundary or be a suffix of one
	if i := bytes.Index(b.data, needle); i >= 0 && (s != "" || i == 0) {
		return uint64(i)
	}
	off := len(b.data)
	b.data = append(b.data, needle...)
	return uint64(off)
}

func (b *dynstrBuilder) grown() bool {
	return len(b.data) != b.origSize
}

func (b *dynstrBuilder) bytes() []byte {
	return b.data
}

// writeFileAtomic replaces path through a temporary file in the same directory
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	//nolint:errcheck // best-effort cleanup, a no-op once renamed
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to set mode on %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
