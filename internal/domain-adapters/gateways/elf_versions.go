package gateways

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/ochairo/wheelaudit/internal/domain/entities"
)

const (
	verFlgBase    = 0x1
	versymHidden  = 0x8000
	verneedSize   = 16
	vernauxSize   = 16
	verdefSize    = 20
	verdauxSize   = 8
	maxVersionRun = 1 << 16
)

type versionRef struct {
	library string
	name    string
}

// versionTables is the decoded GNU symbol versioning information of a file
type versionTables struct {
	versym       []uint16
	needs        map[uint16]versionRef
	defs         map[uint16]string
	requirements []entities.VersionNeed
	definitions  []string
}

// lookup returns the version and library for the dynamic symbol at symIndex
// (0 is the null symbol). Unversioned symbols return empty strings.
func (v *versionTables) lookup(symIndex int) (version, library string) {
	if symIndex >= len(v.versym) {
		return "", ""
	}
	idx := v.versym[symIndex] &^ versymHidden
	if idx <= 1 {
		return "", ""
	}
	if ref, ok := v.needs[idx]; ok {
		return ref.name, ref.library
	}
	if name, ok := v.defs[idx]; ok {
		return name, ""
	}
	return "", ""
}

// readVersionTables walks .gnu.version, .gnu.version_r and .gnu.version_d.
// Missing sections are not an error: the file is then simply unversioned.
func readVersionTables(f *elf.File) (*versionTables, error) {
	vt := &versionTables{
		needs: make(map[uint16]versionRef),
		defs:  make(map[uint16]string),
	}

	if sec := f.SectionByType(elf.SHT_GNU_VERSYM); sec != nil {
		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", sec.Name, err)
		}
		vt.versym = make([]uint16, len(data)/2)
		for i := range vt.versym {
			vt.versym[i] = f.ByteOrder.Uint16(data[i*2:])
		}
	}

	if sec := f.SectionByType(elf.SHT_GNU_VERNEED); sec != nil {
		data, strs, err := versionSectionData(f, sec)
		if err != nil {
			return nil, err
		}
		if err := vt.parseVerneed(f.ByteOrder, data, strs, sec.Info); err != nil {
			return nil, fmt.Errorf("%s: %w", sec.Name, err)
		}
	}

	if sec := f.SectionByType(elf.SHT_GNU_VERDEF); sec != nil {
		data, strs, err := versionSectionData(f, sec)
		if err != nil {
			return nil, err
		}
		if err := vt.parseVerdef(f.ByteOrder, data, strs, sec.Info); err != nil {
			return nil, fmt.Errorf("%s: %w", sec.Name, err)
		}
	}

	return vt, nil
}

func versionSectionData(f *elf.File, sec *elf.Section) (data, strs []byte, err error) {
	data, err = sec.Data()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", sec.Name, err)
	}
	if int(sec.Link) <= 0 || int(sec.Link) >= len(f.Sections) {
		return nil, nil, fmt.Errorf("%s links to invalid string table %d", sec.Name, sec.Link)
	}
	strs, err = f.Sections[sec.Link].Data()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read string table of %s: %w", sec.Name, err)
	}
	return data, strs, nil
}

// entryCount bounds a version chain walk: sh_info when present, otherwise a
// generous limit so a corrupt chain cannot loop forever
func entryCount(info uint32) int {
	if info == 0 {
		return maxVersionRun
	}
	return int(info)
}

// parseVerneed follows Elf_Verneed -> Elf_Vernaux chains
func (v *versionTables) parseVerneed(order binary.ByteOrder, data, strs []byte, info uint32) error {
	off := 0
	for n := 0; n < entryCount(info); n++ {
		if off < 0 || off+verneedSize > len(data) {
			return fmt.Errorf("verneed entry at %d out of range", off)
		}
		cnt := int(order.Uint16(data[off+2:]))
		file, err := cString(strs, order.Uint32(data[off+4:]))
		if err != nil {
			return err
		}
		aux := off + int(order.Uint32(data[off+8:]))
		next := int(order.Uint32(data[off+12:]))

		need := entities.VersionNeed{Library: file}
		for j := 0; j < cnt; j++ {
			if aux < 0 || aux+vernauxSize > len(data) {
				return fmt.Errorf("vernaux entry at %d out of range", aux)
			}
			other := order.Uint16(data[aux+6:]) &^ versymHidden
			name, err := cString(strs, order.Uint32(data[aux+8:]))
			if err != nil {
				return err
			}
			v.needs[other] = versionRef{library: file, name: name}
			need.Versions = append(need.Versions, name)
			auxNext := int(order.Uint32(data[aux+12:]))
			if auxNext == 0 {
				break
			}
			aux += auxNext
		}
		v.requirements = append(v.requirements, need)

		if next == 0 {
			break
		}
		off += next
	}
	return nil
}

// parseVerdef follows Elf_Verdef chains, keeping the first Elf_Verdaux name
func (v *versionTables) parseVerdef(order binary.ByteOrder, data, strs []byte, info uint32) error {
	off := 0
	for n := 0; n < entryCount(info); n++ {
		if off < 0 || off+verdefSize > len(data) {
			return fmt.Errorf("verdef entry at %d out of range", off)
		}
		flags := order.Uint16(data[off+2:])
		ndx := order.Uint16(data[off+4:]) &^ versymHidden
		cnt := order.Uint16(data[off+6:])
		aux := off + int(order.Uint32(data[off+12:]))
		next := int(order.Uint32(data[off+16:]))

		if cnt > 0 {
			if aux < 0 || aux+verdauxSize > len(data) {
				return fmt.Errorf("verdaux entry at %d out of range", aux)
			}
			name, err := cString(strs, order.Uint32(data[aux:]))
			if err != nil {
				return err
			}
			v.defs[ndx] = name
			if flags&verFlgBase == 0 {
				v.definitions = append(v.definitions, name)
			}
		}

		if next == 0 {
			break
		}
		off += next
	}
	return nil
}

func cString(strs []byte, off uint32) (string, error) {
	if int(off) >= len(strs) {
		return "", fmt.Errorf("string offset %d out of range", off)
	}
	end := bytes.IndexByte(strs[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("unterminated string at %d", off)
	}
	return string(strs[off : int(off)+end]), nil
}
