package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Segment describes one PT_LOAD entry of an image built by Build.
type Segment struct {
	Vaddr uint64
	Data  []byte
	Memsz uint64 // zero means len(Data)
	Flags elf.ProgFlag
}

const (
	ehdrSize = 64
	phdrSize = 56
)

// Build assembles a minimal little-endian RISC-V ELF64 executable with one
// program header per segment and no section headers.
func Build(entry uint64, segs ...Segment) []byte {
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehdrSize,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     uint16(len(segs)),
		Shentsize: 64,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	off := uint64(ehdrSize + phdrSize*len(segs))
	progs := make([]elf.Prog64, len(segs))
	for i, s := range segs {
		memsz := s.Memsz
		if memsz == 0 {
			memsz = uint64(len(s.Data))
		}
		progs[i] = elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(s.Flags),
			Off:    off,
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: uint64(len(s.Data)),
			Memsz:  memsz,
			Align:  0x1000,
		}
		off += uint64(len(s.Data))
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, &hdr)
	for i := range progs {
		_ = binary.Write(&buf, binary.LittleEndian, &progs[i])
	}
	for _, s := range segs {
		buf.Write(s.Data)
	}
	return buf.Bytes()
}
