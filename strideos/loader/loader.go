// Package loader turns ELF images into fresh user address spaces.
package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"stride/strideos/mm"
)

// StackSize is the size of every user stack.
const StackSize = 2 * mm.PageSize

var ErrMalformedImage = errors.New("malformed ELF image")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedImage, fmt.Sprintf(format, args...))
}

// Image is a loaded program.
type Image struct {
	Entry     uint64
	Space     *mm.AddressSpace
	StackBase uint64
	UserSP    uint64
}

type loadSeg struct {
	prog  *elf.Prog
	start uint64
	end   uint64
	perm  mm.Perm
}

// Load parses image and maps every PT_LOAD segment plus a user stack into a
// new address space. The stack sits one guard page above the highest segment.
// On error nothing stays allocated.
func Load(image []byte, frames *mm.FrameAllocator) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, malformed("%v", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, malformed("class %s", f.Class)
	}
	if f.Type != elf.ET_EXEC {
		return nil, malformed("type %s", f.Type)
	}
	if f.Machine != elf.EM_RISCV {
		return nil, malformed("machine %s", f.Machine)
	}

	segs, err := loadSegments(f)
	if err != nil {
		return nil, err
	}
	// Page table root, segments and stack must all fit before anything is
	// allocated.
	need := uint64(1 + StackSize/mm.PageSize)
	for _, s := range segs {
		need += uint64(mm.Ceil(s.end) - mm.Floor(s.start))
	}
	if free := uint64(frames.Free()); need > free {
		return nil, fmt.Errorf("load: need %d frames, %d free: %w", need, free, mm.ErrOutOfMemory)
	}

	space, err := mm.NewAddressSpace(frames)
	if err != nil {
		return nil, err
	}
	img, err := mapImage(space, f.Entry, segs)
	if err != nil {
		space.Release()
		return nil, err
	}
	return img, nil
}

func loadSegments(f *elf.File) ([]loadSeg, error) {
	var segs []loadSeg
	entryOK := false
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Memsz < p.Filesz {
			return nil, malformed("segment at %#x: memsz %d < filesz %d", p.Vaddr, p.Memsz, p.Filesz)
		}
		if p.Memsz == 0 {
			continue
		}
		end := p.Vaddr + p.Memsz
		if end < p.Vaddr || end > mm.UserTop-StackSize-2*mm.PageSize {
			return nil, malformed("segment at %#x size %#x outside user space", p.Vaddr, p.Memsz)
		}

		perm := mm.PermU
		if p.Flags&elf.PF_R != 0 {
			perm |= mm.PermR
		}
		if p.Flags&elf.PF_W != 0 {
			perm |= mm.PermW
		}
		if p.Flags&elf.PF_X != 0 {
			perm |= mm.PermX
			if f.Entry >= p.Vaddr && f.Entry < end {
				entryOK = true
			}
		}
		segs = append(segs, loadSeg{prog: p, start: p.Vaddr, end: end, perm: perm})
	}
	if len(segs) == 0 {
		return nil, malformed("no loadable segment")
	}
	if !entryOK {
		return nil, malformed("entry %#x outside executable segments", f.Entry)
	}
	return segs, nil
}

func mapImage(space *mm.AddressSpace, entry uint64, segs []loadSeg) (*Image, error) {
	var top uint64
	for _, s := range segs {
		if err := space.Map(s.start, s.end, s.perm); err != nil {
			if errors.Is(err, mm.ErrOverlap) {
				return nil, malformed("%v", err)
			}
			return nil, err
		}
		if s.prog.Filesz > 0 {
			data := make([]byte, s.prog.Filesz)
			if _, err := io.ReadFull(s.prog.Open(), data); err != nil {
				return nil, malformed("segment at %#x: %v", s.start, err)
			}
			if err := space.WriteUser(s.start, data); err != nil {
				return nil, err
			}
		}
		if s.end > top {
			top = s.end
		}
	}

	stackBase := uint64(mm.Ceil(top))*mm.PageSize + mm.PageSize
	sp := stackBase + StackSize
	if err := space.Map(stackBase, sp, mm.PermR|mm.PermW|mm.PermU); err != nil {
		return nil, err
	}
	return &Image{Entry: entry, Space: space, StackBase: stackBase, UserSP: sp}, nil
}
