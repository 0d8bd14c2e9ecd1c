package mm

import (
	"fmt"
	"sort"
	"strings"
)

// Perm is a set of page permissions.
type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX
	PermU
)

func (p Perm) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit Perm
		c   byte
	}{{PermR, 'R'}, {PermW, 'W'}, {PermX, 'X'}, {PermU, 'U'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// VPN is a virtual page number.
type VPN uint64

// UserTop is the end of the user half of an Sv39 address space.
const UserTop uint64 = 1 << 38

// Floor returns the page containing va.
func Floor(va uint64) VPN { return VPN(va / PageSize) }

// Ceil returns the first page boundary at or above va.
func Ceil(va uint64) VPN { return VPN((va + PageSize - 1) / PageSize) }

type pte struct {
	frame *Frame
	perm  Perm
}

// Area is a contiguous range of mapped pages.
type Area struct {
	Start VPN
	End   VPN // exclusive
	Perm  Perm
}

// AddressSpace is a task's page table plus the frames it owns.
type AddressSpace struct {
	alloc *FrameAllocator
	root  *Frame
	pages map[VPN]pte
	areas []Area
}

// NewAddressSpace allocates the root frame of an empty address space.
func NewAddressSpace(alloc *FrameAllocator) (*AddressSpace, error) {
	root, err := alloc.Alloc()
	if err != nil {
		return nil, fmt.Errorf("page table root: %w", err)
	}
	return &AddressSpace{alloc: alloc, root: root, pages: make(map[VPN]pte)}, nil
}

// Token identifies the page table root, as written to satp on a real machine.
// A released address space has token 0.
func (as *AddressSpace) Token() uint64 {
	if as == nil || as.root == nil {
		return 0
	}
	return uint64(as.root.PPN)
}

// Released reports whether Release has been called.
func (as *AddressSpace) Released() bool { return as.root == nil }

// Map backs [start, end) with fresh frames.
func (as *AddressSpace) Map(start, end uint64, perm Perm) error {
	if as.Released() {
		return ErrReleased
	}
	if end < start || end > UserTop {
		return fmt.Errorf("map %#x-%#x: %w", start, end, ErrRange)
	}
	area := Area{Start: Floor(start), End: Ceil(end), Perm: perm}
	if n := uint64(area.End - area.Start); n > uint64(as.alloc.Free()) {
		return fmt.Errorf("map %#x-%#x: %d pages: %w", start, end, n, ErrOutOfMemory)
	}
	for _, a := range as.areas {
		if a.Start < area.End && area.Start < a.End {
			return fmt.Errorf("map %#x-%#x: %w", start, end, ErrOverlap)
		}
	}
	for vpn := area.Start; vpn < area.End; vpn++ {
		f, err := as.alloc.Alloc()
		if err != nil {
			for v := area.Start; v < vpn; v++ {
				as.alloc.Dealloc(as.pages[v].frame)
				delete(as.pages, v)
			}
			return fmt.Errorf("map %#x-%#x: %w", start, end, err)
		}
		as.pages[vpn] = pte{frame: f, perm: perm}
	}
	as.areas = append(as.areas, area)
	sort.Slice(as.areas, func(i, j int) bool { return as.areas[i].Start < as.areas[j].Start })
	return nil
}

// Areas returns the mapped areas in address order.
func (as *AddressSpace) Areas() []Area {
	out := make([]Area, len(as.areas))
	copy(out, as.areas)
	return out
}

// Translate reports the permissions of the page holding va.
func (as *AddressSpace) Translate(va uint64) (Perm, bool) {
	p, ok := as.pages[Floor(va)]
	if !ok {
		return 0, false
	}
	return p.perm, true
}

// WriteUser copies b into user memory at va. Every touched page must be
// mapped with PermU; the copy may span pages.
func (as *AddressSpace) WriteUser(va uint64, b []byte) error {
	return as.walk(va, len(b), func(page []byte, off int) {
		copy(page, b[off:])
	})
}

// ReadUser copies n bytes of user memory starting at va.
func (as *AddressSpace) ReadUser(va uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	err := as.walk(va, n, func(page []byte, off int) {
		copy(out[off:], page)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadCString reads a NUL-terminated string of at most max bytes.
func (as *AddressSpace) ReadCString(va uint64, max int) (string, error) {
	var b []byte
	for i := 0; i < max; i++ {
		c, err := as.ReadUser(va+uint64(i), 1)
		if err != nil {
			return "", err
		}
		if c[0] == 0 {
			return string(b), nil
		}
		b = append(b, c[0])
	}
	return "", fmt.Errorf("string at %#x longer than %d bytes: %w", va, max, ErrFault)
}

func (as *AddressSpace) walk(va uint64, n int, fn func(page []byte, off int)) error {
	if as.Released() {
		return ErrReleased
	}
	done := 0
	for done < n {
		cur := va + uint64(done)
		p, ok := as.pages[Floor(cur)]
		if !ok || p.perm&PermU == 0 {
			return fmt.Errorf("access %#x: %w", cur, ErrFault)
		}
		pageOff := int(cur % PageSize)
		chunk := PageSize - pageOff
		if chunk > n-done {
			chunk = n - done
		}
		fn(p.frame.Data[pageOff:pageOff+chunk], done)
		done += chunk
	}
	return nil
}

// Release frees every frame of the address space, root included.
// It is safe to call more than once.
func (as *AddressSpace) Release() {
	if as == nil || as.Released() {
		return
	}
	for vpn, p := range as.pages {
		as.alloc.Dealloc(p.frame)
		delete(as.pages, vpn)
	}
	as.areas = nil
	as.alloc.Dealloc(as.root)
	as.root = nil
}
