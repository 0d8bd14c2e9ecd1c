package task

import (
	"encoding/binary"
	"errors"
)

// InfoSize is the size of the encoded user-visible TaskInfo.
const InfoSize = 2016

const (
	infoOffStatus = 0
	infoOffCounts = 4
	infoOffTime   = 2008
)

var errShortInfo = errors.New("task info: short buffer")

// Info is a point-in-time copy of a task's accounting.
type Info struct {
	ID             ID
	Status         Status
	Priority       int64
	Stride         uint64
	SyscallCounts  [MaxSyscallNum]uint32
	Time           uint64 // total running time, ms
	Scheduled      bool
	FirstScheduled uint64
	ExitCode       int32
	Parent         ID
	HasParent      bool
}

// Syscalls returns the total number of counted syscalls.
func (in *Info) Syscalls() uint64 {
	var n uint64
	for _, c := range in.SyscallCounts {
		n += uint64(c)
	}
	return n
}

// MarshalBinary encodes the user ABI view: status, syscall counts and running
// time, little endian with C alignment.
func (in Info) MarshalBinary() ([]byte, error) {
	b := make([]byte, InfoSize)
	binary.LittleEndian.PutUint32(b[infoOffStatus:], uint32(in.Status))
	for i, c := range in.SyscallCounts {
		binary.LittleEndian.PutUint32(b[infoOffCounts+4*i:], c)
	}
	binary.LittleEndian.PutUint64(b[infoOffTime:], in.Time)
	return b, nil
}

// UnmarshalBinary decodes the user ABI view. Fields outside the ABI are left
// untouched.
func (in *Info) UnmarshalBinary(b []byte) error {
	if len(b) < InfoSize {
		return errShortInfo
	}
	in.Status = Status(binary.LittleEndian.Uint32(b[infoOffStatus:]))
	for i := range in.SyscallCounts {
		in.SyscallCounts[i] = binary.LittleEndian.Uint32(b[infoOffCounts+4*i:])
	}
	in.Time = binary.LittleEndian.Uint64(b[infoOffTime:])
	return nil
}
