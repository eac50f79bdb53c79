// Package fs carries the in-memory inode used by the tools and tests that
// exercise the demand-paging path. The real filesystem sits behind the
// vmm.Inode interface.
package fs

import (
	"burrowos/kernel/mm/vmm"
)

// MemInode is an inode whose contents live in a byte slice.
type MemInode struct {
	data []byte
	vmo  *vmm.VMObject
}

// NewMemInode returns an inode over the supplied contents. The slice is
// not copied.
func NewMemInode(data []byte) *MemInode {
	return &MemInode{data: data}
}

// Size returns the inode length in bytes.
func (in *MemInode) Size() uint32 {
	return uint32(len(in.data))
}

// ReadBytes copies up to length bytes at offset into dest. Reads past the
// end of the data are short; reads entirely past it return 0.
func (in *MemInode) ReadBytes(offset, length uint32, dest []byte) (int, error) {
	if offset >= uint32(len(in.data)) {
		return 0, nil
	}
	if length > uint32(len(dest)) {
		length = uint32(len(dest))
	}
	n := copy(dest[:length], in.data[offset:])
	return n, nil
}

// VMObject returns the memory object paging this inode, or nil.
func (in *MemInode) VMObject() *vmm.VMObject {
	return in.vmo
}

// SetVMObject installs or clears the back-reference.
func (in *MemInode) SetVMObject(v *vmm.VMObject) {
	in.vmo = v
}
