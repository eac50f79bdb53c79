package vmm

import (
	"github.com/dchest/siphash"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"burrowos/kernel/mm"
)

// Fingerprint keys are fixed so that snapshots taken by different runs of
// the inspector can be compared.
const (
	fingerprintKey0 = 0x62757272 // "burr"
	fingerprintKey1 = 0x6f776f73 // "owos"
)

// FrameFingerprint returns a 64-bit content hash of one frame.
func FrameFingerprint(data []byte) uint64 {
	return siphash.Hash(fingerprintKey0, fingerprintKey1, data)
}

// RegionInfo is a point-in-time description of a live region.
type RegionInfo struct {
	Name      string
	Base      uint32
	Size      uint32
	Readable  bool
	Writable  bool
	Shared    bool
	Committed uint32
	VMObject  string
}

// Regions returns a snapshot of every live region, ordered by base
// address.
func (m *MemoryManager) Regions() []RegionInfo {
	regions := maps.Keys(m.regions)
	slices.SortFunc(regions, func(a, b *Region) int {
		return int(int64(a.laddr) - int64(b.laddr))
	})

	infos := make([]RegionInfo, 0, len(regions))
	for _, r := range regions {
		infos = append(infos, RegionInfo{
			Name:      r.name,
			Base:      uint32(r.laddr),
			Size:      r.size,
			Readable:  r.readable,
			Writable:  r.writable,
			Shared:    r.shared,
			Committed: r.Committed(),
			VMObject:  r.vmo.id.String(),
		})
	}
	return infos
}

// VMObjectInfo is a point-in-time description of a live VMObject.
type VMObjectInfo struct {
	ID        string
	Name      string
	Size      uint32
	Pages     uint32
	Populated uint32
	Anonymous bool
	FileBack  bool
}

// VMObjects returns a snapshot of every live VMObject, ordered by
// identity tag.
func (m *MemoryManager) VMObjects() []VMObjectInfo {
	vmos := maps.Keys(m.vmos)
	slices.SortFunc(vmos, func(a, b *VMObject) int {
		return strcmp(a.id.String(), b.id.String())
	})

	infos := make([]VMObjectInfo, 0, len(vmos))
	for _, v := range vmos {
		var populated uint32
		for _, p := range v.physicalPages {
			if p != nil {
				populated++
			}
		}
		infos = append(infos, VMObjectInfo{
			ID:        v.id.String(),
			Name:      v.name,
			Size:      v.size,
			Pages:     v.PageCount(),
			Populated: populated,
			Anonymous: v.anonymous,
			FileBack:  v.inode != nil,
		})
	}
	return infos
}

func strcmp(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// FrameChecksum pairs a populated frame with its content fingerprint.
type FrameChecksum struct {
	PAddr       uint32
	Fingerprint uint64
}

// FrameChecksums fingerprints every frame currently held by a VMObject,
// ordered by physical address.
func (m *MemoryManager) FrameChecksums() []FrameChecksum {
	seen := make(map[mm.PhysicalAddress]struct{})
	var sums []FrameChecksum
	for v := range m.vmos {
		for _, p := range v.physicalPages {
			if p == nil {
				continue
			}
			if _, dup := seen[p.PAddr()]; dup {
				continue
			}
			seen[p.PAddr()] = struct{}{}
			sums = append(sums, FrameChecksum{
				PAddr:       uint32(p.PAddr()),
				Fingerprint: FrameFingerprint(m.mem.Slice(p.PAddr(), mm.PageSize)),
			})
		}
	}
	slices.SortFunc(sums, func(a, b FrameChecksum) int {
		return int(int64(a.PAddr) - int64(b.PAddr))
	})
	return sums
}
