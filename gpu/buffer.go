package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// ResultBuffer holds one uint32 slot per group of a dispatch. The kernel
// writes the storage buffer; each submission copies it into the MapRead
// staging twin, which is what the host maps.
type ResultBuffer struct {
	Storage *wgpu.Buffer
	Staging *wgpu.Buffer

	slots  uint32
	host   []uint32
	mapped bool
}

// NewResultBuffer allocates a buffer for slots result slots.
func NewResultBuffer(c *Context, slots uint32) (*ResultBuffer, error) {
	if slots == 0 {
		return nil, fmt.Errorf("result buffer needs at least one slot")
	}
	size := uint64(slots) * 4

	storage, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Results",
		Size:  size,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("create result buffer: %w", err)
	}
	staging, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Results_Staging",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		storage.Destroy()
		return nil, fmt.Errorf("create result staging buffer: %w", err)
	}
	return &ResultBuffer{
		Storage: storage,
		Staging: staging,
		slots:   slots,
		host:    make([]uint32, slots),
	}, nil
}

// Len is the number of slots.
func (b *ResultBuffer) Len() uint32 { return b.slots }

// Size is the byte size of either buffer.
func (b *ResultBuffer) Size() uint64 { return uint64(b.slots) * 4 }

// Map reads the staging buffer, which must already be mapped by a
// signalled Fence. The returned slice is reused by the next Map.
func (b *ResultBuffer) Map() ([]uint32, error) {
	data := b.Staging.GetMappedRange(0, uint(b.Size()))
	if data == nil {
		return nil, fmt.Errorf("get mapped range: %w", errNotMapped)
	}
	b.mapped = true
	copy(b.host, wgpu.FromBytes[uint32](data))
	return b.host, nil
}

// Unmap hands the staging buffer back to the device.
func (b *ResultBuffer) Unmap() error {
	if !b.mapped {
		return errNotMapped
	}
	b.mapped = false
	if err := b.Staging.Unmap(); err != nil {
		return fmt.Errorf("unmap result staging buffer: %w", err)
	}
	return nil
}

// Release destroys both buffers.
func (b *ResultBuffer) Release() {
	if b.mapped {
		_ = b.Staging.Unmap()
		b.mapped = false
	}
	if b.Storage != nil {
		b.Storage.Destroy()
		b.Storage.Release()
		b.Storage = nil
	}
	if b.Staging != nil {
		b.Staging.Destroy()
		b.Staging.Release()
		b.Staging = nil
	}
}
