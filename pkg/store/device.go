package store

import (
	"fmt"
	"os"
)

// Device models a NOR-flash-like region: reads are cheap, writes go
// through page programming, and bits only return to 1 via a sector erase.
type Device interface {
	// Size returns the device capacity in bytes.
	Size() int
	// Bytes returns a read-only view of the full device contents.
	Bytes() []byte
	// EraseRange resets [off, off+n) to 0xFF. Both must be sector aligned.
	EraseRange(off, n int) error
	// Program writes one page at a sector-erased location. off must be
	// page aligned and len(page) at most PageSize.
	Program(off int, page []byte) error
}

// MemDevice is an in-memory Device used when no backing file is
// configured, and by tests.
type MemDevice struct {
	data []byte
}

var _ Device = (*MemDevice)(nil)

// NewMemDevice creates an erased in-memory device of the given size.
func NewMemDevice(size int) *MemDevice {
	data := make([]byte, size)
	for i := range data {
		data[i] = 0xFF
	}
	return &MemDevice{data: data}
}

func (d *MemDevice) Size() int     { return len(d.data) }
func (d *MemDevice) Bytes() []byte { return d.data }

func (d *MemDevice) EraseRange(off, n int) error {
	if err := checkErase(d.Size(), off, n); err != nil {
		return err
	}
	for i := off; i < off+n; i++ {
		d.data[i] = 0xFF
	}
	return nil
}

func (d *MemDevice) Program(off int, page []byte) error {
	if err := checkProgram(d.Size(), off, len(page)); err != nil {
		return err
	}
	copy(d.data[off:], page)
	return nil
}

// FileDevice persists the flash image to a file. The image is held in
// memory for reads and flushed on every erase and program so records
// survive restarts.
type FileDevice struct {
	f    *os.File
	data []byte
}

var _ Device = (*FileDevice)(nil)

// OpenFileDevice opens or creates a flash image file of the given size.
// A shorter existing file is extended with erased bytes.
func OpenFileDevice(path string, size int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open device image: %w", err)
	}

	data := make([]byte, size)
	for i := range data {
		data[i] = 0xFF
	}
	// A short read leaves the tail erased, which is exactly a fresh device.
	f.ReadAt(data, 0)
	if fi, statErr := f.Stat(); statErr == nil && fi.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("store: size device image: %w", err)
		}
		if _, err := f.WriteAt(data[fi.Size():], fi.Size()); err != nil {
			f.Close()
			return nil, fmt.Errorf("store: init device image: %w", err)
		}
	}

	return &FileDevice{f: f, data: data}, nil
}

func (d *FileDevice) Size() int     { return len(d.data) }
func (d *FileDevice) Bytes() []byte { return d.data }

func (d *FileDevice) EraseRange(off, n int) error {
	if err := checkErase(d.Size(), off, n); err != nil {
		return err
	}
	for i := off; i < off+n; i++ {
		d.data[i] = 0xFF
	}
	if _, err := d.f.WriteAt(d.data[off:off+n], int64(off)); err != nil {
		return fmt.Errorf("store: erase image: %w", err)
	}
	return nil
}

func (d *FileDevice) Program(off int, page []byte) error {
	if err := checkProgram(d.Size(), off, len(page)); err != nil {
		return err
	}
	copy(d.data[off:], page)
	if _, err := d.f.WriteAt(page, int64(off)); err != nil {
		return fmt.Errorf("store: program image: %w", err)
	}
	return nil
}

// Close flushes and closes the backing file.
func (d *FileDevice) Close() error {
	if err := d.f.Sync(); err != nil {
		d.f.Close()
		return fmt.Errorf("store: sync device image: %w", err)
	}
	return d.f.Close()
}

func checkErase(size, off, n int) error {
	if off%SectorSize != 0 || n%SectorSize != 0 {
		return fmt.Errorf("store: erase not sector aligned: off=%d n=%d", off, n)
	}
	if off < 0 || n < 0 || off+n > size {
		return fmt.Errorf("store: erase out of range: off=%d n=%d", off, n)
	}
	return nil
}

func checkProgram(size, off, n int) error {
	if off%PageSize != 0 {
		return fmt.Errorf("store: program not page aligned: off=%d", off)
	}
	if n > PageSize {
		return fmt.Errorf("store: program larger than a page: %d", n)
	}
	if off < 0 || off+n > size {
		return fmt.Errorf("store: program out of range: off=%d n=%d", off, n)
	}
	return nil
}
