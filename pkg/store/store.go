// Package store keeps capture records in fixed-size slots on a
// flash-like device. Each slot starts with a checksummed header followed
// by the raw and optionally filtered sample payloads. A slot whose magic
// does not match is free; a slot whose checksums do not match is corrupt
// and is skipped until it is deleted.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"go.uber.org/zap"

	"github.com/itohio/goadc/pkg/lockout"
	"github.com/itohio/goadc/pkg/watchdog"
)

const (
	// Magic marks an occupied slot ("ADCS" little endian).
	Magic = 0x41444353
	// VersionRaw marks a raw-only record, VersionFiltered one that also
	// carries the conditioned payload. The header shape is the same.
	VersionRaw      = 1
	VersionFiltered = 2

	SlotCount  = 10
	SlotSize   = 128 * 1024
	SectorSize = 4096
	PageSize   = 256
	HeaderSize = 32

	// DeviceSize is the minimum device capacity the store requires.
	DeviceSize = SlotCount * SlotSize
)

var (
	ErrStoreFull        = errors.New("store: all slots occupied")
	ErrInvalidSlot      = errors.New("store: slot out of range")
	ErrEmptySlot        = errors.New("store: slot empty")
	ErrChecksumMismatch = errors.New("store: checksum mismatch")
	ErrRecordTooLarge   = errors.New("store: record does not fit a slot")
	ErrDeviceTooSmall   = errors.New("store: device smaller than slot layout")
)

// Header is the fixed-size record descriptor at the start of a slot. All
// fields are little-endian uint32 on the device.
type Header struct {
	Magic            uint32
	Version          uint32
	SampleRate       uint32
	SampleCount      uint32
	Timestamp        uint32
	RawChecksum      uint32
	HasFiltered      uint32
	FilteredChecksum uint32
}

func (h *Header) encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], h.Magic)
	binary.LittleEndian.PutUint32(dst[4:], h.Version)
	binary.LittleEndian.PutUint32(dst[8:], h.SampleRate)
	binary.LittleEndian.PutUint32(dst[12:], h.SampleCount)
	binary.LittleEndian.PutUint32(dst[16:], h.Timestamp)
	binary.LittleEndian.PutUint32(dst[20:], h.RawChecksum)
	binary.LittleEndian.PutUint32(dst[24:], h.HasFiltered)
	binary.LittleEndian.PutUint32(dst[28:], h.FilteredChecksum)
}

func decodeHeader(src []byte) Header {
	return Header{
		Magic:            binary.LittleEndian.Uint32(src[0:]),
		Version:          binary.LittleEndian.Uint32(src[4:]),
		SampleRate:       binary.LittleEndian.Uint32(src[8:]),
		SampleCount:      binary.LittleEndian.Uint32(src[12:]),
		Timestamp:        binary.LittleEndian.Uint32(src[16:]),
		RawChecksum:      binary.LittleEndian.Uint32(src[20:]),
		HasFiltered:      binary.LittleEndian.Uint32(src[24:]),
		FilteredChecksum: binary.LittleEndian.Uint32(src[28:]),
	}
}

// Record is a decoded view of one occupied slot. The byte slices alias
// the device image and stay valid until the slot is rewritten.
type Record struct {
	Header   Header
	Slot     int
	header   []byte
	raw      []byte
	filtered []byte
}

// HeaderBytes returns the on-device header encoding.
func (r *Record) HeaderBytes() []byte { return r.header }

// RawBytes returns the raw sample payload as stored.
func (r *Record) RawBytes() []byte { return r.raw }

// FilteredBytes returns the filtered payload, empty when absent.
func (r *Record) FilteredBytes() []byte { return r.filtered }

// TotalBytes is the full record length including the header.
func (r *Record) TotalBytes() int { return len(r.header) + len(r.raw) + len(r.filtered) }

// RawSamples decodes the raw payload.
func (r *Record) RawSamples() []uint16 { return decodeSamples(r.raw) }

// FilteredSamples decodes the filtered payload, nil when absent.
func (r *Record) FilteredSamples() []uint16 {
	if len(r.filtered) == 0 {
		return nil
	}
	return decodeSamples(r.filtered)
}

func decodeSamples(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return out
}

func encodeSamples(dst []byte, src []uint16) {
	for i, v := range src {
		binary.LittleEndian.PutUint16(dst[2*i:], v)
	}
}

// SlotInfo summarizes one slot for listings.
type SlotInfo struct {
	Slot        int
	Occupied    bool
	Valid       bool
	SampleCount int
	Timestamp   uint32
	HasFiltered bool
	SizeBytes   int
}

// Store manages the slot layout on a Device. Erase and program runs are
// bracketed by the core lockout and a watchdog suspension, both optional.
type Store struct {
	mu         sync.Mutex
	dev        Device
	lk         *lockout.Controller
	dog        *watchdog.Watchdog
	logger     *zap.Logger
	sampleRate uint32
}

// NewStore wires a store to its device. lk and dog may be nil.
func NewStore(dev Device, sampleRate uint32, lk *lockout.Controller, dog *watchdog.Watchdog, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dev:        dev,
		lk:         lk,
		dog:        dog,
		logger:     logger,
		sampleRate: sampleRate,
	}
}

// Init validates the device against the slot layout.
func (s *Store) Init() error {
	if s.dev.Size() < DeviceSize {
		return fmt.Errorf("%w: have %d need %d", ErrDeviceTooSmall, s.dev.Size(), DeviceSize)
	}
	s.logger.Info("store initialized",
		zap.Int("slots", SlotCount),
		zap.Int("occupied", s.Count()))
	return nil
}

// Write stores a record in the first free slot and returns its index.
// filtered may be nil. The written slot is verified before Write returns.
func (s *Store) Write(raw, filtered []uint16, timestamp uint32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := HeaderSize + 2*len(raw) + 2*len(filtered)
	if total > SlotSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, total)
	}

	slot := -1
	for i := 0; i < SlotCount; i++ {
		if !s.occupied(i) {
			slot = i
			break
		}
	}
	if slot < 0 {
		return 0, ErrStoreFull
	}

	hdr := Header{
		Magic:       Magic,
		Version:     VersionRaw,
		SampleRate:  s.sampleRate,
		SampleCount: uint32(len(raw)),
		Timestamp:   timestamp,
		RawChecksum: crc32.ChecksumIEEE(samplesToBytes(raw)),
	}
	if filtered != nil {
		hdr.Version = VersionFiltered
		hdr.HasFiltered = 1
		hdr.FilteredChecksum = crc32.ChecksumIEEE(samplesToBytes(filtered))
	}

	image := make([]byte, total)
	hdr.encode(image)
	encodeSamples(image[HeaderSize:], raw)
	encodeSamples(image[HeaderSize+2*len(raw):], filtered)

	if err := s.writeSlot(slot, image); err != nil {
		return 0, err
	}

	if err := s.verifySlot(slot); err != nil {
		return 0, fmt.Errorf("post-write verify of slot %d: %w", slot, err)
	}

	s.logger.Info("record stored",
		zap.Int("slot", slot),
		zap.Int("samples", len(raw)),
		zap.Bool("filtered", filtered != nil),
		zap.Int("bytes", total))
	return slot, nil
}

// writeSlot erases just enough sectors for the record and programs it
// page by page, padding the final page with erased bytes.
func (s *Store) writeSlot(slot int, image []byte) error {
	end := s.beginMaintenance()
	defer end()

	off := slot * SlotSize
	erase := (len(image) + SectorSize - 1) / SectorSize * SectorSize
	if err := s.dev.EraseRange(off, erase); err != nil {
		return fmt.Errorf("erase slot %d: %w", slot, err)
	}

	page := make([]byte, PageSize)
	for p := 0; p < len(image); p += PageSize {
		n := copy(page, image[p:])
		for i := n; i < PageSize; i++ {
			page[i] = 0xFF
		}
		if err := s.dev.Program(off+p, page); err != nil {
			return fmt.Errorf("program slot %d: %w", slot, err)
		}
	}
	return nil
}

// Read returns the record in a slot. Corrupt payloads still decode; use
// Verify to check integrity.
func (s *Store) Read(slot int) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(slot)
}

func (s *Store) read(slot int) (*Record, error) {
	if slot < 0 || slot >= SlotCount {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	off := slot * SlotSize
	data := s.dev.Bytes()

	hdr := decodeHeader(data[off:])
	if hdr.Magic != Magic {
		return nil, fmt.Errorf("%w: %d", ErrEmptySlot, slot)
	}

	rawLen := 2 * int(hdr.SampleCount)
	if HeaderSize+rawLen > SlotSize {
		return nil, fmt.Errorf("%w: slot %d header claims %d samples", ErrChecksumMismatch, slot, hdr.SampleCount)
	}
	rec := &Record{
		Header: hdr,
		Slot:   slot,
		header: data[off : off+HeaderSize],
		raw:    data[off+HeaderSize : off+HeaderSize+rawLen],
	}
	if hdr.HasFiltered != 0 {
		if HeaderSize+2*rawLen > SlotSize {
			return nil, fmt.Errorf("%w: slot %d filtered payload overruns", ErrChecksumMismatch, slot)
		}
		rec.filtered = data[off+HeaderSize+rawLen : off+HeaderSize+2*rawLen]
	}
	return rec, nil
}

// Verify recomputes the payload checksums of a slot.
func (s *Store) Verify(slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifySlot(slot)
}

func (s *Store) verifySlot(slot int) error {
	rec, err := s.read(slot)
	if err != nil {
		return err
	}
	if got := crc32.ChecksumIEEE(rec.raw); got != rec.Header.RawChecksum {
		return fmt.Errorf("%w: slot %d raw payload", ErrChecksumMismatch, slot)
	}
	if rec.Header.HasFiltered != 0 {
		if got := crc32.ChecksumIEEE(rec.filtered); got != rec.Header.FilteredChecksum {
			return fmt.Errorf("%w: slot %d filtered payload", ErrChecksumMismatch, slot)
		}
	}
	return nil
}

// Count returns the number of occupied slots.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := 0; i < SlotCount; i++ {
		if s.occupied(i) {
			n++
		}
	}
	return n
}

// List summarizes every slot.
func (s *Store) List() []SlotInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SlotInfo, SlotCount)
	for i := range out {
		out[i].Slot = i
		rec, err := s.read(i)
		if err != nil {
			continue
		}
		out[i].Occupied = true
		out[i].Valid = s.verifySlot(i) == nil
		out[i].SampleCount = int(rec.Header.SampleCount)
		out[i].Timestamp = rec.Header.Timestamp
		out[i].HasFiltered = rec.Header.HasFiltered != 0
		out[i].SizeBytes = rec.TotalBytes()
	}
	return out
}

// Delete frees a slot by erasing its header sector. Deleting an empty
// slot is an error.
func (s *Store) Delete(slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot < 0 || slot >= SlotCount {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	if !s.occupied(slot) {
		return fmt.Errorf("%w: %d", ErrEmptySlot, slot)
	}

	end := s.beginMaintenance()
	defer end()

	if err := s.dev.EraseRange(slot*SlotSize, SectorSize); err != nil {
		return fmt.Errorf("delete slot %d: %w", slot, err)
	}
	s.logger.Info("record deleted", zap.Int("slot", slot))
	return nil
}

// DeleteAll frees every occupied slot.
func (s *Store) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := s.beginMaintenance()
	defer end()

	for i := 0; i < SlotCount; i++ {
		if !s.occupied(i) {
			continue
		}
		if err := s.dev.EraseRange(i*SlotSize, SectorSize); err != nil {
			return fmt.Errorf("delete slot %d: %w", i, err)
		}
	}
	s.logger.Info("store cleared")
	return nil
}

func (s *Store) occupied(slot int) bool {
	off := slot * SlotSize
	return binary.LittleEndian.Uint32(s.dev.Bytes()[off:]) == Magic
}

// beginMaintenance suspends the watchdog and pauses the other cores for
// the duration of an erase or program run. The returned func undoes both
// and is safe to call more than once.
func (s *Store) beginMaintenance() func() {
	resume := s.dog.Suspend()
	var release func()
	if s.lk != nil {
		release = s.lk.Acquire()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if release != nil {
				release()
			}
			resume()
		})
	}
}

func samplesToBytes(src []uint16) []byte {
	out := make([]byte, 2*len(src))
	encodeSamples(out, src)
	return out
}
