// Package state implements the cross-process scalar store: a fixed-slot
// arena in a memory-mapped file, shared by every process of the host
// application. Slots are allocated lazily on first write of a key and never
// individually freed. Every access takes the cross-process file lock, so
// reads and read-modify-write cycles are atomic between processes.
package state

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/growingio/tracker-go/internal/errors"
	"github.com/growingio/tracker-go/internal/proclock"
)

// File layout constants. All fields are little-endian at explicit offsets;
// there is no shared cursor.
const (
	stateMagic   = "GIOS"
	stateVersion = uint16(1)

	headerSize          = 64
	headerOffsetMagic   = 0
	headerOffsetVersion = 4
	headerOffsetSlots   = 8
	headerOffsetSlotLen = 12

	slotSize   = 1024
	maxKeySize = 128

	// Per-slot offsets: keyLen uint16, key bytes, then the value area.
	slotOffsetKeyLen = 0
	slotOffsetKey    = 2
	slotOffsetType   = 2 + maxKeySize
	slotOffsetValLen = slotOffsetType + 1
	slotOffsetValue  = slotOffsetValLen + 4

	maxValueSize = slotSize - slotOffsetValue
)

// Value type tags.
const (
	typeInt      = uint8(1)
	typeInt64    = uint8(2)
	typeFloat64  = uint8(3)
	typeBool     = uint8(4)
	typeString   = uint8(5)
	typeIntSlice = uint8(6)
)

// Store is the shared scalar store. Open returns immediately and maps the
// backing file on a background goroutine; every accessor blocks until the
// mapping completes. A failed open degrades all reads to their defaults and
// all writes to no-ops.
type Store struct {
	path   string
	lock   *proclock.FileLock
	logger *zap.Logger

	ready   chan struct{}
	openErr error

	mu        sync.Mutex
	data      []byte
	slotCount int
	index     map[string]int
	exhausted bool
}

// Open creates the store and starts mapping the file at path. The lock file
// guarding cross-process access is path + ".lock". slots bounds the number
// of distinct keys; an existing file keeps the slot count it was created
// with.
func Open(path string, slots int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		path:      path,
		lock:      proclock.New(path + ".lock"),
		logger:    logger,
		ready:     make(chan struct{}),
		slotCount: slots,
		index:     make(map[string]int),
	}
	go s.open()
	return s
}

// open maps the backing file, initializing it under the cross-process lock
// when it does not exist yet.
func (s *Store) open() {
	defer close(s.ready)

	err := s.lock.RunExclusive(func() error {
		f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open state file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("failed to stat state file: %w", err)
		}

		if info.Size() == 0 {
			if err := s.initialize(f); err != nil {
				return err
			}
		}

		size := headerSize + s.slotCount*slotSize
		if info.Size() > int64(headerSize) {
			// Existing file: trust its recorded geometry.
			var hdr [headerSize]byte
			if _, err := f.ReadAt(hdr[:], 0); err != nil {
				return fmt.Errorf("failed to read state header: %w", err)
			}
			if string(hdr[headerOffsetMagic:headerOffsetMagic+4]) != stateMagic {
				return fmt.Errorf("state file %s has bad magic", s.path)
			}
			if v := binary.LittleEndian.Uint16(hdr[headerOffsetVersion:]); v != stateVersion {
				return fmt.Errorf("state file %s has unsupported version %d", s.path, v)
			}
			s.slotCount = int(binary.LittleEndian.Uint32(hdr[headerOffsetSlots:]))
			size = headerSize + s.slotCount*slotSize
		}

		data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("failed to map state file: %w", err)
		}
		s.data = data
		s.rebuildIndex()
		return nil
	})
	if err != nil {
		s.openErr = errors.StateUnavailable(err)
		s.logger.Error("shared state store unavailable", zap.String("path", s.path), zap.Error(err))
		return
	}
	s.logger.Debug("shared state store mapped",
		zap.String("path", s.path),
		zap.Int("slots", s.slotCount))
}

// initialize writes the header and zero slots into a fresh file.
func (s *Store) initialize(f *os.File) error {
	if err := f.Truncate(int64(headerSize + s.slotCount*slotSize)); err != nil {
		return fmt.Errorf("failed to size state file: %w", err)
	}
	var hdr [headerSize]byte
	copy(hdr[headerOffsetMagic:], stateMagic)
	binary.LittleEndian.PutUint16(hdr[headerOffsetVersion:], stateVersion)
	binary.LittleEndian.PutUint32(hdr[headerOffsetSlots:], uint32(s.slotCount))
	binary.LittleEndian.PutUint32(hdr[headerOffsetSlotLen:], uint32(slotSize))
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("failed to write state header: %w", err)
	}
	return nil
}

// await blocks until the background open finished.
func (s *Store) await() error {
	<-s.ready
	return s.openErr
}

// Close unmaps the backing file.
func (s *Store) Close() error {
	if err := s.await(); err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}

// rebuildIndex scans every slot and records occupied keys. Called with the
// cross-process lock held.
func (s *Store) rebuildIndex() {
	for i := 0; i < s.slotCount; i++ {
		if key, ok := s.slotKey(i); ok {
			s.index[key] = i
		}
	}
}

// slotKey reads the key stored in slot i, if any.
func (s *Store) slotKey(i int) (string, bool) {
	off := headerSize + i*slotSize
	keyLen := int(binary.LittleEndian.Uint16(s.data[off+slotOffsetKeyLen:]))
	if keyLen == 0 || keyLen > maxKeySize {
		return "", false
	}
	return string(s.data[off+slotOffsetKey : off+slotOffsetKey+keyLen]), true
}

// findSlot locates the slot for key, rescanning the arena on an index miss
// because another process may have allocated it. Called with both locks held.
func (s *Store) findSlot(key string) (int, bool) {
	if i, ok := s.index[key]; ok {
		return i, true
	}
	for i := 0; i < s.slotCount; i++ {
		if k, ok := s.slotKey(i); ok {
			s.index[k] = i
			if k == key {
				return i, true
			}
		}
	}
	return 0, false
}

// allocateSlot claims the first free slot for key. Called with both locks
// held, after findSlot missed.
func (s *Store) allocateSlot(key string) (int, error) {
	if len(key) == 0 || len(key) > maxKeySize {
		return 0, errors.InvalidEvent("state key length out of range")
	}
	for i := 0; i < s.slotCount; i++ {
		if _, ok := s.slotKey(i); ok {
			continue
		}
		off := headerSize + i*slotSize
		copy(s.data[off+slotOffsetKey:], key)
		binary.LittleEndian.PutUint16(s.data[off+slotOffsetKeyLen:], uint16(len(key)))
		s.index[key] = i
		return i, nil
	}
	// Out of slots: existing keys keep working, new keys are not persisted.
	if !s.exhausted {
		s.exhausted = true
		s.logger.Warn("shared state store slots exhausted", zap.String("key", key))
	}
	return 0, errors.SlotsExhausted(key)
}

// readValue returns the type tag and value bytes of slot i.
func (s *Store) readValue(i int) (uint8, []byte) {
	off := headerSize + i*slotSize
	typ := s.data[off+slotOffsetType]
	valLen := int(binary.LittleEndian.Uint32(s.data[off+slotOffsetValLen:]))
	if valLen < 0 || valLen > maxValueSize {
		return 0, nil
	}
	return typ, s.data[off+slotOffsetValue : off+slotOffsetValue+valLen]
}

// writeValue stores the type tag and value bytes into slot i.
func (s *Store) writeValue(i int, typ uint8, val []byte) error {
	if len(val) > maxValueSize {
		return errors.InvalidEvent("state value exceeds slot size")
	}
	off := headerSize + i*slotSize
	s.data[off+slotOffsetType] = typ
	binary.LittleEndian.PutUint32(s.data[off+slotOffsetValLen:], uint32(len(val)))
	copy(s.data[off+slotOffsetValue:], val)
	return nil
}

// get runs fn against the slot for key under both locks. fn receives the
// type tag and value bytes, or is skipped when the key is absent.
func (s *Store) get(key string, fn func(typ uint8, val []byte)) {
	if s.await() != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lock.RunExclusive(func() error {
		if i, ok := s.findSlot(key); ok {
			typ, val := s.readValue(i)
			fn(typ, val)
		}
		return nil
	})
}

// put stores typ/val under key, allocating a slot when needed.
func (s *Store) put(key string, typ uint8, val []byte) error {
	if err := s.await(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock.RunExclusive(func() error {
		i, ok := s.findSlot(key)
		if !ok {
			var err error
			if i, err = s.allocateSlot(key); err != nil {
				return err
			}
		}
		return s.writeValue(i, typ, val)
	})
}

// GetInt returns the int stored under key, or def.
func (s *Store) GetInt(key string, def int) int {
	return int(s.GetInt64(key, int64(def)))
}

// PutInt stores an int under key.
func (s *Store) PutInt(key string, value int) error {
	return s.putInt64(key, typeInt, int64(value))
}

// GetInt64 returns the int64 stored under key, or def.
func (s *Store) GetInt64(key string, def int64) int64 {
	out := def
	s.get(key, func(typ uint8, val []byte) {
		if (typ == typeInt64 || typ == typeInt) && len(val) == 8 {
			out = int64(binary.LittleEndian.Uint64(val))
		}
	})
	return out
}

// PutInt64 stores an int64 under key.
func (s *Store) PutInt64(key string, value int64) error {
	return s.putInt64(key, typeInt64, value)
}

func (s *Store) putInt64(key string, typ uint8, value int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(value))
	return s.put(key, typ, buf[:])
}

// GetFloat64 returns the float64 stored under key, or def.
func (s *Store) GetFloat64(key string, def float64) float64 {
	out := def
	s.get(key, func(typ uint8, val []byte) {
		if typ == typeFloat64 && len(val) == 8 {
			out = math.Float64frombits(binary.LittleEndian.Uint64(val))
		}
	})
	return out
}

// PutFloat64 stores a float64 under key.
func (s *Store) PutFloat64(key string, value float64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(value))
	return s.put(key, typeFloat64, buf[:])
}

// GetBool returns the bool stored under key, or def.
func (s *Store) GetBool(key string, def bool) bool {
	out := def
	s.get(key, func(typ uint8, val []byte) {
		if typ == typeBool && len(val) == 1 {
			out = val[0] != 0
		}
	})
	return out
}

// PutBool stores a bool under key.
func (s *Store) PutBool(key string, value bool) error {
	b := byte(0)
	if value {
		b = 1
	}
	return s.put(key, typeBool, []byte{b})
}

// GetString returns the string stored under key, or def.
func (s *Store) GetString(key string, def string) string {
	out := def
	s.get(key, func(typ uint8, val []byte) {
		if typ == typeString {
			out = string(val)
		}
	})
	return out
}

// PutString stores a string under key.
func (s *Store) PutString(key string, value string) error {
	return s.put(key, typeString, []byte(value))
}

// GetIntSlice returns the int slice stored under key, or def.
func (s *Store) GetIntSlice(key string, def []int) []int {
	out := def
	s.get(key, func(typ uint8, val []byte) {
		if typ != typeIntSlice || len(val) < 4 {
			return
		}
		n := int(binary.LittleEndian.Uint32(val))
		if n < 0 || len(val) < 4+n*8 {
			return
		}
		decoded := make([]int, n)
		for i := 0; i < n; i++ {
			decoded[i] = int(int64(binary.LittleEndian.Uint64(val[4+i*8:])))
		}
		out = decoded
	})
	return out
}

// PutIntSlice stores an int slice under key.
func (s *Store) PutIntSlice(key string, value []int) error {
	buf := make([]byte, 4+len(value)*8)
	binary.LittleEndian.PutUint32(buf, uint32(len(value)))
	for i, v := range value {
		binary.LittleEndian.PutUint64(buf[4+i*8:], uint64(int64(v)))
	}
	return s.put(key, typeIntSlice, buf)
}

// GetAndAdd atomically adds delta to the int64 under key and returns the
// previous value. An absent key is initialized so that the first caller
// observes start. The whole read-modify-write runs under the cross-process
// lock, so concurrent callers in any process see distinct values.
func (s *Store) GetAndAdd(key string, delta, start int64) int64 {
	if s.await() != nil {
		return start
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := start
	s.lock.RunExclusive(func() error {
		i, ok := s.findSlot(key)
		if !ok {
			var err error
			if i, err = s.allocateSlot(key); err != nil {
				return err
			}
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], uint64(start+delta))
			return s.writeValue(i, typeInt64, buf[:])
		}
		typ, val := s.readValue(i)
		if (typ == typeInt64 || typ == typeInt) && len(val) == 8 {
			prev = int64(binary.LittleEndian.Uint64(val))
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(prev+delta))
		return s.writeValue(i, typeInt64, buf[:])
	})
	return prev
}
