// Package store implements the file-like command-log device: a RingLog
// guarded by a reader-writer lock, with per-open assembly-buffer state for
// in-progress (not yet newline-terminated) writes.
package store

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"

	"github.com/yanet-platform/cmdlog/internal/ringlog"
)

// DefaultReadChunk is the reference READ_CHUNK value: the granularity at
// which a server worker grows its receive buffer and streams replies.
const DefaultReadChunk = 512 * datasize.B

// Config configures a Device's backing RingLog.
type Config struct {
	// Capacity is the maximum number of retained commands.
	Capacity int `yaml:"capacity"`
	// ReadChunk is the chunk size callers should use when streaming reads
	// or growing receive buffers against this device.
	ReadChunk datasize.ByteSize `yaml:"read_chunk"`
}

// DefaultConfig returns the reference configuration: capacity 10, a 512
// byte read chunk.
func DefaultConfig() Config {
	return Config{
		Capacity:  ringlog.DefaultCapacity,
		ReadChunk: DefaultReadChunk,
	}
}

// Device is the shared, file-like command log. It is safe for concurrent
// use by multiple opens.
type Device struct {
	cfg Config
	log *zap.SugaredLogger

	mu   sync.RWMutex
	ring *ringlog.RingLog
}

// New creates a Device backed by an empty RingLog of the configured
// capacity.
func New(cfg Config, log *zap.SugaredLogger) *Device {
	if cfg.Capacity <= 0 {
		cfg.Capacity = ringlog.DefaultCapacity
	}
	if cfg.ReadChunk <= 0 {
		cfg.ReadChunk = DefaultReadChunk
	}

	return &Device{
		cfg:  cfg,
		log:  log,
		ring: ringlog.New(cfg.Capacity),
	}
}

// ReadChunk returns the configured read-chunk size.
func (d *Device) ReadChunk() datasize.ByteSize {
	return d.cfg.ReadChunk
}

// Len returns the total number of bytes currently retained.
func (d *Device) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.ring.Len()
}

// Open represents one open handle on the device: its own per-open assembly
// buffer that accumulates partial writes until a newline is observed.
type Open struct {
	dev *Device
	log *zap.SugaredLogger

	mu       sync.Mutex // serializes writes to assembly on this handle
	assembly bytes.Buffer

	cursor int64
}

// Open allocates per-open state. It never blocks on the device lock.
func (d *Device) Open() *Open {
	return &Open{dev: d, log: d.log}
}

// Release frees per-open state. Any partially-assembled, uncommitted
// command is discarded and warn-logged.
func (o *Open) Release() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.assembly.Len() > 0 && o.log != nil {
		o.log.Warnw("discarding partial command on release",
			zap.Int("bytes", o.assembly.Len()),
		)
	}
	o.assembly.Reset()
}

// Write appends buf to this open's assembly buffer. If the newly appended
// region contains a newline, the assembly buffer (truncated to end at that
// newline inclusive; anything after is discarded) is committed to the
// RingLog as a new record and the assembly buffer is reset to empty; the
// committed bytes are returned so callers that mirror commits elsewhere
// (see internal/server's backing-file mirror) don't need to reconstruct
// them. committed is nil when this call did not complete a command.
//
// Write always reports n == len(buf): the in-process store never rejects
// or partially accepts bytes already handed to it. A non-nil error
// indicates allocation failure (KindOutOfMemory), in which case the prior
// assembly buffer is left intact and none of buf was accepted.
func (o *Open) Write(buf []byte) (n int, committed []byte, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := o.assembly.Len()
	if _, err := o.assembly.Write(buf); err != nil {
		return 0, nil, fmt.Errorf("append to assembly buffer: %w: %w", KindOutOfMemory, err)
	}

	newlineAt := bytes.IndexByte(o.assembly.Bytes()[start:], '\n')
	if newlineAt < 0 {
		return len(buf), nil, nil
	}
	newlineAt += start

	commitSlice := o.assembly.Bytes()[:newlineAt+1]
	discarded := o.assembly.Len() - len(commitSlice)
	if discarded > 0 && o.log != nil {
		o.log.Debugw("discarding bytes received after first newline",
			zap.Int("discarded", discarded),
		)
	}

	record := make([]byte, len(commitSlice))
	copy(record, commitSlice)

	o.dev.mu.Lock()
	o.dev.ring.Append(ringlog.NewRecord(record))
	o.dev.mu.Unlock()

	o.assembly.Reset()

	return len(buf), record, nil
}

// Read copies bytes from the concatenated, currently-retained stream
// starting at absolute offset pos into dst, returning the number of bytes
// copied and the advanced position. It stops when dst is full or the
// stream is exhausted.
func (o *Open) Read(dst []byte, pos int64) (n int, newPos int64, err error) {
	o.dev.mu.RLock()
	defer o.dev.mu.RUnlock()

	p := int(pos)
	for n < len(dst) {
		record, within, ok := o.dev.ring.FindByOffset(p)
		if !ok {
			break
		}

		copied := copy(dst[n:], record.Bytes()[within:])
		n += copied
		p += copied
	}

	return n, int64(p), nil
}

// Seek repositions this open's cursor. whence follows io.Seek* semantics.
func (o *Open) Seek(offset int64, whence int) (int64, error) {
	o.dev.mu.RLock()
	size := int64(o.dev.ring.Len())
	o.dev.mu.RUnlock()

	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = o.cursor + offset
	case io.SeekEnd:
		newPos = size + offset
	default:
		return 0, fmt.Errorf("seek: unknown whence %d: %w", whence, KindInvalidArgument)
	}

	if newPos < 0 || newPos > size {
		return 0, fmt.Errorf("seek: position %d out of [0,%d]: %w", newPos, size, KindInvalidArgument)
	}

	o.cursor = newPos
	return newPos, nil
}

// Cursor returns the open's current read position.
func (o *Open) Cursor() int64 {
	return o.cursor
}

// SeekTo implements the AESDCHAR_IOCSEEKTO control: position the cursor at
// the start of the cmdIndex-th retained command (0-based) plus byteOffset
// bytes.
func (o *Open) SeekTo(cmdIndex, byteOffset uint32) (int64, error) {
	o.dev.mu.RLock()
	defer o.dev.mu.RUnlock()

	record, prefix, ok := o.dev.ring.GetByIndex(int(cmdIndex))
	if !ok {
		return 0, fmt.Errorf("seek_to: command index %d not retained: %w", cmdIndex, KindInvalidArgument)
	}
	if int(byteOffset) >= record.Size() {
		return 0, fmt.Errorf("seek_to: byte offset %d out of [0,%d): %w", byteOffset, record.Size(), KindInvalidArgument)
	}

	newPos := int64(prefix) + int64(byteOffset)
	o.cursor = newPos
	return newPos, nil
}
