package server

import (
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/yanet-platform/cmdlog/internal/store"
)

// Config configures the TCP front-end.
type Config struct {
	// ListenAddr is the TCP address to listen on, e.g. ":9000".
	ListenAddr string `yaml:"listen_addr"`
	// ReadChunk is the granularity at which a worker grows its receive
	// buffer and streams replies back to the client.
	ReadChunk datasize.ByteSize `yaml:"read_chunk"`
	// Backlog is the listen() backlog.
	Backlog int `yaml:"backlog"`
	// TimestampInterval is the period of the timestamp-appending task. A
	// zero value disables the task.
	TimestampInterval time.Duration `yaml:"timestamp_interval"`
	// BackingFile, when non-empty, is a path the server mirrors every
	// committed command and timestamp line into. It is removed on clean
	// shutdown and is never read back from; the RingLog remains the only
	// source of truth for reads.
	BackingFile string `yaml:"backing_file"`
}

// DefaultListenAddr is TCP port 9000 on any address.
const DefaultListenAddr = ":9000"

// DefaultBacklog is the default listen() backlog.
const DefaultBacklog = 1

// DefaultTimestampInterval is the period of the timestamp-appending task.
const DefaultTimestampInterval = 10 * time.Second

// DefaultBackingFile is the default on-disk mirror path.
const DefaultBackingFile = "/var/tmp/aesdsocketdata"

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        DefaultListenAddr,
		ReadChunk:         store.DefaultReadChunk,
		Backlog:           DefaultBacklog,
		TimestampInterval: DefaultTimestampInterval,
		BackingFile:       DefaultBackingFile,
	}
}
