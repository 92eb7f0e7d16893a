package journal

import (
	"time"

	"github.com/yanun0323/errors"
)

const (
	defaultQueueSize  = 1024
	defaultBufferSize = 32 * 1024
	defaultFilePrefix = "trades"
)

// Config controls journal writer behavior.
type Config struct {
	Dir           string
	QueueSize     int
	BufferSize    int
	FilePrefix    string
	FlushInterval time.Duration
}

// DefaultConfig returns a baseline configuration for the journal writer.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		QueueSize:     defaultQueueSize,
		BufferSize:    defaultBufferSize,
		FilePrefix:    defaultFilePrefix,
		FlushInterval: time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.New("invalid journal config: Dir is empty")
	}
	if c.QueueSize <= 0 {
		return errors.New("invalid journal config: QueueSize must be > 0")
	}
	if c.BufferSize <= 0 {
		return errors.New("invalid journal config: BufferSize must be > 0")
	}
	if c.FlushInterval < 0 {
		return errors.New("invalid journal config: FlushInterval must be >= 0")
	}
	return nil
}
