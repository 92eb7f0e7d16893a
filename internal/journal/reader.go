package journal

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// ReaderOptions controls line decoding.
type ReaderOptions struct {
	// SkipCorrupt drops lines that fail to decode instead of failing the read.
	SkipCorrupt bool
}

// Reader decodes journal lines sequentially.
type Reader struct {
	s    *bufio.Scanner
	opts ReaderOptions
	line int
}

// NewReader wraps an io.Reader with journal decoding.
func NewReader(r io.Reader, opts ReaderOptions) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Reader{s: s, opts: opts}
}

// Next returns the next entry or io.EOF.
func (r *Reader) Next() (Entry, error) {
	for r.s.Scan() {
		r.line++
		raw := r.s.Bytes()
		if len(raw) == 0 {
			continue
		}
		e, err := decodeLine(raw)
		if err != nil {
			if r.opts.SkipCorrupt {
				logs.Warnf("journal line %d skipped, err: %+v", r.line, err)
				continue
			}
			return Entry{}, errors.Wrapf(err, "line %d", r.line)
		}
		return e, nil
	}
	if err := r.s.Err(); err != nil {
		return Entry{}, err
	}
	return Entry{}, io.EOF
}

// ReadDay loads every entry journaled for day. A day without a file is empty.
func ReadDay(dir, prefix, day string, opts ReaderOptions) ([]Entry, error) {
	if prefix == "" {
		prefix = defaultFilePrefix
	}
	f, err := os.Open(filepath.Join(dir, FileName(prefix, day)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "open journal file")
	}
	defer f.Close()

	var out []Entry
	r := NewReader(f, opts)
	for {
		e, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}
