package journal

import (
	"bufio"
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var (
	ErrQueueFull      = stderrors.New("journal queue full")
	ErrClosed         = stderrors.New("journal writer closed")
	ErrNotStarted     = stderrors.New("journal writer not started")
	ErrAlreadyStarted = stderrors.New("journal writer already started")
)

// Writer appends entries to per-day files from a buffered queue.
type Writer struct {
	cfg Config
	ch  chan Entry
	wg  sync.WaitGroup
	err atomic.Value

	started uint32
	closed  uint32
}

// NewWriter creates a journal writer and ensures the target directory exists.
func NewWriter(cfg Config) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create journal dir")
	}
	return &Writer{
		cfg: cfg,
		ch:  make(chan Entry, cfg.QueueSize),
	}, nil
}

// Start runs the writer loop in a new goroutine.
func (w *Writer) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&w.started, 0, 1) {
		return ErrAlreadyStarted
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	return nil
}

// Close stops the writer after writing everything queued.
func (w *Writer) Close() error {
	if atomic.CompareAndSwapUint32(&w.closed, 0, 1) {
		close(w.ch)
	}
	w.wg.Wait()
	return w.Err()
}

// Err returns the first error observed by the writer, if any.
func (w *Writer) Err() error {
	if v := w.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Dir is where the day files live.
func (w *Writer) Dir() string {
	return w.cfg.Dir
}

// Prefix is the file name prefix of the day files.
func (w *Writer) Prefix() string {
	return w.cfg.FilePrefix
}

// Append enqueues an entry without blocking.
func (w *Writer) Append(e Entry) error {
	if atomic.LoadUint32(&w.closed) != 0 {
		return ErrClosed
	}
	if atomic.LoadUint32(&w.started) == 0 {
		return ErrNotStarted
	}
	if err := w.Err(); err != nil {
		return err
	}
	if e.Day == "" {
		return errors.New("journal entry without day")
	}
	select {
	case w.ch <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

func (w *Writer) run(ctx context.Context) {
	var (
		seg    *dayFile
		flushC <-chan time.Time
		ticker *time.Ticker
	)
	if w.cfg.FlushInterval > 0 {
		ticker = time.NewTicker(w.cfg.FlushInterval)
		flushC = ticker.C
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		if err := seg.close(); err != nil {
			w.setErr(err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.drainNonBlocking(&seg)
			return
		case e, ok := <-w.ch:
			if !ok {
				return
			}
			if err := w.write(&seg, e); err != nil {
				w.setErr(err)
				return
			}
		case <-flushC:
			if err := seg.flush(); err != nil {
				w.setErr(err)
				return
			}
		}
	}
}

func (w *Writer) drainNonBlocking(seg **dayFile) {
	for {
		select {
		case e, ok := <-w.ch:
			if !ok {
				return
			}
			if err := w.write(seg, e); err != nil {
				w.setErr(err)
				return
			}
		default:
			return
		}
	}
}

func (w *Writer) write(seg **dayFile, e Entry) error {
	line, err := encodeLine(e)
	if err != nil {
		return err
	}
	if *seg == nil || (*seg).day != e.Day {
		if err := (*seg).close(); err != nil {
			return err
		}
		opened, err := w.open(e.Day)
		if err != nil {
			return err
		}
		*seg = opened
	}
	_, err = (*seg).buf.Write(line)
	return err
}

// open appends to the day's file so a restart keeps earlier trades of the day.
func (w *Writer) open(day string) (*dayFile, error) {
	path := filepath.Join(w.cfg.Dir, FileName(w.cfg.FilePrefix, day))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open journal file")
	}
	logs.Infof("journal file opened, path: %s", path)
	return &dayFile{
		day:  day,
		file: file,
		buf:  bufio.NewWriterSize(file, w.cfg.BufferSize),
	}, nil
}

func (w *Writer) setErr(err error) {
	if err == nil || w.err.Load() != nil {
		return
	}
	logs.Errorf("journal writer stopped, err: %+v", err)
	w.err.Store(err)
}

// FileName is the journal file of a day.
func FileName(prefix, day string) string {
	return prefix + "-" + day + ".jsonl"
}

type dayFile struct {
	day  string
	file *os.File
	buf  *bufio.Writer
}

func (f *dayFile) flush() error {
	if f == nil {
		return nil
	}
	return f.buf.Flush()
}

func (f *dayFile) close() error {
	if f == nil {
		return nil
	}
	if err := f.buf.Flush(); err != nil {
		_ = f.file.Close()
		return err
	}
	if err := f.file.Sync(); err != nil {
		_ = f.file.Close()
		return err
	}
	return f.file.Close()
}
