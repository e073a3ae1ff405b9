package wal

// ============================================================================
// WAL core
// Responsibilities:
// 1. Append job transitions to the log file (append-only)
// 2. Replay the log to rebuild the job store after a restart
// 3. Rotate the log after a snapshot (old segment archived as .gz)
// 4. Durability and integrity of what was written
//
// Record layout (one JSON object per line):
//
//   {"seq":12,"type":"RETRY","job_id":"…","timestamp":…,"job":{…},"checksum":…}
//
// Writes are buffered; a record reaches disk when the buffer fills, when the
// flush interval has elapsed, on a forced append, or on Flush/Rotate/Close.
// ============================================================================

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

var log = slog.Default()

// Defaults applied by NewWAL when an option is left at zero
const (
	DefaultBufferSize    = 256
	DefaultFlushInterval = time.Second
	DefaultMaxArchives   = 5
)

// FileInterface is the subset of *os.File used by the WAL.
// Tests substitute it to simulate write or sync failures.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options tunes buffering and archive retention
type Options struct {
	SyncOnAppend  bool          // flush and fsync on every append
	BufferSize    int           // events buffered before a flush
	FlushInterval time.Duration // max age of the oldest buffered event
	MaxArchives   int           // rotated segments kept on disk, <0 keeps none
}

// WAL is a Write-Ahead Log instance
type WAL struct {
	mu            sync.Mutex
	file          FileInterface
	path          string
	seq           uint64
	closed        bool
	opts          Options
	buffer        []Event
	lastFlushTime time.Time
}

// NewWAL creates or opens a WAL.
//
// An existing file is opened in append mode and the sequence continues from
// its last intact event.
func NewWAL(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxArchives == 0 {
		opts.MaxArchives = DefaultMaxArchives
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wal: create dir: %w", err)
		}
	}

	// a crash during Rotate can leave a partial archive behind
	if stale, _ := filepath.Glob(path + ".*.gz.tmp"); len(stale) > 0 {
		for _, p := range stale {
			if err := os.Remove(p); err != nil {
				log.Warn("wal: remove partial archive failed", "path", p, "error", err)
			}
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		if err := truncateTornTail(file, stat.Size()); err != nil {
			file.Close()
			return nil, err
		}
		last, err := GetLastEvent(path)
		if err == nil && last != nil {
			seq = last.Seq
		}
	}

	return &WAL{
		file:          file,
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Path returns the active segment path
func (w *WAL) Path() string { return w.path }

// Append records the post-transition state of job.
//
// The event is buffered unless isForceFlush (or SyncOnAppend) is set, in
// which case it is on disk when Append returns nil.
func (w *WAL) Append(eventType EventType, job types.Job, isForceFlush bool) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("wal: encode job %s: %w", job.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		JobID:     job.ID,
		Timestamp: time.Now().UnixMilli(),
		Job:       data,
	}
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	needFlush := isForceFlush || w.opts.SyncOnAppend ||
		len(w.buffer) >= w.opts.BufferSize ||
		time.Since(w.lastFlushTime) > w.opts.FlushInterval
	if needFlush {
		return w.flushLocked()
	}
	return nil
}

// Flush writes buffered events and syncs the file
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay reads the active segment from the start and hands every event to
// handler in order.
//
// A damaged final line (a write torn by a crash) is skipped with a warning.
// Damage anywhere else stops the replay with a *CorruptionError, a bad
// checksum with a *ChecksumError, and a handler error is returned wrapped.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	return scanEvents(file, func(event Event) error {
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		if err := handler(event); err != nil {
			return fmt.Errorf("wal: apply seq=%d: %w", event.Seq, err)
		}
		return nil
	})
}

// archiveStamp is the time suffix Rotate appends to an archived segment
const archiveStamp = "20060102_150405.000000000"

// archiveName matches "<stamp>" and "<stamp>.gz" after the log path
var archiveName = regexp.MustCompile(`^\d{8}_\d{6}\.\d{9}(\.gz)?$`)

// segment is one rotated segment; a crash during compression can leave
// both a plain and a gzip copy on disk
type segment struct {
	stamp string
	plain string
	gz    string
}

// path prefers the plain copy: it is only removed after its archive is
// complete
func (s segment) path() string {
	if s.plain != "" {
		return s.plain
	}
	return s.gz
}

func (w *WAL) segments() ([]segment, error) {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil, err
	}

	prefix := filepath.Base(w.path) + "."
	byStamp := make(map[string]*segment)
	for _, m := range matches {
		name := filepath.Base(m)
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		suffix := strings.TrimPrefix(name, prefix)
		if !archiveName.MatchString(suffix) {
			continue
		}
		stamp := strings.TrimSuffix(suffix, ".gz")
		seg, ok := byStamp[stamp]
		if !ok {
			seg = &segment{stamp: stamp}
			byStamp[stamp] = seg
		}
		if strings.HasSuffix(suffix, ".gz") {
			seg.gz = m
		} else {
			seg.plain = m
		}
	}

	segs := make([]segment, 0, len(byStamp))
	for _, seg := range byStamp {
		segs = append(segs, *seg)
	}
	// timestamp suffixes sort lexically in time order
	sort.Slice(segs, func(i, j int) bool { return segs[i].stamp < segs[j].stamp })
	return segs, nil
}

// Archives lists the segments left by Rotate, oldest first, one path per
// segment. A segment whose compression did not finish is listed by its
// uncompressed file.
func (w *WAL) Archives() ([]string, error) {
	segs, err := w.segments()
	if err != nil {
		return nil, err
	}
	archives := make([]string, 0, len(segs))
	for _, seg := range segs {
		archives = append(archives, seg.path())
	}
	return archives, nil
}

// ReplayArchive replays a segment archived by Rotate. Gzip archives are
// decompressed on the fly; any other path is read as a plain segment.
func ReplayArchive(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return &CorruptionError{Cause: err}
		}
		defer gz.Close()
		r = gz
	}

	return scanEvents(r, func(event Event) error {
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		if err := handler(event); err != nil {
			return fmt.Errorf("wal: apply archived seq=%d: %w", event.Seq, err)
		}
		return nil
	})
}

// Rotate closes the active segment, archives it as a gzip file next to the
// log and starts an empty segment. Sequence numbers restart at zero.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	archivePath := w.path + "." + time.Now().Format(archiveStamp)
	if err := os.Rename(w.path, archivePath); err != nil {
		return fmt.Errorf("wal: archive segment: %w", err)
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		w.closed = true
		return fmt.Errorf("wal: open new segment: %w", err)
	}

	w.file = newFile
	w.seq = 0
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()

	// archive handling never blocks the new segment; an uncompressed
	// segment is still listed by Archives and pruned with the rest
	if err := compressWALFile(archivePath, archivePath+".gz"); err != nil {
		log.Warn("wal: compress archived segment failed", "path", archivePath, "error", err)
	} else if err := os.Remove(archivePath); err != nil {
		log.Warn("wal: remove archived segment failed", "path", archivePath, "error", err)
	}
	if err := w.pruneArchives(); err != nil {
		log.Warn("wal: prune archives failed", "error", err)
	}
	return nil
}

// Close flushes and closes the WAL. A closed WAL cannot be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	flushErr := w.flushLocked()
	closeErr := w.file.Close()
	return errors.Join(flushErr, closeErr)
}

// GetLastSeq returns the sequence number of the last appended event
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// ============================================================================
// Internal helpers (caller holds w.mu)
// ============================================================================

func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range w.buffer {
		if err := enc.Encode(event); err != nil {
			return err
		}
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("wal: write: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}

	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return nil
}

// pruneArchives keeps the newest MaxArchives rotated segments
func (w *WAL) pruneArchives() error {
	segs, err := w.segments()
	if err != nil {
		return err
	}
	keep := w.opts.MaxArchives
	if keep < 0 {
		keep = 0
	}
	if len(segs) <= keep {
		return nil
	}

	for _, seg := range segs[:len(segs)-keep] {
		for _, p := range []string{seg.plain, seg.gz} {
			if p == "" {
				continue
			}
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
	}
	return nil
}

// scanEvents decodes one event per line. A damaged last line is skipped.
func scanEvents(r io.Reader, fn func(Event) error) error {
	reader := bufio.NewReader(r)
	var offset int64
	var lastSeq uint64

	for {
		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var event Event
			if err := json.Unmarshal(line, &event); err != nil {
				if _, peekErr := reader.Peek(1); peekErr == io.EOF {
					log.Warn("wal: skipping torn record at end of log", "offset", offset, "after_seq", lastSeq)
					return nil
				}
				return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
			}
			if err := fn(event); err != nil {
				return err
			}
			lastSeq = event.Seq
		}
		offset += int64(len(line))

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// truncateTornTail cuts a final line that lacks its newline, so the next
// append starts on a fresh line
func truncateTornTail(file *os.File, size int64) error {
	last := make([]byte, 1)
	if _, err := file.ReadAt(last, size-1); err != nil {
		return fmt.Errorf("wal: read tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}

	data := make([]byte, size)
	if _, err := file.ReadAt(data, 0); err != nil && err != io.EOF {
		return fmt.Errorf("wal: read segment: %w", err)
	}
	keep := int64(bytes.LastIndexByte(data, '\n') + 1)
	log.Warn("wal: truncating torn record", "path", file.Name(), "from", keep, "size", size)
	if err := file.Truncate(keep); err != nil {
		return fmt.Errorf("wal: truncate torn record: %w", err)
	}
	return file.Sync()
}

// compressWALFile gzips srcPath into dstPath. The archive is written to a
// temp file, synced and renamed, so dstPath is either absent or complete.
func compressWALFile(srcPath, dstPath string) (err error) {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	tmpPath := dstPath + ".tmp"
	dstFile, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			dstFile.Close()
			os.Remove(tmpPath)
		}
	}()

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err = io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		return err
	}
	if err = gzipWriter.Close(); err != nil {
		return err
	}
	if err = dstFile.Sync(); err != nil {
		return err
	}
	if err = dstFile.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, dstPath); err != nil {
		return err
	}
	return syncDir(filepath.Dir(dstPath))
}

// syncDir makes a rename in dir durable
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
