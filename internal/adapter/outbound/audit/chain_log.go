// Package audit provides the file-backed implementation of the audit
// chain: per-day JSONL segments plus an atomically persisted chain head.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/Aegis-Gate/Aegisgate/internal/domain/audit"
)

const (
	headFileName   = "chain-state.json"
	segmentExt     = ".jsonl"
	segmentDateFmt = "2006-01-02"

	defaultFlushBatch    = 100
	defaultFlushInterval = time.Second
	defaultRetentionDays = 90
	defaultQueryLimit    = 1000
)

// ErrReadOnly is returned by Record after verification found a broken
// chain; the log refuses to extend a chain it cannot vouch for.
var ErrReadOnly = errors.New("audit log is read-only: chain verification failed")

// errMalformedRecord marks a segment line that no longer parses as JSON.
// Verify treats it as a chain break rather than an I/O failure.
var errMalformedRecord = errors.New("malformed audit record")

// ChainLog is the file-backed audit log. A single ChainLog owns its
// directory; sequence numbers are assigned under the mutex at record time
// so persistence order matches allocation order even across batches.
type ChainLog struct {
	dir    string
	logger *slog.Logger

	flushBatch    int
	flushInterval time.Duration
	retentionDays int
	now           func() time.Time

	mu       sync.Mutex
	head     domain.ChainHead
	buf      []domain.Record
	oldest   time.Time
	readOnly bool

	// flushMu serialises drain, segment write, and head persist so batches
	// land on disk in allocation order and the head never moves backwards.
	flushMu sync.Mutex

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a ChainLog.
type Option func(*ChainLog)

// WithFlushInterval overrides the age-based flush trigger.
func WithFlushInterval(d time.Duration) Option {
	return func(l *ChainLog) {
		if d > 0 {
			l.flushInterval = d
		}
	}
}

// WithFlushBatch overrides the size-based flush trigger.
func WithFlushBatch(n int) Option {
	return func(l *ChainLog) {
		if n > 0 {
			l.flushBatch = n
		}
	}
}

// WithRetentionDays overrides how long segments are kept.
func WithRetentionDays(days int) Option {
	return func(l *ChainLog) {
		if days > 0 {
			l.retentionDays = days
		}
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(l *ChainLog) {
		if now != nil {
			l.now = now
		}
	}
}

// NewChainLog opens or creates the audit directory and loads the chain
// head. A missing head file yields an empty chain; a corrupt one is
// preserved with a timestamp suffix and the head is rebuilt from the
// newest segment's tail.
func NewChainLog(dir string, logger *slog.Logger, opts ...Option) (*ChainLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	l := &ChainLog{
		dir:           dir,
		logger:        logger,
		flushBatch:    defaultFlushBatch,
		flushInterval: defaultFlushInterval,
		retentionDays: defaultRetentionDays,
		now:           time.Now,
		stopChan:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.loadHead(); err != nil {
		return nil, err
	}
	return l, nil
}

// loadHead reads chain-state.json, falling back to a tail scan of the
// newest segment when the head file is missing or corrupt.
func (l *ChainLog) loadHead() error {
	path := filepath.Join(l.dir, headFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		l.head = l.rebuildHeadFromSegments()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}
	var head domain.ChainHead
	if err := json.Unmarshal(data, &head); err != nil {
		corrupt := path + ".corrupt-" + l.now().UTC().Format("20060102T150405Z")
		if renameErr := os.Rename(path, corrupt); renameErr != nil {
			return fmt.Errorf("preserve corrupt chain head: %w", renameErr)
		}
		l.logger.Warn("corrupt chain head preserved, rebuilding from segments",
			"path", corrupt, "error", err)
		l.head = l.rebuildHeadFromSegments()
		return nil
	}
	l.head = head
	return nil
}

// rebuildHeadFromSegments recovers the chain tail from the last parseable
// line of the newest segment. An empty directory yields a zero head.
func (l *ChainLog) rebuildHeadFromSegments() domain.ChainHead {
	segments := l.segmentFiles()
	for i := len(segments) - 1; i >= 0; i-- {
		records, err := readSegment(segments[i])
		if err != nil && !errors.Is(err, errMalformedRecord) {
			continue
		}
		if len(records) == 0 {
			continue
		}
		last := records[len(records)-1]
		return domain.ChainHead{
			Seq:           last.Seq,
			LastHash:      last.Hash,
			LastTimestamp: last.Timestamp,
			RecordCount:   last.Seq,
		}
	}
	return domain.ChainHead{}
}

// Start launches the flush ticker and the daily retention sweep. The
// retention sweep also runs once immediately.
func (l *ChainLog) Start(ctx context.Context) {
	l.sweepRetention()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		flush := time.NewTicker(l.flushInterval)
		defer flush.Stop()
		sweep := time.NewTicker(24 * time.Hour)
		defer sweep.Stop()
		for {
			select {
			case <-flush.C:
				if err := l.Flush(ctx); err != nil {
					l.logger.Error("audit flush failed", "error", err)
				}
			case <-sweep.C:
				l.sweepRetention()
			case <-l.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Record assigns the next sequence number and chain hash, then buffers
// the record. The buffer is flushed inline once it reaches the batch
// size; the ticker covers the age-based trigger.
func (l *ChainLog) Record(ctx context.Context, rec *domain.Record) error {
	l.mu.Lock()
	if l.readOnly {
		l.mu.Unlock()
		return ErrReadOnly
	}

	now := l.now()
	rec.Seq = l.head.Seq + 1
	rec.ID = uuid.NewString()
	rec.WallMs = now.UnixMilli()
	rec.Timestamp = now.UTC().Format(time.RFC3339Nano)
	if l.head.Seq == 0 {
		rec.PrevHash = domain.GenesisHash
	} else {
		rec.PrevHash = l.head.LastHash
	}
	rec.Hash = domain.ComputeHash(rec)

	l.head.Seq = rec.Seq
	l.head.LastHash = rec.Hash
	l.head.LastTimestamp = rec.Timestamp
	l.head.RecordCount++

	if len(l.buf) == 0 {
		l.oldest = now
	}
	l.buf = append(l.buf, *rec)
	needFlush := len(l.buf) >= l.flushBatch
	l.mu.Unlock()

	if needFlush {
		return l.Flush(ctx)
	}
	return nil
}

// Flush drains the buffer to the per-day segment files and persists the
// chain head. On write failure the drained records are requeued so the
// next cycle retries them.
func (l *ChainLog) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	if len(l.buf) == 0 {
		l.mu.Unlock()
		return nil
	}
	batch := l.buf
	l.buf = nil
	head := l.head
	l.mu.Unlock()

	if err := l.writeBatch(batch); err != nil {
		l.mu.Lock()
		l.buf = append(batch, l.buf...)
		l.mu.Unlock()
		return err
	}
	return l.persistHead(head)
}

// writeBatch appends records to their UTC-date segments in order.
func (l *ChainLog) writeBatch(batch []domain.Record) error {
	var f *os.File
	var w *bufio.Writer
	current := ""
	closeCurrent := func() error {
		if f == nil {
			return nil
		}
		if err := w.Flush(); err != nil {
			f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}

	for i := range batch {
		rec := &batch[i]
		date := time.UnixMilli(rec.WallMs).UTC().Format(segmentDateFmt)
		if date != current {
			if err := closeCurrent(); err != nil {
				return fmt.Errorf("flush audit segment: %w", err)
			}
			path := filepath.Join(l.dir, date+segmentExt)
			var err error
			f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				return fmt.Errorf("open audit segment: %w", err)
			}
			w = bufio.NewWriter(f)
			current = date
		}
		line, err := marshalCanonical(rec)
		if err != nil {
			return fmt.Errorf("encode audit record seq=%d: %w", rec.Seq, err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := closeCurrent(); err != nil {
		return fmt.Errorf("flush audit segment: %w", err)
	}
	return nil
}

// marshalCanonical renders a record as compact JSON with sorted keys.
func marshalCanonical(rec *domain.Record) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// persistHead writes chain-state.json by write-then-rename.
func (l *ChainLog) persistHead(head domain.ChainHead) error {
	data, err := json.MarshalIndent(head, "", "  ")
	if err != nil {
		return fmt.Errorf("encode chain head: %w", err)
	}
	path := filepath.Join(l.dir, headFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write chain head: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace chain head: %w", err)
	}
	return nil
}

// Verify walks every retained segment oldest to newest, recomputing each
// record's hash and checking sequence density and linkage. A mismatch, or
// a line that no longer parses, reports the first broken sequence and
// flips the log read-only; nothing is deleted or repaired. Only I/O
// failures surface as errors.
func (l *ChainLog) Verify(ctx context.Context) (domain.VerifyResult, error) {
	var res domain.VerifyResult
	prevHash := domain.GenesisHash
	var prevSeq uint64

	broken := func() (domain.VerifyResult, error) {
		l.mu.Lock()
		l.readOnly = true
		l.mu.Unlock()
		return res, nil
	}

	for _, path := range l.segmentFiles() {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}
		records, readErr := readSegment(path)
		if readErr != nil && !errors.Is(readErr, errMalformedRecord) {
			return res, fmt.Errorf("read segment %s: %w", filepath.Base(path), readErr)
		}
		for i := range records {
			rec := &records[i]
			if rec.Seq != prevSeq+1 || rec.PrevHash != prevHash || domain.ComputeHash(rec) != rec.Hash {
				res.BrokenSeq = rec.Seq
				return broken()
			}
			prevSeq = rec.Seq
			prevHash = rec.Hash
			res.Records++
		}
		if readErr != nil {
			res.BrokenSeq = prevSeq + 1
			return broken()
		}
	}
	return res, nil
}

// Query scans the retained segments with the given filter, newest-first
// input order preserved as written (oldest first within the result).
func (l *ChainLog) Query(ctx context.Context, q domain.Query) ([]domain.Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	var out []domain.Record
	for _, path := range l.segmentFiles() {
		if !segmentInRange(path, q.FromMs, q.ToMs) {
			continue
		}
		records, err := readSegment(path)
		if err != nil {
			return nil, fmt.Errorf("read segment %s: %w", filepath.Base(path), err)
		}
		for i := range records {
			rec := &records[i]
			if q.AgentID != "" && rec.AgentID != q.AgentID {
				continue
			}
			if q.Verdict != "" && rec.Verdict != q.Verdict {
				continue
			}
			if q.FromMs > 0 && rec.WallMs < q.FromMs {
				continue
			}
			if q.ToMs > 0 && rec.WallMs > q.ToMs {
				continue
			}
			out = append(out, *rec)
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Head returns a copy of the current chain head.
func (l *ChainLog) Head() domain.ChainHead {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Close stops the background loop and flushes remaining records.
func (l *ChainLog) Close(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.wg.Wait()
	return l.Flush(ctx)
}

// sweepRetention removes segments older than the retention window.
func (l *ChainLog) sweepRetention() {
	cutoff := l.now().UTC().AddDate(0, 0, -l.retentionDays).Format(segmentDateFmt)
	for _, path := range l.segmentFiles() {
		date := strings.TrimSuffix(filepath.Base(path), segmentExt)
		if date < cutoff {
			if err := os.Remove(path); err != nil {
				l.logger.Warn("retention sweep failed", "path", path, "error", err)
				continue
			}
			l.logger.Info("removed expired audit segment", "path", path)
		}
	}
}

// segmentFiles lists the day segments in ascending date order. Segment
// names sort lexically by date.
func (l *ChainLog) segmentFiles() []string {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		date := strings.TrimSuffix(name, segmentExt)
		if _, err := time.Parse(segmentDateFmt, date); err != nil {
			continue
		}
		out = append(out, filepath.Join(l.dir, name))
	}
	sort.Strings(out)
	return out
}

// segmentInRange prunes whole segments outside the query's time bounds.
func segmentInRange(path string, fromMs, toMs int64) bool {
	date := strings.TrimSuffix(filepath.Base(path), segmentExt)
	day, err := time.ParseInLocation(segmentDateFmt, date, time.UTC)
	if err != nil {
		return true
	}
	dayEnd := day.AddDate(0, 0, 1)
	if fromMs > 0 && dayEnd.UnixMilli() <= fromMs {
		return false
	}
	if toMs > 0 && day.UnixMilli() > toMs {
		return false
	}
	return true
}

// readSegment parses one JSONL segment. Blank lines are skipped. An
// unparseable line stops the read and returns the records parsed so far
// alongside errMalformedRecord.
func readSegment(path string) ([]domain.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []domain.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec domain.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return out, fmt.Errorf("%w: %v", errMalformedRecord, err)
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

var _ domain.Log = (*ChainLog)(nil)
