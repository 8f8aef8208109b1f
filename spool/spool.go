// Package spool is the append-only file store between the tool layer and
// the bridge worker. Events and responses live in separate subtrees as one
// file per record, named so lexical order is arrival order. Records above a
// size threshold are zstd-compressed; every record carries a blake3
// checksum that is verified on read.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bk "github.com/okrause/bridgekeeper"
)

// Config tunes the spool.
type Config struct {
	Dir           string
	CompressAbove int           // bytes; records larger than this are zstd-compressed (default 512)
	FsyncEvery    int           // appends per fsync batch (default 8)
	MaxAge        time.Duration // event TTL (default 7d)
	MaxCount      int           // event count cap (default 10000)
}

func (c Config) withDefaults() Config {
	if c.CompressAbove <= 0 {
		c.CompressAbove = 512
	}
	if c.FsyncEvery <= 0 {
		c.FsyncEvery = 8
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	if c.MaxCount <= 0 {
		c.MaxCount = 10000
	}
	return c
}

const (
	eventsDir    = "events"
	responsesDir = "responses"
	statusFile   = "status.json"
)

// status is the durable cursor: the last event the worker acknowledged.
type status struct {
	EventsCursor string    `json:"events_cursor"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Spool is the on-disk queue. Append and Prune are mutually exclusive, so a
// prune pass never deletes a record that is mid-write.
type Spool struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	unsynced    int
	lastEventMS int64 // monotonic filename prefix guard
}

// Open creates the spool directories and loads the cursor.
func Open(cfg Config, logger *slog.Logger) (*Spool, error) {
	cfg = cfg.withDefaults()
	if cfg.Dir == "" {
		return nil, bk.Errf(bk.CodeConfigInvalid, "spool dir is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	for _, sub := range []string{eventsDir, responsesDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0o755); err != nil {
			return nil, fsErr("create spool dir", err)
		}
	}
	return &Spool{cfg: cfg, logger: logger}, nil
}

// AppendEvent persists one event and returns its record id.
func (s *Spool) AppendEvent(ctx context.Context, ev bk.Event) (string, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", bk.Errf(bk.CodeValidationFailed, "event not serializable").WithCause(err)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return s.append(ctx, eventsDir, ts, raw)
}

// AppendResponse persists one user response and returns its record id.
func (s *Spool) AppendResponse(ctx context.Context, r bk.Response) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", bk.Errf(bk.CodeValidationFailed, "response not serializable").WithCause(err)
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return s.append(ctx, responsesDir, ts, raw)
}

// append writes one record atomically: temp file, fsync per batch, rename.
func (s *Spool) append(ctx context.Context, sub string, ts time.Time, record []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, ext, err := encodeRecord(record, s.cfg.CompressAbove)
	if err != nil {
		return "", bk.Errf(bk.CodeProcessing, "encode spool record").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ms := ts.UnixMilli()
	if ms <= s.lastEventMS {
		ms = s.lastEventMS + 1
	}
	s.lastEventMS = ms

	id := bk.NewRecordID()
	name := fmt.Sprintf("%013d-%s%s", ms, id, ext)
	dir := filepath.Join(s.cfg.Dir, sub)
	tmp := filepath.Join(dir, "."+name+".tmp")
	final := filepath.Join(dir, name)

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fsErr("create spool record", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fsErr("write spool record", err)
	}
	s.unsynced++
	if s.unsynced >= s.cfg.FsyncEvery {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmp)
			return "", fsErr("sync spool record", err)
		}
		s.unsynced = 0
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fsErr("close spool record", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fsErr("publish spool record", err)
	}
	return id, nil
}

// Iterate reads events after cursor in arrival order, up to limit (0 = all).
// The returned cursor names the last record read; corrupt records are
// skipped with a warning so one bad file never wedges the queue.
func (s *Spool) Iterate(ctx context.Context, cursor string, limit int) ([]bk.Event, string, error) {
	names, err := s.list(eventsDir)
	if err != nil {
		return nil, cursor, err
	}
	var out []bk.Event
	last := cursor
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return out, last, err
		}
		if cursor != "" && name <= cursor {
			continue
		}
		record, err := s.read(eventsDir, name)
		if err != nil {
			s.logger.Warn("skipping corrupt spool record", "file", name, "error", err)
			last = name
			continue
		}
		var ev bk.Event
		if err := json.Unmarshal(record, &ev); err != nil {
			s.logger.Warn("skipping undecodable spool record", "file", name, "error", err)
			last = name
			continue
		}
		out = append(out, ev)
		last = name
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, last, nil
}

// Ack durably records cursor as the last processed event.
func (s *Spool) Ack(cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := status{EventsCursor: cursor, UpdatedAt: time.Now().UTC()}
	raw, err := json.Marshal(st)
	if err != nil {
		return bk.Errf(bk.CodeProcessing, "encode spool status").WithCause(err)
	}
	path := filepath.Join(s.cfg.Dir, statusFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fsErr("write spool status", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fsErr("publish spool status", err)
	}
	return nil
}

// Cursor returns the last acknowledged cursor, empty when none.
func (s *Spool) Cursor() (string, error) {
	raw, err := os.ReadFile(filepath.Join(s.cfg.Dir, statusFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fsErr("read spool status", err)
	}
	var st status
	if err := json.Unmarshal(raw, &st); err != nil {
		return "", bk.Errf(bk.CodeIntegrity, "unreadable spool status").WithCause(err)
	}
	return st.EventsCursor, nil
}

// Prune applies retention to the events subtree: records older than the TTL
// go, and the count cap trims the oldest beyond MaxCount. Whichever rule
// keeps fewer records wins. Returns the number removed.
func (s *Spool) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = s.cfg.MaxAge
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.list(eventsDir)
	if err != nil {
		return 0, err
	}
	cutoffMS := time.Now().Add(-olderThan).UnixMilli()
	removed := 0
	keepFrom := 0
	if over := len(names) - s.cfg.MaxCount; over > 0 {
		keepFrom = over
	}
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		old := recordMillis(name) < cutoffMS
		if !old && i >= keepFrom {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.Dir, eventsDir, name)); err != nil && !os.IsNotExist(err) {
			return removed, fsErr("prune spool record", err)
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("pruned spool events", "removed", removed, "kept", len(names)-removed)
	}
	return removed, nil
}

// Responses returns the newest stored responses, most recent first.
func (s *Spool) Responses(ctx context.Context, limit int) ([]bk.Response, error) {
	names, err := s.list(responsesDir)
	if err != nil {
		return nil, err
	}
	var out []bk.Response
	for i := len(names) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		r, err := s.readResponse(names[i])
		if err != nil {
			s.logger.Warn("skipping corrupt response record", "file", names[i], "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ResponsesSince returns responses received at or after since, oldest first.
func (s *Spool) ResponsesSince(ctx context.Context, since time.Time) ([]bk.Response, error) {
	names, err := s.list(responsesDir)
	if err != nil {
		return nil, err
	}
	sinceMS := since.UnixMilli()
	var out []bk.Response
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if recordMillis(name) < sinceMS {
			continue
		}
		r, err := s.readResponse(name)
		if err != nil {
			s.logger.Warn("skipping corrupt response record", "file", name, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// PruneResponses removes responses older than olderThan, returning the count.
func (s *Spool) PruneResponses(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := s.list(responsesDir)
	if err != nil {
		return 0, err
	}
	cutoffMS := time.Now().Add(-olderThan).UnixMilli()
	removed := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if recordMillis(name) >= cutoffMS {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.Dir, responsesDir, name)); err != nil && !os.IsNotExist(err) {
			return removed, fsErr("prune response record", err)
		}
		removed++
	}
	return removed, nil
}

// Stats reports file count and total bytes across both subtrees; the memory
// monitor samples it for the event_files area.
func (s *Spool) Stats() (files int64, bytes int64) {
	for _, sub := range []string{eventsDir, responsesDir} {
		entries, err := os.ReadDir(filepath.Join(s.cfg.Dir, sub))
		if err != nil {
			continue
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil || e.IsDir() {
				continue
			}
			files++
			bytes += info.Size()
		}
	}
	return files, bytes
}

// Verify reads every event record and reports the first integrity failure;
// the data-integrity health check calls it with a sampling limit.
func (s *Spool) Verify(ctx context.Context, limit int) error {
	names, err := s.list(eventsDir)
	if err != nil {
		return err
	}
	if limit > 0 && len(names) > limit {
		names = names[len(names)-limit:]
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.read(eventsDir, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Spool) list(sub string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.cfg.Dir, sub))
	if err != nil {
		return nil, fsErr("list spool dir", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.HasSuffix(name, extPlain) && !strings.HasSuffix(name, extCompressed) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Spool) read(sub, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.cfg.Dir, sub, name))
	if err != nil {
		return nil, fsErr("read spool record", err)
	}
	return decodeRecord(name, data)
}

func (s *Spool) readResponse(name string) (bk.Response, error) {
	var r bk.Response
	record, err := s.read(responsesDir, name)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(record, &r); err != nil {
		return r, bk.Errf(bk.CodeIntegrity, "undecodable response in %s", name).WithCause(err)
	}
	return r, nil
}

// recordMillis extracts the millisecond prefix from a record filename.
func recordMillis(name string) int64 {
	prefix, _, ok := strings.Cut(name, "-")
	if !ok {
		return 0
	}
	var ms int64
	for _, c := range prefix {
		if c < '0' || c > '9' {
			return 0
		}
		ms = ms*10 + int64(c-'0')
	}
	return ms
}

// fsErr maps filesystem failures onto the error taxonomy.
func fsErr(op string, err error) *bk.Error {
	code := bk.CodeProcessing
	switch {
	case os.IsPermission(err):
		code = bk.CodeFSPermission
	case os.IsNotExist(err):
		code = bk.CodeFSMissing
	case strings.Contains(err.Error(), "no space"):
		code = bk.CodeFSSpace
	}
	return bk.Errf(code, "%s", op).WithCause(err).WithOperation("spool", op)
}
