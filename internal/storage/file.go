package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"postpilot/internal/queue"
	"postpilot/internal/schedule"
	logx "postpilot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.schedules.json       (whole-collection blob, atomic rename)
//   - <prefix>.drafts.snapshot.json (periodic snapshot)
//   - <prefix>.drafts.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	schedulesPath string

	draftsSnapshotPath string
	draftsJournalFile  *os.File
	drafts             map[string]*draftRecord

	journalWrites int
}

type draftRecord struct {
	Item        queue.Item `json:"item"`
	Published   bool       `json:"published,omitempty"`
	PublishedAt int64      `json:"published_at,omitempty"` // unix milli
}

type draftJournalOp struct {
	Op       string      `json:"op"` // put | priority | published | delete
	ID       string      `json:"id,omitempty"`
	Item     *queue.Item `json:"item,omitempty"`
	Priority int         `json:"priority,omitempty"`
	At       int64       `json:"at,omitempty"` // unix milli
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	schedulesPath := prefix + ".schedules.json"
	snapPath := prefix + ".drafts.snapshot.json"
	journalPath := prefix + ".drafts.journal.jsonl"

	drafts := map[string]*draftRecord{}
	_ = loadDraftSnapshot(snapPath, drafts)
	_ = replayDraftJournal(journalPath, drafts)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:                log,
		schedulesPath:      schedulesPath,
		draftsSnapshotPath: snapPath,
		draftsJournalFile:  jf,
		drafts:             drafts,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draftsJournalFile == nil {
		return nil
	}
	// Compact on close so restarts replay a short journal.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("drafts compact on close failed", logx.Any("err", err))
	}
	err := s.draftsJournalFile.Close()
	s.draftsJournalFile = nil
	return err
}

// ---- schedules (whole-collection blob) ----

func (s *fileStore) LoadSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.schedulesPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []schedule.Schedule
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fileStore) SaveSchedules(ctx context.Context, schedules []schedule.Schedule) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if schedules == nil {
		schedules = []schedule.Schedule{}
	}
	b, err := json.MarshalIndent(schedules, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.schedulesPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.schedulesPath)
}

// ---- drafts ----

func (s *fileStore) ListGroup(ctx context.Context, group string) ([]queue.Item, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []queue.Item
	for _, rec := range s.drafts {
		if rec.Published || rec.Item.Group != group {
			continue
		}
		out = append(out, rec.Item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fileStore) AddDraft(ctx context.Context, item queue.Item) (queue.Item, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draftsJournalFile == nil {
		return queue.Item{}, errors.New("drafts journal closed")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	s.drafts[item.ID] = &draftRecord{Item: item}
	if err := s.appendJournalLocked(draftJournalOp{Op: "put", Item: &item}); err != nil {
		return queue.Item{}, err
	}
	return item, nil
}

func (s *fileStore) WritePriority(ctx context.Context, id string, priority int) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.drafts[id]
	if !ok {
		return ErrDraftNotFound
	}
	rec.Item.Priority = priority
	return s.appendJournalLocked(draftJournalOp{Op: "priority", ID: id, Priority: priority})
}

func (s *fileStore) DeleteDraft(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.drafts[id]; !ok {
		return ErrDraftNotFound
	}
	delete(s.drafts, id)
	return s.appendJournalLocked(draftJournalOp{Op: "delete", ID: id})
}

func (s *fileStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.drafts[id]
	if !ok {
		return ErrDraftNotFound
	}
	rec.Published = true
	rec.PublishedAt = at.UnixMilli()
	return s.appendJournalLocked(draftJournalOp{Op: "published", ID: id, At: rec.PublishedAt})
}

func (s *fileStore) PrunePublished(ctx context.Context, olderThan time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := olderThan.UnixMilli()
	n := 0
	for id, rec := range s.drafts {
		if rec.Published && rec.PublishedAt < cutoff {
			delete(s.drafts, id)
			n++
		}
	}
	if n > 0 {
		if err := s.compactLocked(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *fileStore) appendJournalLocked(op draftJournalOp) error {
	if s.draftsJournalFile == nil {
		return errors.New("drafts journal closed")
	}
	if err := json.NewEncoder(s.draftsJournalFile).Encode(op); err != nil {
		return err
	}
	s.journalWrites++
	if s.journalWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("drafts compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.draftsSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.drafts); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.draftsSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.draftsJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.draftsJournalFile.Seek(0, 2)
	return err
}

func loadDraftSnapshot(path string, out map[string]*draftRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]*draftRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDraftJournal(path string, out map[string]*draftRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var op draftJournalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			continue
		}
		switch op.Op {
		case "put":
			if op.Item != nil && op.Item.ID != "" {
				out[op.Item.ID] = &draftRecord{Item: *op.Item}
			}
		case "priority":
			if rec, ok := out[op.ID]; ok {
				rec.Item.Priority = op.Priority
			}
		case "published":
			if rec, ok := out[op.ID]; ok {
				rec.Published = true
				rec.PublishedAt = op.At
			}
		case "delete":
			delete(out, op.ID)
		}
	}
	return sc.Err()
}
