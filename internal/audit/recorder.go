// Package audit records the outcome of every forward attempt. In summary
// mode only daily counters are kept; full mode also writes each record to
// a line-delimited file per rule and day, and to the optional sink.
package audit

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

const dateLayout = "2006-01-02"

// Sink stores full records elsewhere, e.g. the audit_logs collection.
type Sink interface {
	InsertMany(ctx context.Context, logs []models.AuditLog) error
}

// Summary is the aggregate of one day.
type Summary struct {
	Date     string         `json:"date"`
	Total    int            `json:"total"`
	ByRule   map[string]int `json:"by_rule"`
	ByTarget map[string]int `json:"by_target"`
	ByMode   map[string]int `json:"by_mode"`
	ByType   map[string]int `json:"by_type"`
	ByResult map[string]int `json:"by_result"`
}

func newSummary(date string) *Summary {
	return &Summary{
		Date:     date,
		ByRule:   map[string]int{},
		ByTarget: map[string]int{},
		ByMode:   map[string]int{},
		ByType:   map[string]int{},
		ByResult: map[string]int{},
	}
}

func (s *Summary) add(l models.AuditLog) {
	s.Total++
	s.ByRule[strconv.FormatInt(l.RuleID, 10)]++
	s.ByTarget[l.TargetChatID]++
	s.ByMode[l.Mode]++
	s.ByType[l.MessageType]++
	s.ByResult[string(l.Result)]++
}

func (s *Summary) clone() Summary {
	out := *s
	out.ByRule = maps.Clone(s.ByRule)
	out.ByTarget = maps.Clone(s.ByTarget)
	out.ByMode = maps.Clone(s.ByMode)
	out.ByType = maps.Clone(s.ByType)
	out.ByResult = maps.Clone(s.ByResult)
	return out
}

type Recorder struct {
	mode models.AuditMode
	dir  string
	sink Sink

	mu        sync.Mutex
	pending   []models.AuditLog
	summaries map[string]*Summary
	dirty     map[string]bool
	now       func() time.Time
}

func New(cfg config.AuditConfig, sink Sink) (*Recorder, error) {
	mode := models.AuditMode(cfg.Mode)
	switch mode {
	case models.AuditOff, models.AuditSummary, models.AuditFull:
	case "":
		mode = models.AuditSummary
	default:
		return nil, fmt.Errorf("unknown audit mode %q", cfg.Mode)
	}
	return &Recorder{
		mode:      mode,
		dir:       cfg.Dir,
		sink:      sink,
		summaries: map[string]*Summary{},
		dirty:     map[string]bool{},
		now:       time.Now,
	}, nil
}

func (r *Recorder) Mode() models.AuditMode { return r.mode }

// Record adds one record. It never blocks on I/O; Flush persists.
func (r *Recorder) Record(_ context.Context, l models.AuditLog) {
	if r.mode == models.AuditOff {
		return
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = r.now()
	}
	date := l.CreatedAt.UTC().Format(dateLayout)

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.summaries[date]
	if !ok {
		s = newSummary(date)
		r.summaries[date] = s
	}
	s.add(l)
	r.dirty[date] = true
	if r.mode == models.AuditFull {
		r.pending = append(r.pending, l)
	}
}

// Summary returns the counters of date (YYYY-MM-DD).
func (r *Recorder) Summary(date string) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.summaries[date]; ok {
		return s.clone()
	}
	return *newSummary(date)
}

// Flush writes pending records and the summary of every day that changed.
// Counters of past days are dropped once written.
func (r *Recorder) Flush(ctx context.Context) error {
	if r.mode == models.AuditOff {
		return nil
	}
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	var summaries []Summary
	for date := range r.dirty {
		summaries = append(summaries, r.summaries[date].clone())
	}
	clear(r.dirty)
	today := r.now().UTC().Format(dateLayout)
	for date := range r.summaries {
		if date < today && !slices.ContainsFunc(summaries, func(s Summary) bool { return s.Date == date }) {
			delete(r.summaries, date)
		}
	}
	r.mu.Unlock()

	var errs []error
	if len(pending) > 0 {
		errs = append(errs, r.writeRecords(pending))
		if r.sink != nil {
			if err := r.sink.InsertMany(ctx, pending); err != nil {
				errs = append(errs, fmt.Errorf("audit sink: %w", err))
			}
		}
	}
	for _, s := range summaries {
		errs = append(errs, r.writeSummary(s))
	}
	err := errors.Join(errs...)
	if err != nil {
		logx.Errorw(ctx, "audit flush failed", "error", err)
	} else if len(pending) > 0 || len(summaries) > 0 {
		logx.Debugw(ctx, "audit flushed", "records", len(pending), "summaries", len(summaries))
	}
	return err
}

func partition(l models.AuditLog) string {
	return filepath.Join(l.CreatedAt.UTC().Format(dateLayout), "rule_"+strconv.FormatInt(l.RuleID, 10)+".jsonl")
}

func (r *Recorder) writeRecords(logs []models.AuditLog) error {
	byFile := map[string][]models.AuditLog{}
	for _, l := range logs {
		p := partition(l)
		byFile[p] = append(byFile[p], l)
	}
	var errs []error
	for _, p := range slices.Sorted(maps.Keys(byFile)) {
		errs = append(errs, r.appendLines(filepath.Join(r.dir, p), byFile[p]))
	}
	return errors.Join(errs...)
}

func (r *Recorder) appendLines(path string, logs []models.AuditLog) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf []byte
	for _, l := range logs {
		line, err := json.Marshal(l)
		if err != nil {
			return err
		}
		buf = append(append(buf, line...), '\n')
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (r *Recorder) writeSummary(s Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(r.dir, "summary_"+s.Date+".json"), data)
}

// writeAtomic replaces path with data through a temp file in the same
// directory, so readers see the old or the new content only.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
