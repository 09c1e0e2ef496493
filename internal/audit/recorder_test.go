package audit

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/models"
)

type memSink struct {
	mu   sync.Mutex
	logs []models.AuditLog
	err  error
}

func (s *memSink) InsertMany(_ context.Context, logs []models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.logs = append(s.logs, logs...)
	return nil
}

var day = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func record(rule int64, result models.ForwardResult) models.AuditLog {
	return models.AuditLog{
		RuleID:       rule,
		SourceChatID: "111",
		TargetChatID: "222",
		MessageID:    100,
		MessageType:  "text",
		Mode:         "forward",
		Result:       result,
		CreatedAt:    day,
	}
}

func readLines(t *testing.T, path string) []models.AuditLog {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []models.AuditLog
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l models.AuditLog
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		out = append(out, l)
	}
	require.NoError(t, sc.Err())
	return out
}

func readSummary(t *testing.T, path string) Summary {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var s Summary
	require.NoError(t, json.Unmarshal(data, &s))
	return s
}

func TestModes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mode        string
		wantFiles   bool
		wantSummary bool
	}{
		{mode: "off"},
		{mode: "summary", wantSummary: true},
		{mode: "full", wantFiles: true, wantSummary: true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			r, err := New(config.AuditConfig{Mode: tt.mode, Dir: dir}, nil)
			require.NoError(t, err)
			r.now = func() time.Time { return day }

			r.Record(t.Context(), record(1, models.ResultSuccess))
			require.NoError(t, r.Flush(t.Context()))

			_, err = os.Stat(filepath.Join(dir, "2026-03-14", "rule_1.jsonl"))
			assert.Equal(t, tt.wantFiles, err == nil)
			_, err = os.Stat(filepath.Join(dir, "summary_2026-03-14.json"))
			assert.Equal(t, tt.wantSummary, err == nil)
		})
	}
}

func TestUnknownMode(t *testing.T) {
	t.Parallel()
	_, err := New(config.AuditConfig{Mode: "verbose"}, nil)
	require.Error(t, err)
}

func TestFullModePartitionsByRule(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sink := &memSink{}
	r, err := New(config.AuditConfig{Mode: "full", Dir: dir}, sink)
	require.NoError(t, err)
	r.now = func() time.Time { return day }

	r.Record(t.Context(), record(1, models.ResultSuccess))
	r.Record(t.Context(), record(2, models.ResultFiltered))
	r.Record(t.Context(), record(1, models.ResultFailed))
	require.NoError(t, r.Flush(t.Context()))
	r.Record(t.Context(), record(1, models.ResultSuccess))
	require.NoError(t, r.Flush(t.Context()))

	rule1 := readLines(t, filepath.Join(dir, "2026-03-14", "rule_1.jsonl"))
	require.Len(t, rule1, 3)
	assert.Equal(t, models.ResultFailed, rule1[1].Result)
	assert.Len(t, readLines(t, filepath.Join(dir, "2026-03-14", "rule_2.jsonl")), 1)
	assert.Len(t, sink.logs, 4)
}

func TestSummaryCounts(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	r, err := New(config.AuditConfig{Mode: "summary", Dir: dir}, nil)
	require.NoError(t, err)
	r.now = func() time.Time { return day }

	r.Record(t.Context(), record(1, models.ResultSuccess))
	r.Record(t.Context(), record(1, models.ResultSuccess))
	copied := record(2, models.ResultFailed)
	copied.Mode = "copy"
	copied.TargetChatID = "333"
	copied.MessageType = "photo"
	r.Record(t.Context(), copied)
	require.NoError(t, r.Flush(t.Context()))

	s := readSummary(t, filepath.Join(dir, "summary_2026-03-14.json"))
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, map[string]int{"1": 2, "2": 1}, s.ByRule)
	assert.Equal(t, map[string]int{"222": 2, "333": 1}, s.ByTarget)
	assert.Equal(t, map[string]int{"forward": 2, "copy": 1}, s.ByMode)
	assert.Equal(t, map[string]int{"text": 2, "photo": 1}, s.ByType)
	assert.Equal(t, map[string]int{"success": 2, "failed": 1}, s.ByResult)
	assert.Equal(t, s, r.Summary("2026-03-14"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files are left behind")
}

func TestPastDaysAreDroppedAfterFlush(t *testing.T) {
	t.Parallel()
	r, err := New(config.AuditConfig{Mode: "summary", Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	now := day
	r.now = func() time.Time { return now }

	r.Record(t.Context(), record(1, models.ResultSuccess))
	require.NoError(t, r.Flush(t.Context()))
	now = day.Add(24 * time.Hour)
	require.NoError(t, r.Flush(t.Context()))

	assert.Zero(t, r.Summary("2026-03-14").Total)
}

func TestSinkErrorIsReported(t *testing.T) {
	t.Parallel()
	r, err := New(config.AuditConfig{Mode: "full", Dir: t.TempDir()}, &memSink{err: assert.AnError})
	require.NoError(t, err)
	r.Record(t.Context(), record(1, models.ResultSuccess))
	assert.ErrorIs(t, r.Flush(t.Context()), assert.AnError)
}
