// Package ledger keeps the bounded history of closed-trade outcomes and derives per
// strategy scores from it.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"futures-agent/internal/logging"
)

// Result classifies how a trade ended.
type Result string

const (
	ResultTPOrClose Result = "TP_OR_CLOSE"
	ResultEmergency Result = "EMERGENCY"
)

// DefaultMaxEntries bounds the ledger when no size is configured.
const DefaultMaxEntries = 200

// Entry is one closed trade.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Strategy  string    `json:"strategy"`
	Result    Result    `json:"result"`
	PnL       float64   `json:"pnl"`
}

// Score aggregates a strategy's entries.
type Score struct {
	Strategy    string  `json:"strategy"`
	Wins        int     `json:"wins"`
	Emergencies int     `json:"emergencies"`
	Total       int     `json:"total"`
	TotalPnL    float64 `json:"total_pnl"`
	WinRate     float64 `json:"win_rate"`
	AvgPnL      float64 `json:"avg_pnl"`
	Score       float64 `json:"score"`
}

// Journal receives a copy of every recorded entry. Journals are not bounded.
type Journal interface {
	Append(ctx context.Context, e Entry) error
}

// Ledger is safe for concurrent use by all symbol loops in one process. The backing file is
// replaced atomically so external readers always see a complete array.
type Ledger struct {
	mu       sync.RWMutex
	path     string
	max      int
	entries  []Entry
	journals []Journal
	logger   *logging.Logger
	now      func() time.Time
}

// Open loads the ledger at path, creating an empty one when the file does not exist.
// An empty path keeps the ledger in memory only.
func Open(path string, maxEntries int, logger *logging.Logger) (*Ledger, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if logger == nil {
		logger = logging.Nop()
	}
	l := &Ledger{
		path:   path,
		max:    maxEntries,
		logger: logger.WithComponent("ledger"),
		now:    time.Now,
	}
	if path == "" {
		return l, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &l.entries); err != nil {
			return nil, fmt.Errorf("failed to parse ledger %s: %w", path, err)
		}
	}
	l.truncate()
	return l, nil
}

// AddJournal mirrors future records to j.
func (l *Ledger) AddJournal(j Journal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journals = append(l.journals, j)
}

// Record appends one outcome, drops the oldest entries beyond the bound and persists.
// Journal failures are logged and do not fail the record.
func (l *Ledger) Record(ctx context.Context, strategyName string, result Result, pnl float64) (Entry, error) {
	e := Entry{
		Timestamp: l.now().UTC(),
		Strategy:  strategyName,
		Result:    result,
		PnL:       math.Round(pnl*100) / 100,
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.truncate()
	err := l.persist()
	journals := append([]Journal(nil), l.journals...)
	l.mu.Unlock()

	for _, j := range journals {
		if jerr := j.Append(ctx, e); jerr != nil {
			l.logger.Warn("Journal append failed", "strategy", strategyName, "error", jerr)
		}
	}

	if err != nil {
		return e, err
	}
	l.logger.Info("Trade outcome recorded", "strategy", strategyName, "result", string(result), "pnl", e.PnL)
	return e, nil
}

func (l *Ledger) truncate() {
	if over := len(l.entries) - l.max; over > 0 {
		l.entries = append([]Entry(nil), l.entries[over:]...)
	}
}

func (l *Ledger) persist() error {
	if l.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}
	return writeFileAtomic(l.path, data)
}

// Entries returns a copy ordered oldest first, as stored on disk.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// Recent returns up to n entries, most recent first. n <= 0 returns all.
func (l *Ledger) Recent(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(l.entries) - 1; i >= len(l.entries)-n; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Len returns the number of retained entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Scores aggregates the retained entries per strategy.
func (l *Ledger) Scores() map[string]Score {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return aggregate(l.entries)
}

// ScoreOf returns the score for name; strategies without history score 0.
func (l *Ledger) ScoreOf(name string) Score {
	if s, ok := l.Scores()[name]; ok {
		return s
	}
	return Score{Strategy: name}
}

// Leaderboard returns scores sorted by average PnL, best first.
func (l *Ledger) Leaderboard() []Score {
	scores := l.Scores()
	out := make([]Score, 0, len(scores))
	for _, s := range scores {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgPnL != out[j].AvgPnL {
			return out[i].AvgPnL > out[j].AvgPnL
		}
		return out[i].Strategy < out[j].Strategy
	})
	return out
}

func aggregate(entries []Entry) map[string]Score {
	scores := make(map[string]Score)
	for _, e := range entries {
		s := scores[e.Strategy]
		s.Strategy = e.Strategy
		s.Total++
		s.TotalPnL += e.PnL
		switch e.Result {
		case ResultTPOrClose:
			s.Wins++
		case ResultEmergency:
			s.Emergencies++
		}
		scores[e.Strategy] = s
	}
	for name, s := range scores {
		s.WinRate = float64(s.Wins) / float64(s.Total)
		s.AvgPnL = s.TotalPnL / float64(s.Total)
		s.Score = s.WinRate * s.AvgPnL
		scores[name] = s
	}
	return scores
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
