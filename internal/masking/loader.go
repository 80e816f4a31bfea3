package masking

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// Loader holds the currently active *RuleSet behind an atomic.Value so
// the masking filter on the hot row-rewrite path reads it lock-free.
type Loader struct {
	path string
	v    atomic.Value // *RuleSet
}

// NewLoader reads path once to produce an initial ruleset. An empty path
// yields a Loader with zero rules (masking disabled).
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	if path == "" {
		l.v.Store(&RuleSet{})
		return l, nil
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Current returns the active ruleset.
func (l *Loader) Current() *RuleSet {
	return l.v.Load().(*RuleSet)
}

// Reload re-reads and recompiles the rules file. A parse failure is
// logged and the previous ruleset is kept in place rather than leaving
// the filter without rules mid-reload.
func (l *Loader) Reload() {
	if err := l.reload(); err != nil {
		slog.Warn("masking rules reload failed, keeping previous ruleset", "path", l.path, "err", err)
	}
}

func (l *Loader) reload() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("reading masking rules file %s: %w", l.path, err)
	}
	rs, err := Load(data)
	if err != nil {
		return err
	}
	l.v.Store(rs)
	slog.Info("masking rules loaded", "path", l.path, "rules", rs.Len())
	return nil
}
