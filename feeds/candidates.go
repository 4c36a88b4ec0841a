package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CANDIDATE SOURCE - Analysis engine export
// ═══════════════════════════════════════════════════════════════════════════════
//
// File layout:
//   {
//     "generated_at": "2026-03-14T09:00:00Z",
//     "symbols": {
//       "BTCUSDT": {
//         "candidates": [{ "side": "LONG", "strategy": "breakout", ... }],
//         "hard_sell": { "momentum_exhaustion": false, "divergence": false }
//       }
//     }
//   }
//
// ═══════════════════════════════════════════════════════════════════════════════

// HardSell holds the upstream exit flags for a symbol
type HardSell struct {
	MomentumExhaustion bool `json:"momentum_exhaustion"`
	Divergence         bool `json:"divergence"`
}

// SymbolFeed is one symbol's slice of the export
type SymbolFeed struct {
	Candidates []types.Candidate `json:"candidates"`
	HardSell   HardSell          `json:"hard_sell"`
}

// Snapshot is one run's view of the analysis engine output
type Snapshot struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Symbols     map[string]SymbolFeed `json:"symbols"`
}

// For returns the feed for symbol; unknown symbols yield an empty feed
func (s *Snapshot) For(symbol string) SymbolFeed {
	if s == nil {
		return SymbolFeed{}
	}
	return s.Symbols[strings.ToUpper(symbol)]
}

// CandidateSource produces the run's snapshot
type CandidateSource interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// FileSource reads the export from disk
type FileSource struct {
	path string
}

// NewFileSource creates a file-backed source
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read candidates: %w", err)
	}
	return Parse(data)
}

// Parse decodes an export and normalises symbols to upper case
func Parse(data []byte) (*Snapshot, error) {
	var raw Snapshot
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}

	snap := &Snapshot{
		GeneratedAt: raw.GeneratedAt,
		Symbols:     make(map[string]SymbolFeed, len(raw.Symbols)),
	}
	total := 0
	for sym, feed := range raw.Symbols {
		key := strings.ToUpper(strings.TrimSpace(sym))
		for i := range feed.Candidates {
			c := &feed.Candidates[i]
			if c.Symbol == "" {
				c.Symbol = key
			}
			c.Symbol = strings.ToUpper(c.Symbol)
			c.Side = types.Side(strings.ToUpper(string(c.Side)))
		}
		total += len(feed.Candidates)
		snap.Symbols[key] = feed
	}

	log.Debug().
		Time("generated_at", snap.GeneratedAt).
		Int("symbols", len(snap.Symbols)).
		Int("candidates", total).
		Msg("📥 Candidate snapshot loaded")

	return snap, nil
}

// StaticSource serves a fixed snapshot
type StaticSource struct {
	Snapshot *Snapshot
}

func (s StaticSource) Load(context.Context) (*Snapshot, error) {
	if s.Snapshot == nil {
		return &Snapshot{Symbols: map[string]SymbolFeed{}}, nil
	}
	return s.Snapshot, nil
}
