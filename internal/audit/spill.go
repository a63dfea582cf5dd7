package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stocklend/locatesvc/internal/clock"
	"github.com/stocklend/locatesvc/internal/domain"
	atomicio "github.com/stocklend/locatesvc/internal/io"
)

// Spill appends audit records to day-stamped JSON-lines files when the
// database path is unavailable. Replay reconciles the files back into
// the store.
type Spill struct {
	dir   string
	clock clock.Clock

	mu sync.Mutex
}

func NewSpill(dir string, clk clock.Clock) *Spill {
	return &Spill{dir: dir, clock: clk}
}

// Append writes rec to the current day's spill file.
func (s *Spill) Append(rec domain.AuditRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	day := s.clock.Now().UTC().Format("20060102")
	return atomicio.AppendLine(filepath.Join(s.dir, "audit-"+day+".jsonl"), line)
}

// ReplayStats summarizes one reconciliation pass.
type ReplayStats struct {
	Files     int
	Replayed  int
	Remaining int
}

// Replay reads every spill file under dir and appends its records to st.
// Lines that insert cleanly are dropped; lines that fail to parse or to
// insert stay behind for the next pass. Duplicate audit ids are no-ops
// at the store, so replaying an interrupted pass is safe. The writer and
// the replayer do not coordinate across processes: run this while the
// writing service is stopped, or against a rotated directory.
func Replay(ctx context.Context, dir string, st Store, logger zerolog.Logger) (ReplayStats, error) {
	files, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	if err != nil {
		return ReplayStats{}, err
	}
	sort.Strings(files)

	var stats ReplayStats
	for _, name := range files {
		stats.Files++
		kept, replayed, err := replayFile(ctx, name, st, logger)
		stats.Replayed += replayed
		stats.Remaining += kept
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func replayFile(ctx context.Context, name string, st Store, logger zerolog.Logger) (kept, replayed int, err error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return 0, 0, err
	}

	var keep [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if ctx.Err() != nil {
			keep = append(keep, line)
			continue
		}

		var rec domain.AuditRecord
		if uerr := json.Unmarshal(line, &rec); uerr != nil {
			logger.Warn().Err(uerr).Str("file", name).Msg("Unreadable spill line kept")
			keep = append(keep, line)
			continue
		}
		if aerr := st.AppendAudit(ctx, rec); aerr != nil {
			logger.Warn().Err(aerr).Str("file", name).
				Str("audit_id", rec.AuditID).Msg("Spill replay insert failed")
			keep = append(keep, line)
			continue
		}
		replayed++
	}

	if len(keep) == 0 {
		if rerr := os.Remove(name); rerr != nil {
			return 0, replayed, rerr
		}
		return 0, replayed, ctx.Err()
	}
	if werr := atomicio.WriteLinesAtomic(name, keep); werr != nil {
		return len(keep), replayed, werr
	}
	return len(keep), replayed, ctx.Err()
}
