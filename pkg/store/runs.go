package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitaddr"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/ledger"
)

// wireBit is one entry of a stored TileDiff. JSON objects cannot have struct
// keys, so diffs are written as lists.
type wireBit struct {
	Tile  int  `json:"tile"`
	Frame int  `json:"frame"`
	Bit   int  `json:"bit"`
	Value bool `json:"value"`
}

func encodeDiffs(diffs []ledger.TileDiff) ([]byte, error) {
	out := make([][]wireBit, len(diffs))
	for i, d := range diffs {
		out[i] = make([]wireBit, 0, len(d))
		for _, tb := range d.Bits() {
			out[i] = append(out[i], wireBit{Tile: tb.Tile, Frame: tb.Frame, Bit: tb.Bit, Value: d[tb]})
		}
	}
	return json.Marshal(out)
}

func decodeDiffs(data []byte) ([]ledger.TileDiff, error) {
	var in [][]wireBit
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	out := make([]ledger.TileDiff, len(in))
	for i, bits := range in {
		out[i] = make(ledger.TileDiff, len(bits))
		for _, b := range bits {
			out[i][bitaddr.TileBit{Tile: b.Tile, Frame: b.Frame, Bit: b.Bit}] = b.Value
		}
	}
	return out, nil
}

func encodeSources(ids []ledger.ExperimentID) ([]byte, error) {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return json.Marshal(out)
}

func decodeSources(data []byte) ([]ledger.ExperimentID, error) {
	var in []string
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	out := make([]ledger.ExperimentID, len(in))
	for i, s := range in {
		id, err := ledger.ParseExperimentID(s)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// SaveRun writes a run with its ledger and table in one transaction. A zero
// rec.ID is replaced by a fresh UUID; the id used is returned.
func (s *Store) SaveRun(ctx context.Context, rec RunRecord, l *ledger.Ledger, t *ledger.Table) (uuid.UUID, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	id := rec.ID.String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	problems := rec.Problems
	if problems == nil && t != nil {
		problems = t.Problems
	}
	if problems == nil {
		problems = []string{}
	}
	problemsJSON, err := json.Marshal(problems)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: encode problems: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, device, started, finished, batches, experiments, conflicts, problems)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.Device, toMillis(rec.Started), toMillis(rec.Finished),
		rec.Batches, rec.Experiments, rec.Conflicts, problemsJSON,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: insert run: %w", err)
	}

	if l != nil {
		if err := saveFeatures(ctx, tx, id, l); err != nil {
			return uuid.Nil, err
		}
	}
	if t != nil {
		if err := saveAttributes(ctx, tx, id, t); err != nil {
			return uuid.Nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("store: commit: %w", err)
	}
	return rec.ID, nil
}

func saveFeatures(ctx context.Context, tx *sql.Tx, runID string, l *ledger.Ledger) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO features (run_id, tile_kind, bel, attr, value, lane, diffs, sources)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare features: %w", err)
	}
	defer stmt.Close()

	for _, key := range l.Keys() {
		entry, _ := l.Get(key)
		diffs, err := encodeDiffs(entry.Diffs)
		if err != nil {
			return fmt.Errorf("store: encode %v: %w", key, err)
		}
		sources, err := encodeSources(entry.Sources)
		if err != nil {
			return fmt.Errorf("store: encode %v: %w", key, err)
		}
		var lane sql.NullInt64
		if key.HasLane {
			lane = sql.NullInt64{Int64: int64(key.Lane), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, runID, key.TileKind, key.Bel, key.Attr, key.Value, lane, diffs, sources); err != nil {
			return fmt.Errorf("store: insert %v: %w", key, err)
		}
	}
	return nil
}

func saveAttributes(ctx context.Context, tx *sql.Tx, runID string, t *ledger.Table) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO attributes (run_id, tile_kind, bel, attr, kind, bits, vals, sources)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare attributes: %w", err)
	}
	defer stmt.Close()

	for _, key := range t.Keys() {
		a := t.Attrs[key]
		bits, err := json.Marshal(a.Bits)
		if err != nil {
			return fmt.Errorf("store: encode %v: %w", key, err)
		}
		vals, err := json.Marshal(a.Values)
		if err != nil {
			return fmt.Errorf("store: encode %v: %w", key, err)
		}
		sources, err := json.Marshal(a.Sources)
		if err != nil {
			return fmt.Errorf("store: encode %v: %w", key, err)
		}
		if _, err := stmt.ExecContext(ctx, runID, key.TileKind, key.Bel, key.Attr, string(a.Kind), bits, vals, sources); err != nil {
			return fmt.Errorf("store: insert %v: %w", key, err)
		}
	}
	return nil
}

// LoadTable rebuilds the attribute table saved with a run.
func (s *Store) LoadTable(ctx context.Context, runID uuid.UUID) (*ledger.Table, error) {
	rec, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tile_kind, bel, attr, kind, bits, vals, sources
		FROM attributes WHERE run_id = ?`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("store: query attributes: %w", err)
	}
	defer rows.Close()

	t := &ledger.Table{
		Device:   rec.Device,
		Attrs:    make(map[ledger.AttrKey]*ledger.AttrDesc),
		Problems: rec.Problems,
	}
	for rows.Next() {
		var (
			a                   ledger.AttrDesc
			kind                string
			bits, vals, sources []byte
		)
		if err := rows.Scan(&a.Key.TileKind, &a.Key.Bel, &a.Key.Attr, &kind, &bits, &vals, &sources); err != nil {
			return nil, fmt.Errorf("store: scan attribute: %w", err)
		}
		a.Kind = ledger.AttrKind(kind)
		if err := unmarshalJSON(bits, &a.Bits); err != nil {
			return nil, fmt.Errorf("store: %v bits: %w", a.Key, err)
		}
		if err := unmarshalJSON(vals, &a.Values); err != nil {
			return nil, fmt.Errorf("store: %v values: %w", a.Key, err)
		}
		if err := unmarshalJSON(sources, &a.Sources); err != nil {
			return nil, fmt.Errorf("store: %v sources: %w", a.Key, err)
		}
		t.Attrs[a.Key] = &a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query attributes: %w", err)
	}
	return t, nil
}

// LoadLedger rebuilds the evidence saved with a run, so a later session can
// continue from it.
func (s *Store) LoadLedger(ctx context.Context, runID uuid.UUID) (*ledger.Ledger, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tile_kind, bel, attr, value, lane, diffs, sources
		FROM features WHERE run_id = ?`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("store: query features: %w", err)
	}
	defer rows.Close()

	l := ledger.New()
	for rows.Next() {
		var (
			key            ledger.FeatureKey
			lane           sql.NullInt64
			diffs, sources []byte
		)
		if err := rows.Scan(&key.TileKind, &key.Bel, &key.Attr, &key.Value, &lane, &diffs, &sources); err != nil {
			return nil, fmt.Errorf("store: scan feature: %w", err)
		}
		if lane.Valid {
			key = key.WithLane(int(lane.Int64))
		}
		var entry ledger.Entry
		if entry.Diffs, err = decodeDiffs(diffs); err != nil {
			return nil, fmt.Errorf("store: %v diffs: %w", key, err)
		}
		if entry.Sources, err = decodeSources(sources); err != nil {
			return nil, fmt.Errorf("store: %v sources: %w", key, err)
		}
		l.Restore(key, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query features: %w", err)
	}
	return l, nil
}
