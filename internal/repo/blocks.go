package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/domain"
)

// SaveProposedBlock inserts or replaces a block under the given day key
// (YYYY-MM-DD).
func (r Repo) SaveProposedBlock(ctx context.Context, tx *sql.Tx, day string, b domain.ProposedBlock) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO proposed_blocks(id,day,start_ts,end_ts,duration_secs,status,wbs_code,confidence,payload_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, wbs_code=excluded.wbs_code, confidence=excluded.confidence, payload_json=excluded.payload_json`,
		b.ID, day, b.StartTS, b.EndTS, b.DurationSecs, b.Status, nullable(b.InferredWbsCode), b.Confidence, string(data), b.CreatedAt)
	return err
}

func (r Repo) ProposedBlocks(ctx context.Context, day string) ([]domain.ProposedBlock, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT payload_json FROM proposed_blocks WHERE day=? ORDER BY start_ts, id`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ProposedBlock
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var b domain.ProposedBlock
		if err := json.Unmarshal([]byte(payload), &b); err != nil {
			return nil, fmt.Errorf("decode block: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r Repo) ProposedBlock(ctx context.Context, id string) (domain.ProposedBlock, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT payload_json FROM proposed_blocks WHERE id=?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProposedBlock{}, ErrNotFound
	}
	if err != nil {
		return domain.ProposedBlock{}, err
	}
	var b domain.ProposedBlock
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		return domain.ProposedBlock{}, fmt.Errorf("decode block: %w", err)
	}
	return b, nil
}

// DeleteDay removes the proposed blocks of a day so a rebuild starts clean.
func (r Repo) DeleteDay(ctx context.Context, tx *sql.Tx, day string) (int, error) {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM proposed_blocks WHERE day=?`, day)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
