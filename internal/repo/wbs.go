package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/domain"
)

const lastSyncKey = "wbs_last_sync"

const wbsColumns = `w.wbs_code,w.project_def,COALESCE(w.project_name,''),COALESCE(w.description,''),w.status,w.cached_at,
COALESCE(w.opportunity_id,''),COALESCE(w.deal_name,''),COALESCE(w.target_company_name,''),COALESCE(w.counterparty,''),
COALESCE(w.industry,''),COALESCE(w.region,''),w.amount,COALESCE(w.stage_name,''),COALESCE(w.project_code,'')`

type scanner interface {
	Scan(dest ...any) error
}

func scanWbs(row scanner) (domain.WbsElement, error) {
	var w domain.WbsElement
	var amount sql.NullFloat64
	err := row.Scan(&w.WbsCode, &w.ProjectDef, &w.ProjectName, &w.Description, &w.Status, &w.CachedAt,
		&w.OpportunityID, &w.DealName, &w.TargetCompanyName, &w.Counterparty,
		&w.Industry, &w.Region, &amount, &w.StageName, &w.ProjectCode)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	if amount.Valid {
		v := amount.Float64
		w.Amount = &v
	}
	return w, err
}

func (r Repo) queryWbs(ctx context.Context, query string, args ...any) ([]domain.WbsElement, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WbsElement
	for rows.Next() {
		w, err := scanWbs(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r Repo) CountActiveWbs(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM wbs_cache WHERE status=?`, domain.StatusReleased).Scan(&n)
	return n, err
}

// LastSyncTimestamp reports the unix time of the last registry refresh. The
// boolean is false when no refresh has been recorded.
func (r Repo) LastSyncTimestamp(ctx context.Context) (int64, bool, error) {
	var ts int64
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key=?`, lastSyncKey).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return ts, true, nil
}

func (r Repo) setLastSync(ctx context.Context, tx *sql.Tx, ts int64) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO sync_state(key,value) VALUES (?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, lastSyncKey, ts)
	return err
}

// LoadCommonProjects returns one representative active element for each of
// the projects with the most WBS elements.
func (r Repo) LoadCommonProjects(ctx context.Context, limit int) ([]domain.WbsElement, error) {
	return r.queryWbs(ctx, `SELECT `+wbsColumns+` FROM wbs_cache w
JOIN (
    SELECT project_def, MIN(wbs_code) AS first_code, COUNT(*) AS n
    FROM wbs_cache
    WHERE status=? AND project_name IS NOT NULL AND project_name <> ''
    GROUP BY project_def
    ORDER BY n DESC, project_def
    LIMIT ?
) c ON c.first_code = w.wbs_code
ORDER BY c.n DESC, w.project_def`, domain.StatusReleased, limit)
}

// SearchKeyword runs a prefix FTS5 query over the registry. Elements of any
// status are returned; callers filter on status.
func (r Repo) SearchKeyword(ctx context.Context, keyword string, limit int) ([]domain.WbsElement, error) {
	q := FTSQuery(keyword)
	if q == "" {
		return nil, nil
	}
	return r.queryWbs(ctx, `SELECT `+wbsColumns+` FROM wbs_fts f JOIN wbs_cache w ON w.rowid = f.rowid
WHERE wbs_fts MATCH ? ORDER BY bm25(wbs_fts), w.wbs_code LIMIT ?`, q, limit)
}

// FTSQuery turns free text into a safe FTS5 query: every word becomes a
// quoted prefix term and the terms are ANDed.
func FTSQuery(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
	terms := make([]string, 0, len(words))
	for _, w := range words {
		terms = append(terms, `"`+strings.ToLower(w)+`"*`)
	}
	return strings.Join(terms, " ")
}

// WbsByProjectDef returns the lowest active WBS code of a project.
func (r Repo) WbsByProjectDef(ctx context.Context, projectDef string) (domain.WbsElement, error) {
	return scanWbs(r.DB.QueryRowContext(ctx, `SELECT `+wbsColumns+` FROM wbs_cache w WHERE w.project_def=? AND w.status=? ORDER BY w.wbs_code LIMIT 1`,
		projectDef, domain.StatusReleased))
}

func (r Repo) WbsByCode(ctx context.Context, code string) (domain.WbsElement, error) {
	return scanWbs(r.DB.QueryRowContext(ctx, `SELECT `+wbsColumns+` FROM wbs_cache w WHERE w.wbs_code=?`, code))
}

func (r Repo) ListWbs(ctx context.Context, activeOnly bool) ([]domain.WbsElement, error) {
	if activeOnly {
		return r.queryWbs(ctx, `SELECT `+wbsColumns+` FROM wbs_cache w WHERE w.status=? ORDER BY w.wbs_code`, domain.StatusReleased)
	}
	return r.queryWbs(ctx, `SELECT `+wbsColumns+` FROM wbs_cache w ORDER BY w.wbs_code`)
}

func (r Repo) upsertWbs(ctx context.Context, tx *sql.Tx, w domain.WbsElement) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO wbs_cache(wbs_code,project_def,project_name,description,status,cached_at,
opportunity_id,deal_name,target_company_name,counterparty,industry,region,amount,stage_name,project_code)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(wbs_code) DO UPDATE SET project_def=excluded.project_def, project_name=excluded.project_name,
description=excluded.description, status=excluded.status, cached_at=excluded.cached_at,
opportunity_id=excluded.opportunity_id, deal_name=excluded.deal_name, target_company_name=excluded.target_company_name,
counterparty=excluded.counterparty, industry=excluded.industry, region=excluded.region, amount=excluded.amount,
stage_name=excluded.stage_name, project_code=excluded.project_code`,
		w.WbsCode, w.ProjectDef, nullable(w.ProjectName), nullable(w.Description), w.Status, w.CachedAt,
		nullable(w.OpportunityID), nullable(w.DealName), nullable(w.TargetCompanyName), nullable(w.Counterparty),
		nullable(w.Industry), nullable(w.Region), nullableFloat(w.Amount), nullable(w.StageName), nullable(w.ProjectCode))
	return err
}

// UpsertWbs adds or updates elements without touching the rest of the cache.
func (r Repo) UpsertWbs(ctx context.Context, elems []domain.WbsElement) error {
	return r.InTx(ctx, func(tx *sql.Tx) error {
		for _, w := range elems {
			if err := r.upsertWbs(ctx, tx, w); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceAll swaps the whole registry in one transaction and records the
// sync time, so readers see either the old or the new table.
func (r Repo) ReplaceAll(ctx context.Context, elems []domain.WbsElement, syncedAt time.Time) error {
	return r.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM wbs_cache`); err != nil {
			return err
		}
		for _, w := range elems {
			if w.CachedAt == 0 {
				w.CachedAt = syncedAt.Unix()
			}
			if err := r.upsertWbs(ctx, tx, w); err != nil {
				return err
			}
		}
		return r.setLastSync(ctx, tx, syncedAt.Unix())
	})
}
