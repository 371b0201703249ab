package repo_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/db"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/domain"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/events"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/migrate"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/mocks"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/repo"
)

func openRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	v, err := migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, 1, v)
	return repo.Repo{DB: conn}
}

func TestMigrateIsIdempotent(t *testing.T) {
	r := openRepo(t)
	v, err := migrate.Migrate(context.Background(), r.DB)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	got, err := migrate.Version(context.Background(), r.DB)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestReplaceAllAndLookups(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	synced := time.Unix(1729756800, 0)
	require.NoError(t, r.ReplaceAll(ctx, mocks.SampleRegistry(), synced))

	n, err := r.CountActiveWbs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	ts, ok, err := r.LastSyncTimestamp(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, synced.Unix(), ts)

	w, err := r.WbsByProjectDef(ctx, "USC0063201")
	require.NoError(t, err)
	assert.Equal(t, "USC0063201.1.1", w.WbsCode)
	assert.Equal(t, "Project Astro", w.ProjectName)

	_, err = r.WbsByCode(ctx, "NOPE")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	// replacing drops rows that are no longer present, including their index entries
	require.NoError(t, r.ReplaceAll(ctx, mocks.SampleRegistry()[:1], synced.Add(time.Hour)))
	hits, err := r.SearchKeyword(ctx, "beacon", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchKeywordPrefixAndStatus(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	require.NoError(t, r.ReplaceAll(ctx, mocks.SampleRegistry(), time.Now()))

	hits, err := r.SearchKeyword(ctx, "astr", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Equal(t, "USC0063201", h.ProjectDef)
	}

	hits, err = r.SearchKeyword(ctx, "cosmos", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.False(t, hits[0].Active())

	hits, err = r.SearchKeyword(ctx, `"*()`, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestFTSQuery(t *testing.T) {
	assert.Equal(t, `"astro"*`, repo.FTSQuery("Astro"))
	assert.Equal(t, `"app"* "datasite"* "com"*`, repo.FTSQuery("app.datasite.com"))
	assert.Equal(t, "", repo.FTSQuery(`"*()`))
}

func TestLoadCommonProjects(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	require.NoError(t, r.ReplaceAll(ctx, mocks.SampleRegistry(), time.Now()))
	common, err := r.LoadCommonProjects(ctx, 20)
	require.NoError(t, err)
	require.Len(t, common, 2)
	assert.Equal(t, "USC0063201.1.1", common[0].WbsCode, "project with most elements first")
}

func TestProposedBlocksRoundTrip(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	b := domain.ProposedBlock{
		ID: "b1", StartTS: 100, EndTS: 400, DurationSecs: 300, Status: domain.BlockStatusPending,
		Activities: []domain.ActivityBreakdown{{Name: "Excel", DurationSecs: 300, Percentage: 100}},
		IdleHandling: domain.IdleExclude, CreatedAt: 1,
	}
	require.NoError(t, r.InTx(ctx, func(tx *sql.Tx) error { return r.SaveProposedBlock(ctx, tx, "2024-10-24", b) }))

	b.ApplyMatch(domain.ProjectMatch{WbsCode: "USC0063201.1.1", Confidence: 0.9, Reasons: []string{"keyword:astro"}}, "rules", true)
	require.NoError(t, r.SaveProposedBlock(ctx, nil, "2024-10-24", b))

	got, err := r.ProposedBlocks(ctx, "2024-10-24")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "USC0063201.1.1", got[0].InferredWbsCode)
	assert.Equal(t, domain.BlockStatusClassified, got[0].Status)

	n, err := r.DeleteDay(ctx, nil, "2024-10-24")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = r.ProposedBlock(ctx, "b1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRoleStore(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	s := repo.RoleStore{Repo: r}
	require.NoError(t, s.SaveAssignment(ctx, "alice", "auditor"))
	require.NoError(t, s.SaveAssignment(ctx, "alice", "auditor"))
	require.NoError(t, s.SaveAssignment(ctx, "bob", "user"))

	got, err := s.LoadAssignments(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"alice": {"auditor"}, "bob": {"user"}}, got)

	require.NoError(t, s.DeleteAssignment(ctx, "alice", "auditor"))
	require.NoError(t, s.DeleteAssignment(ctx, "alice", "auditor"))
	got, err = s.LoadAssignments(ctx)
	require.NoError(t, err)
	assert.NotContains(t, got, "alice")
}

func TestEventsWriterAndQuery(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB, Now: func() time.Time { return time.Unix(0, 0) }}
	require.NoError(t, w.Append(ctx, nil, events.BlocksBuilt, "2024-10-24", events.EntityBlock, "", "system", events.Payload{"count": 2}))
	require.NoError(t, w.Append(ctx, nil, events.BlockEnqueued, "2024-10-24", events.EntityBlock, "b1", "system", nil))

	evs, err := r.LatestEvents(ctx, repo.EventFilters{Day: "2024-10-24"})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, events.BlockEnqueued, evs[0].Type)
	assert.JSONEq(t, `{"count":2}`, evs[1].Payload)

	counts, err := r.CountEventsByType(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{events.BlocksBuilt: 1, events.BlockEnqueued: 1}, counts)
}
