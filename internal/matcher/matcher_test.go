package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/domain"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/logging"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/mocks"
)

func newMatcher(t *testing.T) (*Matcher, *mocks.WbsRepo) {
	t.Helper()
	repo := mocks.NewWbsRepo(mocks.SampleRegistry())
	m, err := New(context.Background(), repo, WithLogger(logging.Discard()))
	require.NoError(t, err)
	return m, repo
}

func astroVDR() domain.ContextSignals {
	return domain.ContextSignals{
		TitleKeywords: []string{"astro"},
		URLDomain:     "app.datasite.com",
		IsVDRProvider: true,
		AppCategory:   domain.AppBrowser,
	}
}

func TestKeywordAndVDRScoring(t *testing.T) {
	m, _ := newMatcher(t)
	got := m.Candidates(context.Background(), astroVDR())
	require.NotEmpty(t, got)

	top := got[0]
	assert.Equal(t, "USC0063201.1.1", top.WbsCode)
	assert.Equal(t, "USC0063201", top.ProjectID)
	assert.Equal(t, "Project Astro", top.DealName)
	assert.Equal(t, "due_diligence", top.Workstream)
	assert.Equal(t, 1.0, top.Confidence, "clamped")
	assert.Equal(t, []string{"keyword:astro", "fts5_keyword:astro", "vdr:provider"}, top.Reasons)

	require.Len(t, got, 3)
	assert.InDelta(t, 0.7, got[1].Confidence, 1e-9)
	assert.Equal(t, "USC0063201.1.2", got[1].WbsCode, "ties break on code")
}

func TestMatchWithURLSkipsFastPath(t *testing.T) {
	m, repo := newMatcher(t)
	pm := m.Match(context.Background(), astroVDR())
	assert.Equal(t, "USC0063201.1.1", pm.WbsCode)
	assert.GreaterOrEqual(t, pm.Confidence, 0.70)
	assert.Contains(t, pm.Reasons, "fts5_keyword:astro")
	assert.Contains(t, pm.Reasons, "vdr:provider")
	assert.NotContains(t, pm.Reasons, "keyword:astro")
	assert.Equal(t, []string{"astro", "datasite"}, repo.Searches())
}

func TestMatchFastPath(t *testing.T) {
	m, repo := newMatcher(t)
	pm := m.Match(context.Background(), domain.ContextSignals{TitleKeywords: []string{"astro"}, AppCategory: domain.AppExcel})
	assert.Equal(t, "USC0063201.1.1", pm.WbsCode)
	assert.Equal(t, 0.50, pm.Confidence)
	assert.Equal(t, []string{"keyword:astro"}, pm.Reasons)
	assert.Equal(t, "modeling", pm.Workstream)
	assert.Empty(t, repo.Searches(), "fast path does not search")
}

func TestMatchPartialKeywordsRunsFullScoring(t *testing.T) {
	m, _ := newMatcher(t)
	pm := m.Match(context.Background(), domain.ContextSignals{TitleKeywords: []string{"astro", "memo"}, AppCategory: domain.AppWord})
	assert.Equal(t, "USC0063201.1.1", pm.WbsCode)
	assert.InDelta(t, 0.40, pm.Confidence, 1e-9)
	assert.Equal(t, []string{"fts5_keyword:astro"}, pm.Reasons)
	assert.Equal(t, "drafting", pm.Workstream)
}

func TestMatchFallsBackToGA(t *testing.T) {
	m, _ := newMatcher(t)
	pm := m.Match(context.Background(), domain.ContextSignals{TitleKeywords: []string{"zeta"}, AppCategory: domain.AppEmail})
	assert.Equal(t, "USC0000000.1.0", pm.WbsCode)
	assert.Equal(t, "USC0000000", pm.ProjectID)
	assert.Equal(t, "General & Administrative", pm.DealName)
	assert.Equal(t, 0.10, pm.Confidence)
	assert.Equal(t, []string{"fallback:g_a"}, pm.Reasons)
	assert.Equal(t, "correspondence", pm.Workstream)

	// a lone domain hit scores 0.20, below the threshold
	pm = m.Match(context.Background(), domain.ContextSignals{URLDomain: "www.harbor.com", AppCategory: domain.AppBrowser})
	assert.Equal(t, "fallback:g_a", pm.Reasons[0])
}

func TestFolderScoring(t *testing.T) {
	m, _ := newMatcher(t)
	got := m.Candidates(context.Background(), domain.ContextSignals{ProjectFolder: "Astro", AppCategory: domain.AppExcel})
	require.Len(t, got, 3)
	assert.InDelta(t, 0.35, got[0].Confidence, 1e-9)
	assert.Equal(t, []string{"file_path:Astro"}, got[0].Reasons)

	got = m.Candidates(context.Background(), domain.ContextSignals{ProjectFolder: "Harbor", AppCategory: domain.AppExcel})
	require.Len(t, got, 1)
	assert.InDelta(t, 0.25, got[0].Confidence, 1e-9, "folder only in the target company")
}

func TestClosedProjectsAreNotCandidates(t *testing.T) {
	m, _ := newMatcher(t)
	got := m.Candidates(context.Background(), domain.ContextSignals{TitleKeywords: []string{"cosmos"}})
	assert.Empty(t, got)
}

func TestSearchErrorsAreTolerated(t *testing.T) {
	m, repo := newMatcher(t)
	repo.SearchErr = errors.New("fts unavailable")
	pm := m.Match(context.Background(), astroVDR())
	assert.Equal(t, Fallback.WbsCode, pm.WbsCode)
}

func TestNewRejectsEmptyCache(t *testing.T) {
	_, err := New(context.Background(), mocks.NewWbsRepo(nil))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))
}

func TestNewWithStaleCache(t *testing.T) {
	repo := mocks.NewWbsRepo(mocks.SampleRegistry())
	repo.SetLastSync(time.Unix(0, 0).Unix())
	m, err := New(context.Background(), repo, WithLogger(logging.Discard()), WithClock(func() time.Time { return time.Unix(200000, 0) }))
	require.NoError(t, err)
	assert.Len(t, m.CommonProjects(), 2)
}

func TestInferWorkstream(t *testing.T) {
	cases := map[domain.AppCategory]string{
		domain.AppExcel:      "modeling",
		domain.AppWord:       "drafting",
		domain.AppPowerPoint: "presentation",
		domain.AppBrowser:    "research",
		domain.AppEmail:      "correspondence",
		domain.AppMeeting:    "client_interaction",
		domain.AppTerminal:   "",
	}
	for cat, want := range cases {
		assert.Equal(t, want, InferWorkstream(domain.ContextSignals{AppCategory: cat}), cat)
	}
	assert.Equal(t, "due_diligence", InferWorkstream(domain.ContextSignals{AppCategory: domain.AppBrowser, IsVDRProvider: true}))
}

func TestRegistrableLabel(t *testing.T) {
	cases := map[string]string{
		"app.datasite.com":               "datasite",
		"https://app.datasite.com:443/x": "datasite",
		"deals.firm.co.uk":               "firm",
		"intralinks.com":                 "intralinks",
		"localhost":                      "localhost",
		"":                               "",
	}
	for in, want := range cases {
		assert.Equal(t, want, RegistrableLabel(in), in)
	}
}
