package matcher

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/domain"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/logging"
)

const (
	commonProjectLimit = 20
	staleAfter         = 24 * time.Hour

	keywordLimit = 5
	domainLimit  = 3
	folderLimit  = 3

	scoreCommonKeyword = 0.50
	scoreFTSKeyword    = 0.40
	scoreURLDomain     = 0.20
	scoreVDRBoost      = 0.30
	scoreFolderExact   = 0.35
	scoreFolderFuzzy   = 0.25

	// MinConfidence is the lowest score that beats the G&A fallback.
	MinConfidence = 0.25
)

// Fallback is the General & Administrative bucket used when nothing matches.
var Fallback = domain.ProjectMatch{
	ProjectID:  "USC0000000",
	WbsCode:    "USC0000000.1.0",
	DealName:   "General & Administrative",
	Confidence: 0.10,
	Reasons:    []string{"fallback:g_a"},
}

// Repository is the read-only view of the WBS registry the matcher needs.
type Repository interface {
	CountActiveWbs(ctx context.Context) (int, error)
	LastSyncTimestamp(ctx context.Context) (int64, bool, error)
	LoadCommonProjects(ctx context.Context, limit int) ([]domain.WbsElement, error)
	SearchKeyword(ctx context.Context, keyword string, limit int) ([]domain.WbsElement, error)
	WbsByProjectDef(ctx context.Context, projectDef string) (domain.WbsElement, error)
	WbsByCode(ctx context.Context, code string) (domain.WbsElement, error)
}

type commonProject struct {
	name       string // case-folded project name
	projectDef string
}

// Matcher scores WBS registry entries against context signals.
type Matcher struct {
	repo   Repository
	common []commonProject
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Matcher)

func WithLogger(l *slog.Logger) Option { return func(m *Matcher) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Matcher) { m.now = now } }

// New fails when the registry holds no active element. A registry older than
// a day is only logged.
func New(ctx context.Context, repo Repository, opts ...Option) (*Matcher, error) {
	m := &Matcher{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.Or(m.logger)

	count, err := repo.CountActiveWbs(ctx)
	if err != nil {
		return nil, errs.Storage(err.Error(), "count_active_wbs").WithCause(err)
	}
	if count == 0 {
		return nil, errs.Config("WBS cache is empty; run a registry sync or import before matching", "wbs_cache")
	}
	if last, ok, err := repo.LastSyncTimestamp(ctx); err == nil && ok {
		age := m.now().Sub(time.Unix(last, 0))
		if age > staleAfter {
			m.logger.Warn("wbs cache is stale", "age_hours", int(age.Hours()))
		}
	}
	common, err := repo.LoadCommonProjects(ctx, commonProjectLimit)
	if err != nil {
		return nil, errs.Storage(err.Error(), "load_common_projects").WithCause(err)
	}
	seen := map[string]bool{}
	for _, w := range common {
		name := strings.ToLower(w.ProjectName)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		m.common = append(m.common, commonProject{name: name, projectDef: w.ProjectDef})
	}
	slices.SortFunc(m.common, func(a, b commonProject) int { return cmp.Compare(a.name, b.name) })
	m.logger.Info("project matcher ready", "active_wbs", count, "common_projects", len(m.common))
	return m, nil
}

type candidate struct {
	code    string
	score   float64
	reasons []string
}

type candidates struct {
	byCode map[string]*candidate
	order  []string
}

func newCandidates() *candidates { return &candidates{byCode: map[string]*candidate{}} }

func (c *candidates) add(code string, score float64, reason string) {
	cand, ok := c.byCode[code]
	if !ok {
		cand = &candidate{code: code}
		c.byCode[code] = cand
		c.order = append(c.order, code)
	}
	cand.score += score
	cand.reasons = append(cand.reasons, reason)
}

// set replaces any earlier score for code.
func (c *candidates) set(code string, score float64, reasons []string) {
	if _, ok := c.byCode[code]; !ok {
		c.order = append(c.order, code)
	}
	c.byCode[code] = &candidate{code: code, score: score, reasons: reasons}
}

// ranked orders by raw score, highest first, then by code.
func (c *candidates) ranked() []*candidate {
	out := make([]*candidate, 0, len(c.order))
	for _, code := range c.order {
		out = append(out, c.byCode[code])
	}
	slices.SortStableFunc(out, func(a, b *candidate) int {
		if a.score != b.score {
			return cmp.Compare(b.score, a.score)
		}
		return cmp.Compare(a.code, b.code)
	})
	return out
}

// keywordHits returns the keywords contained in a common project name.
func keywordHits(name string, keywords []string) []string {
	var hits []string
	for _, k := range keywords {
		if k != "" && strings.Contains(name, strings.ToLower(k)) {
			hits = append(hits, k)
		}
	}
	return hits
}

func prefixed(prefix string, values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = prefix + v
	}
	return out
}

func (m *Matcher) search(ctx context.Context, term string, limit int) []domain.WbsElement {
	res, err := m.repo.SearchKeyword(ctx, term, limit)
	if err != nil {
		m.logger.Debug("fts search failed", "term", term, "error", err)
		return nil
	}
	return res
}

func (m *Matcher) score(ctx context.Context, s domain.ContextSignals, withCommon bool) *candidates {
	c := newCandidates()
	if withCommon {
		for _, p := range m.common {
			hits := keywordHits(p.name, s.TitleKeywords)
			if len(hits) == 0 {
				continue
			}
			w, err := m.repo.WbsByProjectDef(ctx, p.projectDef)
			if err != nil {
				continue
			}
			c.set(w.WbsCode, scoreCommonKeyword, prefixed("keyword:", hits))
		}
	}
	for _, k := range s.TitleKeywords {
		for _, w := range m.search(ctx, k, keywordLimit) {
			if w.Active() {
				c.add(w.WbsCode, scoreFTSKeyword, "fts5_keyword:"+k)
			}
		}
	}
	if s.URLDomain != "" {
		if term := RegistrableLabel(s.URLDomain); term != "" {
			for _, w := range m.search(ctx, term, domainLimit) {
				if w.Active() {
					c.add(w.WbsCode, scoreURLDomain, "url:domain_match")
				}
			}
		}
		if s.IsVDRProvider {
			for _, code := range c.order {
				cand := c.byCode[code]
				cand.score += scoreVDRBoost
				cand.reasons = append(cand.reasons, "vdr:provider")
			}
		}
	}
	if s.ProjectFolder != "" {
		folder := strings.ToLower(s.ProjectFolder)
		for _, w := range m.search(ctx, s.ProjectFolder, folderLimit) {
			if !w.Active() {
				continue
			}
			score := scoreFolderFuzzy
			if w.ProjectName != "" && strings.Contains(strings.ToLower(w.ProjectName), folder) {
				score = scoreFolderExact
			}
			c.add(w.WbsCode, score, "file_path:"+s.ProjectFolder)
		}
	}
	return c
}

func (m *Matcher) toMatch(ctx context.Context, cand *candidate, s domain.ContextSignals) (domain.ProjectMatch, bool) {
	w, err := m.repo.WbsByCode(ctx, cand.code)
	if err != nil {
		return domain.ProjectMatch{}, false
	}
	return domain.ProjectMatch{
		ProjectID:  w.ProjectDef,
		WbsCode:    w.WbsCode,
		DealName:   w.ProjectName,
		Workstream: InferWorkstream(s),
		Confidence: min(1, cand.score),
		Reasons:    slices.Clone(cand.reasons),
	}, true
}

// Candidates returns every scored registry element, best first. Confidence
// is clamped to 1 while ordering uses the raw score.
func (m *Matcher) Candidates(ctx context.Context, s domain.ContextSignals) []domain.ProjectMatch {
	var out []domain.ProjectMatch
	for _, cand := range m.score(ctx, s, true).ranked() {
		if pm, ok := m.toMatch(ctx, cand, s); ok {
			out = append(out, pm)
		}
	}
	return out
}

// Match returns a single result. When every keyword hits one common project
// and there is no URL or folder evidence, that project wins outright;
// otherwise the search scoring runs and the best candidate at or above
// MinConfidence is returned, falling back to G&A.
func (m *Matcher) Match(ctx context.Context, s domain.ContextSignals) domain.ProjectMatch {
	if pm, ok := m.fastPath(ctx, s); ok {
		return pm
	}
	ranked := m.score(ctx, s, false).ranked()
	if len(ranked) > 0 && ranked[0].score >= MinConfidence {
		if pm, ok := m.toMatch(ctx, ranked[0], s); ok {
			return pm
		}
	}
	fb := Fallback
	fb.Reasons = slices.Clone(Fallback.Reasons)
	fb.Workstream = InferWorkstream(s)
	return fb
}

func (m *Matcher) fastPath(ctx context.Context, s domain.ContextSignals) (domain.ProjectMatch, bool) {
	if len(s.TitleKeywords) == 0 || s.URLDomain != "" || s.ProjectFolder != "" {
		return domain.ProjectMatch{}, false
	}
	var best *commonProject
	var bestHits []string
	for i := range m.common {
		hits := keywordHits(m.common[i].name, s.TitleKeywords)
		if len(hits) > len(bestHits) {
			best, bestHits = &m.common[i], hits
		}
	}
	if best == nil || len(bestHits) != len(s.TitleKeywords) {
		return domain.ProjectMatch{}, false
	}
	w, err := m.repo.WbsByProjectDef(ctx, best.projectDef)
	if err != nil {
		return domain.ProjectMatch{}, false
	}
	return domain.ProjectMatch{
		ProjectID:  w.ProjectDef,
		WbsCode:    w.WbsCode,
		DealName:   w.ProjectName,
		Workstream: InferWorkstream(s),
		Confidence: scoreCommonKeyword,
		Reasons:    prefixed("keyword:", bestHits),
	}, true
}

// CommonProjects lists the cached project names, for diagnostics.
func (m *Matcher) CommonProjects() []string {
	out := make([]string, len(m.common))
	for i, p := range m.common {
		out[i] = fmt.Sprintf("%s (%s)", p.name, p.projectDef)
	}
	return out
}

func InferWorkstream(s domain.ContextSignals) string {
	switch s.AppCategory {
	case domain.AppExcel:
		return "modeling"
	case domain.AppWord:
		return "drafting"
	case domain.AppPowerPoint:
		return "presentation"
	case domain.AppBrowser:
		if s.IsVDRProvider {
			return "due_diligence"
		}
		return "research"
	case domain.AppEmail:
		return "correspondence"
	case domain.AppMeeting:
		return "client_interaction"
	default:
		return ""
	}
}
