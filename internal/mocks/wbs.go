package mocks

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/domain"
)

var ErrWbsNotFound = errors.New("wbs element not found")

// WbsRepo is an in-memory registry with prefix word search, standing in
// for the SQLite store in matcher tests.
type WbsRepo struct {
	mu       sync.RWMutex
	elems    []domain.WbsElement
	lastSync int64
	hasSync  bool

	// SearchErr, when set, is returned by every SearchKeyword call.
	SearchErr error
	searches  []string
}

func NewWbsRepo(elems []domain.WbsElement) *WbsRepo {
	r := &WbsRepo{}
	r.Replace(elems)
	return r
}

func (r *WbsRepo) Replace(elems []domain.WbsElement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elems = slices.Clone(elems)
	slices.SortFunc(r.elems, func(a, b domain.WbsElement) int { return cmp.Compare(a.WbsCode, b.WbsCode) })
}

func (r *WbsRepo) SetLastSync(ts int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSync, r.hasSync = ts, true
}

// Searches lists the terms passed to SearchKeyword so far.
func (r *WbsRepo) Searches() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.searches)
}

func (r *WbsRepo) CountActiveWbs(context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.elems {
		if e.Active() {
			n++
		}
	}
	return n, nil
}

func (r *WbsRepo) LastSyncTimestamp(context.Context) (int64, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSync, r.hasSync, nil
}

func (r *WbsRepo) LoadCommonProjects(_ context.Context, limit int) ([]domain.WbsElement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	type group struct {
		first domain.WbsElement
		n     int
	}
	groups := map[string]*group{}
	var order []string
	for _, e := range r.elems {
		if !e.Active() || e.ProjectName == "" {
			continue
		}
		g, ok := groups[e.ProjectDef]
		if !ok {
			g = &group{first: e}
			groups[e.ProjectDef] = g
			order = append(order, e.ProjectDef)
		}
		g.n++
	}
	slices.SortStableFunc(order, func(a, b string) int {
		if groups[a].n != groups[b].n {
			return cmp.Compare(groups[b].n, groups[a].n)
		}
		return cmp.Compare(a, b)
	})
	if len(order) > limit {
		order = order[:limit]
	}
	out := make([]domain.WbsElement, len(order))
	for i, def := range order {
		out[i] = groups[def].first
	}
	return out, nil
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
}

func searchable(e domain.WbsElement) []string {
	var out []string
	for _, f := range []string{e.ProjectName, e.Description, e.DealName, e.TargetCompanyName, e.ProjectDef} {
		out = append(out, words(f)...)
	}
	return out
}

// SearchKeyword matches elements where every query word prefixes some
// indexed word, ordered by code.
func (r *WbsRepo) SearchKeyword(_ context.Context, keyword string, limit int) ([]domain.WbsElement, error) {
	r.mu.Lock()
	r.searches = append(r.searches, keyword)
	err := r.SearchErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	terms := words(keyword)
	if len(terms) == 0 {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.WbsElement
	for _, e := range r.elems {
		idx := searchable(e)
		all := true
		for _, t := range terms {
			if !slices.ContainsFunc(idx, func(w string) bool { return strings.HasPrefix(w, t) }) {
				all = false
				break
			}
		}
		if all {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *WbsRepo) WbsByProjectDef(_ context.Context, def string) (domain.WbsElement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.elems {
		if e.ProjectDef == def && e.Active() {
			return e, nil
		}
	}
	return domain.WbsElement{}, ErrWbsNotFound
}

func (r *WbsRepo) WbsByCode(_ context.Context, code string) (domain.WbsElement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.elems {
		if e.WbsCode == code {
			return e, nil
		}
	}
	return domain.WbsElement{}, ErrWbsNotFound
}
