// Package blocks consolidates activity segments into proposed time blocks.
package blocks

import (
	"cmp"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/domain"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/validation"
)

const secondsPerDay = 86400

type Config struct {
	MinBlockDurationSecs    int64 `yaml:"min_block_duration_secs" mapstructure:"min_block_duration_secs"`
	MaxGapForMergeSecs      int64 `yaml:"max_gap_for_merge_secs" mapstructure:"max_gap_for_merge_secs"`
	ConsolidationWindowSecs int64 `yaml:"consolidation_window_secs" mapstructure:"consolidation_window_secs"`
	MinBillingIncrementSecs int64 `yaml:"min_billing_increment_secs" mapstructure:"min_billing_increment_secs"`
}

func DefaultConfig() Config {
	return Config{
		MinBlockDurationSecs:    1800,
		MaxGapForMergeSecs:      180,
		ConsolidationWindowSecs: 3600,
		MinBillingIncrementSecs: 360,
	}
}

func (c Config) Validate() error {
	col := validation.NewCollector("block config")
	validation.Check[int64](col, validation.Between[int64](0, secondsPerDay), "min_block_duration_secs", c.MinBlockDurationSecs)
	validation.Check[int64](col, validation.Between[int64](0, secondsPerDay), "max_gap_for_merge_secs", c.MaxGapForMergeSecs)
	validation.Check[int64](col, validation.Between[int64](0, secondsPerDay), "consolidation_window_secs", c.ConsolidationWindowSecs)
	validation.Check[int64](col, validation.Between[int64](1, secondsPerDay), "min_billing_increment_secs", c.MinBillingIncrementSecs)
	if err := col.Err(); err != nil {
		return err.(*validation.Error).Common()
	}
	return nil
}

// Builder turns segments into ProposedBlocks. Classification fields are left
// empty; a later stage fills them.
type Builder struct {
	cfg Config
	loc *time.Location
	now func() time.Time
	ids func() string
}

type Option func(*Builder)

// WithLocation enables the weekend and after-hours flags, evaluated in loc.
func WithLocation(loc *time.Location) Option { return func(b *Builder) { b.loc = loc } }

func WithClock(now func() time.Time) Option { return func(b *Builder) { b.now = now } }

// WithIDs replaces the block id generator.
func WithIDs(fn func() string) Option { return func(b *Builder) { b.ids = fn } }

func New(cfg Config, opts ...Option) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Builder{cfg: cfg, now: time.Now, ids: newID}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (b *Builder) Config() Config { return b.cfg }

// overlapping returns the segments intersecting [start, end), sorted by start.
func overlapping(segs []domain.ActivitySegment, start, end int64) []domain.ActivitySegment {
	var out []domain.ActivitySegment
	for _, s := range segs {
		if s.EndTS > start && s.StartTS < end {
			out = append(out, s)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.ActivitySegment) int { return cmp.Compare(a.StartTS, b.StartTS) })
	return out
}

// Build groups the segments of the day starting at dayEpoch. Consecutive
// segments share a block when they have the same primary app and the gap
// between them is at most MaxGapForMergeSecs; overlaps count as a zero gap.
func (b *Builder) Build(segs []domain.ActivitySegment, dayEpoch int64) []domain.ProposedBlock {
	dayStart, dayEnd := dayEpoch, dayEpoch+secondsPerDay
	day := overlapping(segs, dayStart, dayEnd)
	if len(day) == 0 {
		return nil
	}
	var out []domain.ProposedBlock
	group := []domain.ActivitySegment{day[0]}
	for _, next := range day[1:] {
		prev := group[len(group)-1]
		if next.PrimaryApp == prev.PrimaryApp && next.StartTS-prev.EndTS <= b.cfg.MaxGapForMergeSecs {
			group = append(group, next)
			continue
		}
		out = append(out, b.finalize(group, dayStart, dayEnd))
		group = []domain.ActivitySegment{next}
	}
	return append(out, b.finalize(group, dayStart, dayEnd))
}

// ProposeForSelection builds one block from every segment overlapping the
// selection, clipped to it. It returns false when nothing overlaps.
func (b *Builder) ProposeForSelection(segs []domain.ActivitySegment, start, end int64) (domain.ProposedBlock, bool) {
	sel := overlapping(segs, start, end)
	if len(sel) == 0 {
		return domain.ProposedBlock{}, false
	}
	return b.finalize(sel, start, end), true
}

func clip(s domain.ActivitySegment, lo, hi int64) (int64, int64) {
	return max(s.StartTS, lo), min(s.EndTS, hi)
}

func (b *Builder) finalize(group []domain.ActivitySegment, lo, hi int64) domain.ProposedBlock {
	start, end := group[0].StartTS, group[0].EndTS
	for _, s := range group[1:] {
		start = min(start, s.StartTS)
		end = max(end, s.EndTS)
	}
	start, end = max(start, lo), min(end, hi)

	blk := domain.ProposedBlock{
		ID:           b.ids(),
		StartTS:      start,
		EndTS:        end,
		DurationSecs: end - start,
		Status:       domain.BlockStatusPending,
		CreatedAt:    b.now().Unix(),
		SnapshotIDs:  []string{},
		SegmentIDs:   []string{},
		Reasons:      []string{},
	}
	autoExcluded := false
	for _, s := range group {
		blk.TotalIdleSecs += s.IdleTimeSecs
		autoExcluded = autoExcluded || s.AutoExcluded()
		blk.SnapshotIDs = append(blk.SnapshotIDs, s.SnapshotIDs...)
		blk.SegmentIDs = append(blk.SegmentIDs, s.ID)
	}
	switch {
	case blk.TotalIdleSecs > 0 && autoExcluded:
		blk.IdleHandling = domain.IdleExclude
	case blk.TotalIdleSecs > 0:
		blk.IdleHandling = domain.IdleInclude
	default:
		blk.IdleHandling = domain.IdleExclude
	}
	blk.Activities = breakdown(group, lo, hi)
	b.annotateTime(&blk)
	return blk
}

// breakdown weights apps by clipped duration, ignoring auto-excluded
// segments. Percentages are relative to the kept duration.
func breakdown(group []domain.ActivitySegment, lo, hi int64) []domain.ActivityBreakdown {
	byApp := map[string]int64{}
	var order []string
	var total int64
	for _, s := range group {
		if s.AutoExcluded() {
			continue
		}
		cs, ce := clip(s, lo, hi)
		d := max(0, ce-cs)
		if _, ok := byApp[s.PrimaryApp]; !ok {
			order = append(order, s.PrimaryApp)
		}
		byApp[s.PrimaryApp] += d
		total += d
	}
	out := []domain.ActivityBreakdown{}
	if total == 0 {
		return out
	}
	for _, app := range order {
		out = append(out, domain.ActivityBreakdown{
			Name:         app,
			DurationSecs: byApp[app],
			Percentage:   float64(byApp[app]) / float64(total) * 100,
		})
	}
	slices.SortStableFunc(out, func(a, b domain.ActivityBreakdown) int { return cmp.Compare(b.DurationSecs, a.DurationSecs) })
	return out
}

func (b *Builder) annotateTime(blk *domain.ProposedBlock) {
	if b.loc == nil {
		return
	}
	start := time.Unix(blk.StartTS, 0).In(b.loc)
	blk.Timezone = b.loc.String()
	blk.IsWeekend = start.Weekday() == time.Saturday || start.Weekday() == time.Sunday
	h := start.Hour()
	blk.IsAfterHours = h < 8 || h >= 18
}

// DayEpoch returns local midnight of the calendar day containing t, as unix
// seconds.
func DayEpoch(t time.Time, loc *time.Location) int64 {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc).Unix()
}

// ParseDay parses a YYYY-MM-DD day in loc and returns its midnight epoch.
func ParseDay(day string, loc *time.Location) (int64, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(time.DateOnly, day, loc)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}

// DayKey formats a day epoch as YYYY-MM-DD in loc.
func DayKey(dayEpoch int64, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return time.Unix(dayEpoch, 0).In(loc).Format(time.DateOnly)
}

// Billable reports whether a block is long enough to bill, rounding up to
// the billing increment.
func (c Config) Billable(durationSecs int64) bool {
	return c.RoundUp(durationSecs) >= c.MinBlockDurationSecs
}

// RoundUp rounds a duration up to the next billing increment.
func (c Config) RoundUp(durationSecs int64) int64 {
	inc := max(c.MinBillingIncrementSecs, 1)
	return (durationSecs + inc - 1) / inc * inc
}
