package engine

import (
	"context"
	"slices"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/blocks"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/domain"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/matcher"
)

// Classification is the outcome of classifying one block.
type Classification struct {
	Match      domain.ProjectMatch
	Classifier string
	Billable   bool
}

// Classifier picks a project for a block from its merged signals and the
// ranked matcher candidates.
type Classifier interface {
	Classify(ctx context.Context, blk domain.ProposedBlock, s domain.ContextSignals, candidates []domain.ProjectMatch) Classification
}

// RulesClassifier takes the top candidate when it clears
// matcher.MinConfidence and falls back to G&A otherwise. Personal and
// training activity is never billable.
type RulesClassifier struct {
	Blocks blocks.Config
}

func (c RulesClassifier) Classify(_ context.Context, blk domain.ProposedBlock, s domain.ContextSignals, candidates []domain.ProjectMatch) Classification {
	m := matcher.Fallback
	m.Reasons = slices.Clone(matcher.Fallback.Reasons)
	if len(candidates) > 0 && candidates[0].Confidence >= matcher.MinConfidence {
		m = candidates[0]
		m.Reasons = slices.Clone(candidates[0].Reasons)
	}
	if m.Workstream == "" {
		m.Workstream = matcher.InferWorkstream(s)
	}
	billable := m.WbsCode != matcher.Fallback.WbsCode && c.Blocks.Billable(blk.DurationSecs)
	if s.HasPersonalEvent || s.IsPersonalBrowsing {
		billable = false
		m.Reasons = append(m.Reasons, "override:personal")
	}
	if s.IsInternalTraining {
		billable = false
		m.Reasons = append(m.Reasons, "override:training")
	}
	return Classification{Match: m, Classifier: "rules", Billable: billable}
}
