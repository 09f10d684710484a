package risk

import (
	"fmt"
	"path/filepath"
	"strings"

	"autoforge/internal/model"
)

// Evaluator decides whether a change set may auto-merge. Evaluation is a
// pure function over the change set and the agent's optional
// self-assessment; it performs no I/O.
type Evaluator struct {
	ProtectedPrefixes []string
}

func NewEvaluator(protectedPrefixes []string) *Evaluator {
	return &Evaluator{ProtectedPrefixes: protectedPrefixes}
}

// Evaluate runs two phases. Phase 1 applies hard rules the agent cannot
// override: any modified or deleted file, or any change under a protected
// prefix, is unsafe. Phase 2 consults the self-assessment and can only make
// the verdict more conservative. Reasons accumulate so a review
// notification carries full context.
func (e *Evaluator) Evaluate(changeSet model.ChangeSet, assessment *model.SelfAssessment) model.RiskVerdict {
	reasons := []string{}

	for _, change := range changeSet.Changes {
		switch change.Kind {
		case model.ChangeKindModified:
			reasons = append(reasons, fmt.Sprintf("existing file modified: %s", change.Path))
		case model.ChangeKindDeleted:
			reasons = append(reasons, fmt.Sprintf("existing file deleted: %s", change.Path))
		}
		if prefix, ok := matchProtectedPrefix(change.Path, e.ProtectedPrefixes); ok {
			reasons = append(reasons, fmt.Sprintf("protected path touched: %s (prefix %s)", change.Path, prefix))
		}
	}

	phase1Unsafe := len(reasons) > 0
	if !phase1Unsafe && assessment != nil {
		if assessment.NeedsReview {
			reasons = append(reasons, "agent requested review")
		}
		if assessment.TouchesExisting {
			reasons = append(reasons, "agent reports existing functionality touched")
		}
		if assessment.PossibleConfusion {
			reasons = append(reasons, "agent reports possible user confusion")
		}
		if assessment.RemovesFeatures {
			reasons = append(reasons, "agent reports existing features removed or changed")
		}
	}

	return model.RiskVerdict{
		Safe:    len(reasons) == 0,
		Reasons: reasons,
	}
}

func matchProtectedPrefix(path string, prefixes []string) (string, bool) {
	path = filepath.ToSlash(strings.TrimSpace(path))
	for _, prefix := range prefixes {
		prefix = filepath.ToSlash(strings.TrimSpace(prefix))
		if prefix == "" {
			continue
		}
		trimmed := strings.TrimSuffix(prefix, "/")
		if path == trimmed || strings.HasPrefix(path, trimmed+"/") {
			return prefix, true
		}
	}
	return "", false
}
