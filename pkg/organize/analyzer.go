package organize

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/wisbric/filepilot/pkg/oracle"
	"github.com/wisbric/filepilot/pkg/scan"
)

// recordSource streams a snapshot's records; *scan.Store implements it.
type recordSource interface {
	StreamRecords(ctx context.Context, snapshotID string, fn func(*scan.FileRecord) error) error
}

// oracleCallBudget caps classifier calls per analysis so an external model
// never dominates a run's latency or cost.
const oracleCallBudget = 50

// Analyzer generates rules and per-file proposals from snapshots.
type Analyzer struct {
	records    recordSource
	classifier oracle.Classifier
	thresholds Thresholds
	logger     *slog.Logger
}

// NewAnalyzer creates an organization Analyzer. classifier may be the noop
// fallback; the analyzer behaves identically either way.
func NewAnalyzer(records recordSource, classifier oracle.Classifier, thresholds Thresholds, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		records:    records,
		classifier: classifier,
		thresholds: thresholds.withDefaults(),
		logger:     logger,
	}
}

// Analyze reads the snapshot and produces rules plus collapsed per-file
// proposals.
func (a *Analyzer) Analyze(ctx context.Context, snapshotID string) (*Result, error) {
	var files []scan.FileRecord
	err := a.records.StreamRecords(ctx, snapshotID, func(r *scan.FileRecord) error {
		if r.MimeCategory == "Folder" || r.Trashed {
			return nil
		}
		files = append(files, *r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading snapshot records: %w", err)
	}

	rules := a.generateRules(files)
	proposals := a.generateProposals(ctx, files, rules)

	a.logger.Info("organization analysis finished",
		"snapshot_id", snapshotID,
		"files", len(files),
		"rules", len(rules),
		"proposals", len(proposals),
	)
	return &Result{Rules: rules, Proposals: proposals}, nil
}

// generateRules buckets files by category, extension, and size, emitting a
// rule per bucket that clears its membership threshold.
func (a *Analyzer) generateRules(files []scan.FileRecord) []Rule {
	byCategory := make(map[string]int)
	byExtension := make(map[string]int)
	large := 0

	for i := range files {
		f := &files[i]
		byCategory[f.MimeCategory]++
		if ext := extension(f.Name); ext != "" {
			byExtension[ext]++
		}
		if f.SizeBytes >= a.thresholds.LargeFileMinBytes {
			large++
		}
	}

	var rules []Rule
	for category, count := range byCategory {
		if count < a.thresholds.CategoryMinMembers || category == "Other" {
			continue
		}
		rules = append(rules, Rule{
			RuleID:       uuid.NewString(),
			Kind:         RuleCategory,
			Category:     category,
			TargetFolder: oracle.FolderForCategory(category),
			Confidence:   ruleConfidence(count),
			MemberCount:  count,
		})
	}

	for ext, count := range byExtension {
		if count < a.thresholds.ExtensionMinMembers {
			continue
		}
		rules = append(rules, Rule{
			RuleID:       uuid.NewString(),
			Kind:         RuleExtension,
			Extension:    ext,
			TargetFolder: strings.ToUpper(strings.TrimPrefix(ext, ".")) + " Files",
			Confidence:   ruleConfidence(count),
			MemberCount:  count,
		})
	}

	if large >= a.thresholds.LargeFileMinMembers {
		rules = append(rules, Rule{
			RuleID:       uuid.NewString(),
			Kind:         RuleLargeFile,
			MinSizeBytes: a.thresholds.LargeFileMinBytes,
			TargetFolder: "Archive",
			Confidence:   ruleConfidence(large),
			MemberCount:  large,
		})
	}

	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Confidence != rules[j].Confidence {
			return rules[i].Confidence > rules[j].Confidence
		}
		return rules[i].RuleID < rules[j].RuleID
	})
	return rules
}

// generateProposals matches every file against every rule, collapses by
// file keeping the highest confidence, and consults the oracle for files
// no rule covered.
func (a *Analyzer) generateProposals(ctx context.Context, files []scan.FileRecord, rules []Rule) []Proposal {
	best := make(map[string]Proposal)

	for i := range files {
		f := &files[i]
		for j := range rules {
			rule := &rules[j]
			frac := matchFraction(f, rule)
			if frac < 0.5 {
				continue
			}
			confidence := int(frac * float64(rule.Confidence))

			kind := "move"
			if rule.Kind == RuleLargeFile {
				kind = "archive"
			}

			p := Proposal{
				ProposalID:   uuid.NewString(),
				FileID:       f.FileID,
				FileName:     f.Name,
				Kind:         kind,
				TargetFolder: rule.TargetFolder,
				RuleID:       rule.RuleID,
				Confidence:   confidence,
				Priority:     priorityFor(confidence),
			}
			if cur, ok := best[f.FileID]; !ok || p.Confidence > cur.Confidence {
				best[f.FileID] = p
			}
		}
	}

	// Files no rule covered: ask the classifier, within budget.
	calls := 0
	for i := range files {
		f := &files[i]
		if _, ok := best[f.FileID]; ok {
			continue
		}
		if calls >= oracleCallBudget {
			break
		}
		calls++

		res, err := a.classifier.Classify(ctx, oracle.ClassifyRequest{
			FileName:     f.Name,
			MimeCategory: f.MimeCategory,
			SizeBytes:    f.SizeBytes,
		})
		if err != nil || res.TargetFolder == "" {
			continue
		}
		best[f.FileID] = Proposal{
			ProposalID:   uuid.NewString(),
			FileID:       f.FileID,
			FileName:     f.Name,
			Kind:         "move",
			TargetFolder: res.TargetFolder,
			Confidence:   res.Confidence,
			Priority:     priorityFor(res.Confidence),
		}
	}

	out := make([]Proposal, 0, len(best))
	for _, p := range best {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].FileID < out[j].FileID
	})
	return out
}

// matchFraction is the share of the rule's specified criteria the file
// satisfies.
func matchFraction(f *scan.FileRecord, rule *Rule) float64 {
	specified, matched := 0, 0

	if rule.Category != "" {
		specified++
		if f.MimeCategory == rule.Category {
			matched++
		}
	}
	if rule.Extension != "" {
		specified++
		if extension(f.Name) == rule.Extension {
			matched++
		}
	}
	if rule.MinSizeBytes > 0 {
		specified++
		if f.SizeBytes >= rule.MinSizeBytes {
			matched++
		}
	}

	if specified == 0 {
		return 0
	}
	return float64(matched) / float64(specified)
}

// ruleConfidence grows with bucket size, clipped at 95.
func ruleConfidence(count int) int {
	c := 60 + 2*count
	if c > 95 {
		c = 95
	}
	return c
}

func priorityFor(confidence int) Priority {
	switch {
	case confidence > 80:
		return PriorityHigh
	case confidence > 60:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func extension(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx:])
}
