package organize

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/wisbric/filepilot/pkg/oracle"
	"github.com/wisbric/filepilot/pkg/scan"
)

type memRecords struct {
	recs []scan.FileRecord
}

func (m *memRecords) StreamRecords(_ context.Context, _ string, fn func(*scan.FileRecord) error) error {
	for i := range m.recs {
		if err := fn(&m.recs[i]); err != nil {
			return err
		}
	}
	return nil
}

func pdf(id string, size int64) scan.FileRecord {
	return scan.FileRecord{
		FileID: id, Name: id + ".pdf",
		MimeType: "application/pdf", MimeCategory: "PDF",
		SizeBytes: size,
	}
}

func newTestAnalyzer(recs []scan.FileRecord) *Analyzer {
	return NewAnalyzer(&memRecords{recs: recs}, &oracle.NoopClassifier{}, Thresholds{}, slog.Default())
}

func TestAnalyze_CategoryRule(t *testing.T) {
	var recs []scan.FileRecord
	for i := 0; i < 6; i++ {
		recs = append(recs, pdf(fmt.Sprintf("p%d", i), 1000))
	}

	result, err := newTestAnalyzer(recs).Analyze(context.Background(), "snap")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	var categoryRule *Rule
	for i := range result.Rules {
		if result.Rules[i].Kind == RuleCategory && result.Rules[i].Category == "PDF" {
			categoryRule = &result.Rules[i]
		}
	}
	if categoryRule == nil {
		t.Fatalf("no category rule for PDF in %+v", result.Rules)
	}
	if categoryRule.TargetFolder != "PDFs" {
		t.Errorf("target = %q, want PDFs", categoryRule.TargetFolder)
	}
	if want := 60 + 2*6; categoryRule.Confidence != want {
		t.Errorf("confidence = %d, want %d", categoryRule.Confidence, want)
	}
}

func TestAnalyze_BelowThresholdNoRule(t *testing.T) {
	recs := []scan.FileRecord{pdf("a", 10), pdf("b", 10)} // only 2 members

	result, err := newTestAnalyzer(recs).Analyze(context.Background(), "snap")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	for _, r := range result.Rules {
		if r.Kind == RuleCategory {
			t.Errorf("unexpected category rule from a 2-member bucket: %+v", r)
		}
	}
}

func TestAnalyze_ConfidenceClipped(t *testing.T) {
	var recs []scan.FileRecord
	for i := 0; i < 40; i++ {
		recs = append(recs, pdf(fmt.Sprintf("p%d", i), 1000))
	}

	result, err := newTestAnalyzer(recs).Analyze(context.Background(), "snap")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	for _, r := range result.Rules {
		if r.Confidence > 95 {
			t.Errorf("confidence %d exceeds the 95 clip", r.Confidence)
		}
	}
}

func TestAnalyze_ProposalsCollapseByFile(t *testing.T) {
	// 12 PDFs trigger both the category rule and the .pdf extension rule;
	// each file must get exactly one proposal (the higher-confidence one).
	var recs []scan.FileRecord
	for i := 0; i < 12; i++ {
		recs = append(recs, pdf(fmt.Sprintf("p%d", i), 1000))
	}

	result, err := newTestAnalyzer(recs).Analyze(context.Background(), "snap")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	seen := make(map[string]int)
	for _, p := range result.Proposals {
		seen[p.FileID]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("file %s has %d proposals, want 1", id, n)
		}
	}
	if len(seen) != 12 {
		t.Errorf("proposals cover %d files, want 12", len(seen))
	}
}

func TestAnalyze_LargeFileArchiveRule(t *testing.T) {
	var recs []scan.FileRecord
	for i := 0; i < 5; i++ {
		recs = append(recs, scan.FileRecord{
			FileID: fmt.Sprintf("big%d", i), Name: fmt.Sprintf("big%d.iso", i),
			MimeCategory: "Other", SizeBytes: 200 << 20,
		})
	}

	result, err := newTestAnalyzer(recs).Analyze(context.Background(), "snap")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	var largeRule *Rule
	for i := range result.Rules {
		if result.Rules[i].Kind == RuleLargeFile {
			largeRule = &result.Rules[i]
		}
	}
	if largeRule == nil {
		t.Fatal("no large-file rule emitted")
	}

	// Large files should carry archive proposals when the large-file rule
	// wins the collapse.
	archives := 0
	for _, p := range result.Proposals {
		if p.Kind == "archive" {
			archives++
		}
	}
	if archives == 0 {
		t.Error("expected at least one archive proposal")
	}
}

func TestAnalyze_PriorityBands(t *testing.T) {
	tests := []struct {
		confidence int
		want       Priority
	}{
		{95, PriorityHigh},
		{81, PriorityHigh},
		{80, PriorityMedium},
		{61, PriorityMedium},
		{60, PriorityLow},
		{10, PriorityLow},
	}
	for _, tt := range tests {
		if got := priorityFor(tt.confidence); got != tt.want {
			t.Errorf("priorityFor(%d) = %v, want %v", tt.confidence, got, tt.want)
		}
	}
}

func TestAnalyze_OracleCoversUnmatchedFiles(t *testing.T) {
	// Two "Other" files: no rule forms (below thresholds), so the
	// classifier fallback supplies the proposal.
	recs := []scan.FileRecord{
		{FileID: "o1", Name: "mystery.dat", MimeCategory: "Other", SizeBytes: 10},
		{FileID: "o2", Name: "unknown.bin", MimeCategory: "Other", SizeBytes: 10},
	}

	result, err := newTestAnalyzer(recs).Analyze(context.Background(), "snap")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if len(result.Proposals) != 2 {
		t.Fatalf("proposals = %d, want 2 from the classifier fallback", len(result.Proposals))
	}
	for _, p := range result.Proposals {
		if p.TargetFolder != "Misc" {
			t.Errorf("target = %q, want Misc from the noop classifier", p.TargetFolder)
		}
	}
}
