package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/wisbric/filepilot/pkg/messaging"
)

// ScanCompleteBlocks builds Block Kit blocks for a finished scan.
func ScanCompleteBlocks(info ScanInfo) []goslack.Block {
	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType, "✅ Drive scan finished", true, false),
	)

	fields := []*goslack.TextBlockObject{
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Files:* %d", info.TotalFiles), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Size:* %s", messaging.FormatBytes(info.TotalBytes)), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Scan:* `%s`", truncate(info.ScanID, 40)), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Snapshot:* `%s`", truncate(info.SnapshotID, 40)), false, false),
	}

	return []goslack.Block{
		header,
		goslack.NewSectionBlock(nil, fields, nil),
	}
}

// ScanFailedBlocks builds blocks for a failed scan.
func ScanFailedBlocks(info ScanInfo) []goslack.Block {
	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType, "🔴 Drive scan failed", true, false),
	)
	body := goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("Scan `%s` failed with code `%s`.", truncate(info.ScanID, 40), info.ErrorCode),
			false, false),
		nil, nil,
	)
	return []goslack.Block{header, body}
}

// BatchExecutedBlocks builds blocks for a finished batch execution.
func BatchExecutedBlocks(info BatchInfo) []goslack.Block {
	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType,
			fmt.Sprintf("%s Cleanup batch %s", messaging.StatusEmoji(info.Status), info.Status), true, false),
	)

	fields := []*goslack.TextBlockObject{
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Succeeded:* %d", info.Succeeded), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Failed:* %d", info.Failed), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Skipped:* %d", info.Skipped), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Batch:* `%s`", truncate(info.BatchID, 40)), false, false),
	}

	blocks := []goslack.Block{
		header,
		goslack.NewSectionBlock(nil, fields, nil),
	}

	if info.Cancelled > 0 {
		blocks = append(blocks, goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType,
				fmt.Sprintf("%d proposals were cancelled after the batch halted.", info.Cancelled), false, false)))
	}
	return blocks
}

// ManualReviewBlocks builds blocks nudging a human toward unresolved
// duplicate groups.
func ManualReviewBlocks(info ReviewInfo) []goslack.Block {
	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType, "🟡 Duplicates need review", true, false),
	)
	body := goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("%d duplicate groups could not be resolved automatically (%s reclaimable).",
				info.GroupCount, messaging.FormatBytes(info.ReclaimableBytes)),
			false, false),
		nil, nil,
	)
	return []goslack.Block{header, body}
}

// truncate returns s truncated to max characters with "..." appended.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
