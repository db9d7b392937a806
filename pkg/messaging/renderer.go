package messaging

import "fmt"

// StatusEmoji returns the emoji prefix for a batch or scan outcome.
func StatusEmoji(status string) string {
	switch status {
	case "executed", "completed":
		return "✅" // check mark
	case "failed":
		return "\U0001F534" // red circle
	case "rolled_back":
		return "↩️" // undo arrow
	default:
		return "⚪" // white circle
	}
}

// FormatBytes renders a byte count in human units.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// ScanSummary builds the one-line text for a scan-complete notification.
func ScanSummary(msg ScanCompleteMessage) string {
	return fmt.Sprintf("%s Scan finished: %d files, %s indexed",
		StatusEmoji("completed"), msg.TotalFiles, FormatBytes(msg.TotalBytes))
}

// BatchSummary builds the one-line text for a batch-executed notification.
func BatchSummary(msg BatchExecutedMessage) string {
	return fmt.Sprintf("%s Batch %s: %d ok, %d failed, %d skipped",
		StatusEmoji(msg.Status), msg.Status, msg.Succeeded, msg.Failed, msg.Skipped)
}
