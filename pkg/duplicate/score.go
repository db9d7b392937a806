package duplicate

import (
	"strings"
	"time"

	"github.com/wisbric/filepilot/pkg/scan"
)

// QualityScore rates how worth keeping a file is, on [0, 100]. The highest
// scorer in a group becomes the keep candidate.
func QualityScore(r *scan.FileRecord, now time.Time) int {
	score := 50

	if r.SizeBytes > 0 {
		score += 10
	}
	if r.SizeBytes > 1<<20 {
		score += 5
	}

	switch age := now.Sub(r.ModifiedAt); {
	case age < 30*24*time.Hour:
		score += 15
	case age < 90*24*time.Hour:
		score += 10
	case age < 365*24*time.Hour:
		score += 5
	}

	name := strings.ToLower(r.Name)
	if strings.Contains(name, "copy") {
		score -= 20
	}
	if strings.Contains(name, "(1)") || strings.Contains(name, "(2)") {
		score -= 25
	}
	if strings.Contains(name, "draft") {
		score -= 10
	}
	if strings.Contains(name, "final") {
		score += 10
	}
	if strings.Contains(name, "backup") {
		score -= 15
	}

	if r.Shared {
		score += 10
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
