package action

import (
	"github.com/wisbric/filepilot/pkg/gateway"
)

// preflight decisions.
type decision int

const (
	decisionAllow decision = iota
	decisionWarn
	decisionSkip
)

// largeFileThreshold is the size above which every safety level warns.
const largeFileThreshold = 100 << 20

// preflightVerdict is the outcome of the per-file safety check.
type preflightVerdict struct {
	decision decision
	warnings []string
	reasons  []string // populated when skipped
}

// checkPreflight applies the safety policy to the file's current remote
// state. Rows of the policy, by safety level:
//
//	condition                        aggressive  normal  conservative
//	file is shared                   allow       warn    skip
//	additional collaborators         allow       warn    warn
//	size > 100 MiB                   warn        warn    warn
//	trash/archive, shared+collabs    allow       skip    skip
//	no canEdit on cloud-native doc   allow       warn    skip
func checkPreflight(f *gateway.File, kind ProposalKind, level SafetyLevel) preflightVerdict {
	v := preflightVerdict{}

	apply := func(code string, aggressive, normal, conservative decision) {
		var d decision
		switch level {
		case SafetyAggressive:
			d = aggressive
		case SafetyConservative:
			d = conservative
		default:
			d = normal
		}
		switch d {
		case decisionWarn:
			v.warnings = append(v.warnings, code)
			if v.decision < decisionWarn {
				v.decision = decisionWarn
			}
		case decisionSkip:
			v.reasons = append(v.reasons, code)
			v.decision = decisionSkip
		}
	}

	if f.Shared {
		apply("shared", decisionAllow, decisionWarn, decisionSkip)
	}
	if f.PermissionCount > 1 {
		apply("collaborators", decisionAllow, decisionWarn, decisionWarn)
	}
	if f.SizeBytes > largeFileThreshold {
		apply("large_file", decisionWarn, decisionWarn, decisionWarn)
	}
	// Destructive operations on a file other people actively collaborate
	// on are skipped outside aggressive mode; a merely-shared file falls
	// under the shared row above.
	if f.Shared && f.PermissionCount > 1 && (kind == KindTrash || kind == KindArchive) {
		apply("trash_shared", decisionAllow, decisionSkip, decisionSkip)
	}
	if !f.Capabilities.CanEdit && gateway.CloudNative(f.MimeType) {
		apply("no_edit_capability", decisionAllow, decisionWarn, decisionSkip)
	}

	return v
}
