// Package duplicate finds duplicate and near-duplicate files in a scan
// snapshot through a short-circuiting multi-pass pipeline, and scores each
// group's members to recommend what to keep.
package duplicate

// MatchKind names the pass that produced a group.
type MatchKind string

const (
	MatchExactChecksum  MatchKind = "exact_checksum"
	MatchContentHash    MatchKind = "content_hash"
	MatchSizeName       MatchKind = "size_name"
	MatchFuzzyName      MatchKind = "fuzzy_name"
	MatchVersionSibling MatchKind = "version_sibling"
)

// Risk grades how safe acting on a group's recommendation is.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Algorithm depth selects which passes run.
type Algorithm string

const (
	AlgorithmFast     Algorithm = "fast"
	AlgorithmThorough Algorithm = "thorough"
	AlgorithmDeep     Algorithm = "deep"
)

// Recommendation kinds.
const (
	RecommendKeepBest     = "keep_best"
	RecommendManualReview = "manual_review"
)

// Member is one file in a duplicate group.
type Member struct {
	FileID       string `json:"file_id"`
	Name         string `json:"name"`
	SizeBytes    int64  `json:"size_bytes"`
	QualityScore int    `json:"quality_score"`
}

// Recommendation is the per-group resolution suggestion.
type Recommendation struct {
	Kind       string   `json:"kind"`
	KeepID     string   `json:"keep_id,omitempty"`
	DeleteIDs  []string `json:"delete_ids"`
	ReasonCode string   `json:"reason_code"`
}

// Group is one set of (near-)identical files.
type Group struct {
	GroupID          string         `json:"group_id"`
	MatchKind        MatchKind      `json:"match_kind"`
	Confidence       int            `json:"confidence"`
	Members          []Member       `json:"members"`
	Recommendation   Recommendation `json:"recommendation"`
	SpaceReclaimable int64          `json:"space_reclaimable"`
	Risk             Risk           `json:"risk"`
}

// Summary aggregates a detection run.
type Summary struct {
	TotalGroups      int          `json:"total_groups"`
	DuplicateMembers int          `json:"duplicate_members"`
	ReclaimableBytes int64        `json:"reclaimable_bytes"`
	RiskHistogram    map[Risk]int `json:"risk_histogram"`
}

// Options configures a detection run.
type Options struct {
	Algorithm         Algorithm `json:"algorithm"`
	MinFileSize       int64     `json:"min_file_size"`
	EnableContentHash bool      `json:"enable_content_hash"`
	EnableFuzzyName   bool      `json:"enable_fuzzy_name"`
}

// Result is the output of a detection run.
type Result struct {
	Groups  []Group `json:"groups"`
	Summary Summary `json:"summary"`
}
