package duplicate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/filepilot/internal/telemetry"
	"github.com/wisbric/filepilot/pkg/scan"
)

// recordSource streams a snapshot's records; *scan.Store implements it.
type recordSource interface {
	StreamRecords(ctx context.Context, snapshotID string, fn func(*scan.FileRecord) error) error
}

// downloader fetches bounded file content for hashing; *gateway.Gateway
// implements it.
type downloader interface {
	Download(ctx context.Context, userKey, fileID string, byteLimit int64) (io.ReadCloser, error)
}

// EngineConfig bounds the content-hash pass.
type EngineConfig struct {
	ContentHashSizeCap      int64 // per file
	ContentHashAggregateCap int64 // per detection run
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.ContentHashSizeCap <= 0 {
		c.ContentHashSizeCap = 50 << 20
	}
	if c.ContentHashAggregateCap <= 0 {
		c.ContentHashAggregateCap = 2 << 30
	}
	return c
}

// Engine runs duplicate detection over snapshots.
type Engine struct {
	records recordSource
	remote  downloader
	cfg     EngineConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates a duplicate Engine.
func NewEngine(records recordSource, remote downloader, cfg EngineConfig, logger *slog.Logger) *Engine {
	return &Engine{
		records: records,
		remote:  remote,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		now:     time.Now,
	}
}

// Detect runs the configured passes over the snapshot and returns scored
// groups. A file that joins a group in one pass is excluded from later
// passes.
func (e *Engine) Detect(ctx context.Context, userKey, snapshotID string, opts Options) (*Result, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = AlgorithmFast
	}

	var files []scan.FileRecord
	err := e.records.StreamRecords(ctx, snapshotID, func(r *scan.FileRecord) error {
		if r.MimeCategory == "Folder" || r.Trashed {
			return nil
		}
		if r.SizeBytes < opts.MinFileSize {
			return nil
		}
		files = append(files, *r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading snapshot records: %w", err)
	}

	grouped := make(map[string]bool)
	var groups []Group

	// Pass 1: exact remote checksum.
	groups = append(groups, e.groupByKey(files, grouped, MatchExactChecksum, 100, func(r *scan.FileRecord) string {
		if r.Checksum == "" {
			return ""
		}
		return fmt.Sprintf("%s|%d", r.Checksum, r.SizeBytes)
	})...)

	// Pass 2: normalized name plus identical size.
	groups = append(groups, e.groupByKey(files, grouped, MatchSizeName, 90, func(r *scan.FileRecord) string {
		return fmt.Sprintf("%s|%d", NormalizeName(r.Name), r.SizeBytes)
	})...)

	// Pass 3 (deep): bounded content hashing.
	if opts.Algorithm == AlgorithmDeep && opts.EnableContentHash {
		hashGroups, err := e.contentHashPass(ctx, userKey, files, grouped)
		if err != nil {
			return nil, err
		}
		groups = append(groups, hashGroups...)
	}

	// Pass 4 (thorough, deep): fuzzy names with near sizes.
	if (opts.Algorithm == AlgorithmThorough || opts.Algorithm == AlgorithmDeep) && opts.EnableFuzzyName {
		groups = append(groups, e.fuzzyPass(files, grouped)...)
	}

	result := &Result{Groups: groups, Summary: summarize(groups)}

	for _, g := range groups {
		telemetry.DuplicateGroupsTotal.WithLabelValues(string(g.MatchKind)).Inc()
	}
	telemetry.DuplicateBytesReclaimable.Observe(float64(result.Summary.ReclaimableBytes))

	e.logger.Info("duplicate detection finished",
		"snapshot_id", snapshotID,
		"algorithm", opts.Algorithm,
		"groups", result.Summary.TotalGroups,
		"reclaimable_bytes", result.Summary.ReclaimableBytes,
	)
	return result, nil
}

// groupByKey buckets ungrouped files by keyFn and builds groups from
// buckets of two or more.
func (e *Engine) groupByKey(files []scan.FileRecord, grouped map[string]bool, kind MatchKind, confidence int, keyFn func(*scan.FileRecord) string) []Group {
	buckets := make(map[string][]*scan.FileRecord)
	for i := range files {
		r := &files[i]
		if grouped[r.FileID] {
			continue
		}
		key := keyFn(r)
		if key == "" {
			continue
		}
		buckets[key] = append(buckets[key], r)
	}

	var out []Group
	for _, members := range buckets {
		if len(members) < 2 {
			continue
		}
		for _, m := range members {
			grouped[m.FileID] = true
		}
		out = append(out, e.buildGroup(kind, confidence, members))
	}
	sortGroups(out)
	return out
}

// contentHashPass downloads remaining small files and groups by SHA-256,
// respecting the per-file and aggregate byte caps.
func (e *Engine) contentHashPass(ctx context.Context, userKey string, files []scan.FileRecord, grouped map[string]bool) ([]Group, error) {
	budget := e.cfg.ContentHashAggregateCap
	buckets := make(map[string][]*scan.FileRecord)

	for i := range files {
		r := &files[i]
		if grouped[r.FileID] || r.SizeBytes == 0 || r.SizeBytes > e.cfg.ContentHashSizeCap {
			continue
		}
		if r.SizeBytes > budget {
			// Aggregate cap reached; remaining files stay unhashed.
			continue
		}

		sum, n, err := e.hashFile(ctx, userKey, r)
		if err != nil {
			e.logger.Warn("content hash skipped", "error", err, "file_id", r.FileID)
			continue
		}
		budget -= n
		telemetry.DuplicateContentHashBytesTotal.Add(float64(n))

		key := fmt.Sprintf("%s|%d", sum, r.SizeBytes)
		buckets[key] = append(buckets[key], r)
	}

	var out []Group
	for _, members := range buckets {
		if len(members) < 2 {
			continue
		}
		for _, m := range members {
			grouped[m.FileID] = true
		}
		out = append(out, e.buildGroup(MatchContentHash, 95, members))
	}
	sortGroups(out)
	return out, nil
}

func (e *Engine) hashFile(ctx context.Context, userKey string, r *scan.FileRecord) (string, int64, error) {
	rc, err := e.remote.Download(ctx, userKey, r.FileID, r.SizeBytes)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()

	h := sha256.New()
	n, err := io.Copy(h, rc)
	if err != nil {
		return "", n, fmt.Errorf("hashing content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// fuzzyPass clusters remaining files whose normalized names are highly
// similar and whose sizes are close, via union-find over qualifying pairs.
func (e *Engine) fuzzyPass(files []scan.FileRecord, grouped map[string]bool) []Group {
	var pool []*scan.FileRecord
	for i := range files {
		if !grouped[files[i].FileID] {
			pool = append(pool, &files[i])
		}
	}
	if len(pool) < 2 {
		return nil
	}

	normalized := make([]string, len(pool))
	for i, r := range pool {
		normalized[i] = NormalizeName(r.Name)
	}

	parent := make([]int, len(pool))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) { parent[find(a)] = find(b) }

	type pair struct {
		i, j int
		sim  float64
	}
	var pairs []pair
	for i := 0; i < len(pool); i++ {
		for j := i + 1; j < len(pool); j++ {
			sim := NameSimilarity(normalized[i], normalized[j])
			if sim < 0.8 || !NearSize(pool[i].SizeBytes, pool[j].SizeBytes) {
				continue
			}
			union(i, j)
			pairs = append(pairs, pair{i: i, j: j, sim: sim})
		}
	}

	// Aggregate similarities per final cluster root.
	similaritySum := make(map[int]float64)
	pairCount := make(map[int]int)
	for _, p := range pairs {
		root := find(p.i)
		similaritySum[root] += p.sim
		pairCount[root]++
	}

	clusters := make(map[int][]*scan.FileRecord)
	for i := range pool {
		clusters[find(i)] = append(clusters[find(i)], pool[i])
	}

	var out []Group
	for root, members := range clusters {
		if len(members) < 2 {
			continue
		}
		for _, m := range members {
			grouped[m.FileID] = true
		}

		kind := MatchFuzzyName
		for _, m := range members {
			if HasVersionMarker(m.Name) {
				kind = MatchVersionSibling
				break
			}
		}

		avgSim := 1.0
		if pairCount[root] > 0 {
			avgSim = similaritySum[root] / float64(pairCount[root])
		}
		confidence := 75 + int(10*(avgSim-0.8)/0.2)
		if confidence > 85 {
			confidence = 85
		}
		if confidence < 75 {
			confidence = 75
		}

		out = append(out, e.buildGroup(kind, confidence, members))
	}
	sortGroups(out)
	return out
}

// buildGroup scores members and derives the recommendation and risk.
func (e *Engine) buildGroup(kind MatchKind, confidence int, records []*scan.FileRecord) Group {
	now := e.now()
	members := make([]Member, len(records))
	for i, r := range records {
		members[i] = Member{
			FileID:       r.FileID,
			Name:         r.Name,
			SizeBytes:    r.SizeBytes,
			QualityScore: QualityScore(r, now),
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].FileID < members[j].FileID })

	keep := pickKeep(kind, members, records)

	rec := Recommendation{Kind: RecommendManualReview, DeleteIDs: []string{}}
	var reclaimable int64
	if confidence >= 80 {
		rec.Kind = RecommendKeepBest
		rec.KeepID = keep
		rec.ReasonCode = reasonForKind(kind)
		for _, m := range members {
			if m.FileID != keep {
				rec.DeleteIDs = append(rec.DeleteIDs, m.FileID)
				reclaimable += m.SizeBytes
			}
		}
	} else {
		rec.ReasonCode = "low_confidence"
	}

	risk := RiskLow
	if kind == MatchFuzzyName || kind == MatchVersionSibling {
		risk = RiskMedium
	}
	if rec.Kind == RecommendKeepBest {
		for _, m := range members {
			if m.FileID == keep && m.QualityScore < 40 && risk == RiskMedium {
				risk = RiskHigh
			}
		}
	}

	return Group{
		GroupID:          uuid.NewString(),
		MatchKind:        kind,
		Confidence:       confidence,
		Members:          members,
		Recommendation:   rec,
		SpaceReclaimable: reclaimable,
		Risk:             risk,
	}
}

// pickKeep selects the keep candidate: version siblings keep the newest
// revision, everything else keeps the best-scoring member (newest wins a
// tie).
func pickKeep(kind MatchKind, members []Member, records []*scan.FileRecord) string {
	modified := make(map[string]time.Time, len(records))
	for _, r := range records {
		modified[r.FileID] = r.ModifiedAt
	}

	if kind == MatchVersionSibling {
		best := members[0].FileID
		for _, m := range members[1:] {
			if modified[m.FileID].After(modified[best]) {
				best = m.FileID
			}
		}
		return best
	}

	best := members[0]
	for _, m := range members[1:] {
		if m.QualityScore > best.QualityScore ||
			(m.QualityScore == best.QualityScore && modified[m.FileID].After(modified[best.FileID])) {
			best = m
		}
	}
	return best.FileID
}

func reasonForKind(kind MatchKind) string {
	switch kind {
	case MatchExactChecksum:
		return "identical_checksum"
	case MatchContentHash:
		return "identical_content"
	case MatchSizeName:
		return "same_name_and_size"
	case MatchVersionSibling:
		return "newest_version"
	default:
		return "similar_name_and_size"
	}
}

func summarize(groups []Group) Summary {
	s := Summary{RiskHistogram: map[Risk]int{}}
	for _, g := range groups {
		s.TotalGroups++
		s.DuplicateMembers += len(g.Members)
		s.ReclaimableBytes += g.SpaceReclaimable
		s.RiskHistogram[g.Risk]++
	}
	return s
}

// sortGroups orders groups largest-savings-first for stable output.
func sortGroups(groups []Group) {
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].SpaceReclaimable != groups[j].SpaceReclaimable {
			return groups[i].SpaceReclaimable > groups[j].SpaceReclaimable
		}
		return groups[i].GroupID < groups[j].GroupID
	})
}
