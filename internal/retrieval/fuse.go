package retrieval

import (
	"sort"

	"engram/internal/types"
)

// fuse merges sub-plan rankings with reciprocal-rank fusion:
// score = sum over plans of 1/(k + rank). Matched statements are unioned
// across plans, best rank first, capped.
func fuse(results []planResult, k int) []episodeHit {
	if k <= 0 {
		k = 60
	}
	type fused struct {
		score      float64
		statements []types.Statement
		seen       map[string]bool
	}
	byEpisode := make(map[string]*fused)

	for _, pr := range results {
		for rank, hit := range pr.hits {
			f := byEpisode[hit.uuid]
			if f == nil {
				f = &fused{seen: make(map[string]bool)}
				byEpisode[hit.uuid] = f
			}
			f.score += 1 / float64(k+rank+1)
			for _, st := range hit.statements {
				if f.seen[st.UUID] {
					continue
				}
				f.seen[st.UUID] = true
				f.statements = append(f.statements, st)
			}
		}
	}

	out := make([]episodeHit, 0, len(byEpisode))
	for uuid, f := range byEpisode {
		sts := f.statements
		if len(sts) > matchedStatementCap {
			sts = sts[:matchedStatementCap]
		}
		out = append(out, episodeHit{uuid: uuid, score: f.score, statements: sts})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}
