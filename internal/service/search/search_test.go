// Package search 融合逻辑单元测试
package search

import (
	"testing"

	"github.com/ashwinyue/kbhub/internal/service/index"
)

func vecHits(pairs ...any) []index.VectorHit {
	hits := make([]index.VectorHit, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		hits = append(hits, index.VectorHit{
			ChunkID: pairs[i].(string),
			Score:   pairs[i+1].(float64),
		})
	}
	return hits
}

func lexHits(pairs ...any) []index.LexicalHit {
	hits := make([]index.LexicalHit, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		hits = append(hits, index.LexicalHit{
			ChunkID: pairs[i].(string),
			Score:   pairs[i+1].(float64),
		})
	}
	return hits
}

// ========== 融合分数边界 ==========

func TestFuse_ScoresWithinUnitInterval(t *testing.T) {
	fused := fuse(
		vecHits("a", 0.9, "b", 0.4, "c", -0.2),
		lexHits("b", 7.5, "d", 2.0),
		0.5,
	)

	for _, h := range fused {
		if h.Score < 0 || h.Score > 1 {
			t.Errorf("fused score for %s = %v, outside [0,1]", h.ChunkID, h.Score)
		}
	}
}

func TestFuse_SortedDescending(t *testing.T) {
	fused := fuse(
		vecHits("a", 0.9, "b", 0.5, "c", 0.1),
		lexHits("a", 4.0, "c", 1.0),
		0.5,
	)

	for i := 1; i < len(fused); i++ {
		if fused[i].Score > fused[i-1].Score {
			t.Errorf("fused not sorted at %d: %v > %v", i, fused[i].Score, fused[i-1].Score)
		}
	}
}

// ========== 单边命中 ==========

func TestFuse_MissingSideScoresZero(t *testing.T) {
	// d 只在词法侧，且是词法最低分：归一化为 0，融合分应为 0
	fused := fuse(
		vecHits("a", 0.9),
		lexHits("a", 5.0, "d", 1.0),
		0.5,
	)

	byID := make(map[string]fusedHit)
	for _, h := range fused {
		byID[h.ChunkID] = h
	}

	if byID["a"].Score != 1.0 {
		t.Errorf("both-side top chunk score = %v, want 1.0", byID["a"].Score)
	}
	if byID["d"].VectorScore != nil {
		t.Errorf("vector score for lexical-only chunk should be nil")
	}
	if byID["d"].Score != 0 {
		t.Errorf("lexical-min, vector-missing chunk score = %v, want 0", byID["d"].Score)
	}
}

// ========== α 权重 ==========

func TestFuse_AlphaOneIsVectorOrder(t *testing.T) {
	fused := fuse(
		vecHits("a", 0.9, "b", 0.5),
		lexHits("b", 10.0, "a", 1.0),
		1.0,
	)

	if fused[0].ChunkID != "a" {
		t.Errorf("alpha=1 top = %s, want vector winner a", fused[0].ChunkID)
	}
}

func TestFuse_AlphaZeroIsLexicalOrder(t *testing.T) {
	fused := fuse(
		vecHits("a", 0.9, "b", 0.5),
		lexHits("b", 10.0, "a", 1.0),
		0.0,
	)

	if fused[0].ChunkID != "b" {
		t.Errorf("alpha=0 top = %s, want lexical winner b", fused[0].ChunkID)
	}
}

// ========== 单调性 ==========

func TestFuse_MonotonicInVectorScore(t *testing.T) {
	base := fuse(
		vecHits("a", 0.5, "b", 0.2, "c", 0.8),
		lexHits("a", 3.0, "b", 1.0),
		0.5,
	)
	raised := fuse(
		vecHits("a", 0.7, "b", 0.2, "c", 0.8),
		lexHits("a", 3.0, "b", 1.0),
		0.5,
	)

	scoreOf := func(hits []fusedHit, id string) float64 {
		for _, h := range hits {
			if h.ChunkID == id {
				return h.Score
			}
		}
		return -1
	}

	if scoreOf(raised, "a") < scoreOf(base, "a") {
		t.Errorf("raising vector score lowered fused score: %v -> %v",
			scoreOf(base, "a"), scoreOf(raised, "a"))
	}
}

// ========== 平分处理 ==========

func TestFuse_TieBreakLexicalThenChunkID(t *testing.T) {
	// a 与 b 融合分相同，词法原始分也相同
	fused := fuse(
		vecHits("a", 0.5, "b", 0.5),
		lexHits("a", 2.0, "b", 2.0),
		0.5,
	)
	if len(fused) != 2 {
		t.Fatalf("len(fused) = %d, want 2", len(fused))
	}
	if fused[0].Score != fused[1].Score {
		t.Fatalf("expected tied scores, got %v vs %v", fused[0].Score, fused[1].Score)
	}
	// 词法分也并列时退回 chunk id 升序
	if fused[0].ChunkID != "a" || fused[1].ChunkID != "b" {
		t.Errorf("tie order = [%s %s], want [a b]", fused[0].ChunkID, fused[1].ChunkID)
	}
}

// ========== 归一化 ==========

func TestMinMax_DegenerateSetGetsFullScore(t *testing.T) {
	norm := minMaxVector(vecHits("a", 0.42))
	if len(norm) != 1 || norm[0] != 1 {
		t.Errorf("single-element normalization = %v, want [1]", norm)
	}

	norm = minMaxLexical(lexHits("a", 3.0, "b", 3.0))
	for i, v := range norm {
		if v != 1 {
			t.Errorf("equal-score normalization[%d] = %v, want 1", i, v)
		}
	}
}
