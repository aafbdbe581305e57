// Package chunk 分块器单元测试
package chunk

import (
	"fmt"
	"strings"
	"testing"
)

func wordCounter(text string) int {
	return len(strings.Fields(text))
}

// ========== 基础行为 ==========

func TestSplitter_SmallTextSingleChunk(t *testing.T) {
	s := NewSplitter(100, 0, false, wordCounter)
	pieces := s.Feed("The quick brown fox jumps over the lazy dog.", 0, 0)
	pieces = append(pieces, s.Flush()...)

	if len(pieces) != 1 {
		t.Fatalf("len(pieces) = %d, want 1", len(pieces))
	}
	if pieces[0].Index != 0 {
		t.Errorf("Index = %d, want 0", pieces[0].Index)
	}
	if !strings.Contains(pieces[0].Text, "lazy dog") {
		t.Errorf("Text %q does not contain 'lazy dog'", pieces[0].Text)
	}
	if pieces[0].TokenCount != 9 {
		t.Errorf("TokenCount = %d, want 9", pieces[0].TokenCount)
	}
}

func TestSplitter_EmptyInput(t *testing.T) {
	s := NewSplitter(100, 10, true, wordCounter)
	if pieces := s.Flush(); pieces != nil {
		t.Errorf("Flush on empty splitter = %v, want nil", pieces)
	}
}

func TestSplitter_WhitespaceOnly(t *testing.T) {
	s := NewSplitter(100, 10, true, wordCounter)
	pieces := s.Feed("   \n\n  \t ", 0, 0)
	pieces = append(pieces, s.Flush()...)

	if len(pieces) != 0 {
		t.Errorf("len(pieces) = %d, want 0 for whitespace-only input", len(pieces))
	}
}

// ========== 序号与容量 ==========

func TestSplitter_DenseSequenceIndices(t *testing.T) {
	s := NewSplitter(10, 0, false, wordCounter)

	var pieces []Piece
	for i := 0; i < 20; i++ {
		pieces = append(pieces, s.Feed(fmt.Sprintf("sentence number %d has a few extra words in it.", i), 0, 0)...)
	}
	pieces = append(pieces, s.Flush()...)

	if len(pieces) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(pieces))
	}
	for i, p := range pieces {
		if p.Index != i {
			t.Errorf("pieces[%d].Index = %d, want %d", i, p.Index, i)
		}
		if p.Text == "" {
			t.Errorf("pieces[%d] is empty", i)
		}
		if p.TokenCount > 10 {
			t.Errorf("pieces[%d].TokenCount = %d, exceeds chunk size 10", i, p.TokenCount)
		}
	}
}

func TestSplitter_NeverSplitsToken(t *testing.T) {
	words := make([]string, 25)
	for i := range words {
		words[i] = fmt.Sprintf("word%02d", i)
	}

	s := NewSplitter(10, 0, false, wordCounter)
	pieces := s.Feed(strings.Join(words, " "), 0, 0)
	pieces = append(pieces, s.Flush()...)

	var got []string
	for _, p := range pieces {
		got = append(got, strings.Fields(p.Text)...)
	}
	if len(got) != len(words) {
		t.Fatalf("token count after chunking = %d, want %d", len(got), len(words))
	}
	for i, w := range words {
		if got[i] != w {
			t.Errorf("token %d = %q, want %q", i, got[i], w)
		}
	}
}

// ========== 重叠 ==========

func TestSplitter_OverlapReplaysTail(t *testing.T) {
	words := make([]string, 30)
	for i := range words {
		words[i] = fmt.Sprintf("w%02d", i)
	}

	s := NewSplitter(10, 3, true, wordCounter)
	pieces := s.Feed(strings.Join(words, " "), 0, 0)
	pieces = append(pieces, s.Flush()...)

	if len(pieces) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(pieces))
	}
	for i := 1; i < len(pieces); i++ {
		prev := strings.Fields(pieces[i-1].Text)
		cur := strings.Fields(pieces[i].Text)
		tail := prev[len(prev)-3:]
		for j, w := range tail {
			if cur[j] != w {
				t.Errorf("chunk %d head[%d] = %q, want overlap token %q", i, j, cur[j], w)
			}
		}
	}
}

func TestSplitter_OverlapDisabled(t *testing.T) {
	words := make([]string, 30)
	for i := range words {
		words[i] = fmt.Sprintf("w%02d", i)
	}

	s := NewSplitter(10, 3, false, wordCounter)
	pieces := s.Feed(strings.Join(words, " "), 0, 0)
	pieces = append(pieces, s.Flush()...)

	total := 0
	for _, p := range pieces {
		total += p.TokenCount
	}
	if total != len(words) {
		t.Errorf("total tokens = %d, want %d without overlap", total, len(words))
	}
}

// ========== 提示保留 ==========

func TestSplitter_PreservesHints(t *testing.T) {
	s := NewSplitter(100, 0, false, wordCounter)
	pieces := s.Feed("some text from page three", 3, 0)
	pieces = append(pieces, s.Flush()...)

	if len(pieces) != 1 {
		t.Fatalf("len(pieces) = %d, want 1", len(pieces))
	}
	if pieces[0].Page != 3 {
		t.Errorf("Page = %d, want 3", pieces[0].Page)
	}
}

func TestSplitter_ParagraphBoundaryPreferred(t *testing.T) {
	para1 := strings.Repeat("alpha ", 6)
	para2 := strings.Repeat("beta ", 6)

	s := NewSplitter(10, 0, false, wordCounter)
	pieces := s.Feed(para1+"\n\n"+para2, 0, 0)
	pieces = append(pieces, s.Flush()...)

	if len(pieces) != 2 {
		t.Fatalf("len(pieces) = %d, want 2 (one per paragraph)", len(pieces))
	}
	if strings.Contains(pieces[0].Text, "beta") {
		t.Errorf("first chunk crosses paragraph boundary: %q", pieces[0].Text)
	}
}
