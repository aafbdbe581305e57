// Package embedding 向量化服务单元测试
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

// fakeEmbedder 可编程的底层 embedder
type fakeEmbedder struct {
	dimension int
	calls     int
	failUntil int   // 前 N 次调用返回错误
	failWith  error // 返回的错误
	batches   [][]string
}

func (f *fakeEmbedder) EmbedStrings(ctx context.Context, texts []string) ([][]float64, error) {
	f.calls++
	f.batches = append(f.batches, texts)
	if f.calls <= f.failUntil {
		return nil, f.failWith
	}

	vectors := make([][]float64, len(texts))
	for i := range texts {
		vec := make([]float64, f.dimension)
		vec[0] = float64(len(texts[i])) + 1
		vectors[i] = vec
	}
	return vectors, nil
}

// ========== 归一化与元数据 ==========

func TestProvider_NormalizesVectors(t *testing.T) {
	p := NewProvider(&fakeEmbedder{dimension: 4}, "test-model", 4)

	vectors, err := p.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	var norm float64
	for _, v := range vectors[0] {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1.0) > 1e-5 {
		t.Errorf("vector norm^2 = %v, want 1.0", norm)
	}
}

func TestProvider_Metadata(t *testing.T) {
	p := NewProvider(&fakeEmbedder{dimension: 8}, "test-model", 8, WithDeterministic(true))

	if p.ModelID() != "test-model" {
		t.Errorf("ModelID = %q, want test-model", p.ModelID())
	}
	if p.Dimension() != 8 {
		t.Errorf("Dimension = %d, want 8", p.Dimension())
	}
	if !p.Deterministic() {
		t.Error("Deterministic = false, want true")
	}
}

func TestProvider_CountTokens(t *testing.T) {
	p := NewProvider(&fakeEmbedder{dimension: 4}, "test-model", 4)

	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"one", 1},
		{"the quick brown fox", 4},
		{"  spaced   out  ", 2},
	}
	for _, tt := range tests {
		if got := p.CountTokens(tt.text); got != tt.want {
			t.Errorf("CountTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

// ========== 批处理 ==========

func TestProvider_Batching(t *testing.T) {
	fake := &fakeEmbedder{dimension: 4}
	p := NewProvider(fake, "test-model", 4, WithBatchSize(2))

	texts := []string{"a", "b", "c", "d", "e"}
	vectors, err := p.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vectors) != 5 {
		t.Errorf("len(vectors) = %d, want 5", len(vectors))
	}
	if fake.calls != 3 {
		t.Errorf("underlying calls = %d, want 3 for batch size 2", fake.calls)
	}
	if len(fake.batches[0]) != 2 || len(fake.batches[2]) != 1 {
		t.Errorf("batch sizes = %v, want [2 2 1]", fake.batches)
	}
}

func TestProvider_EmptyInput(t *testing.T) {
	fake := &fakeEmbedder{dimension: 4}
	p := NewProvider(fake, "test-model", 4)

	vectors, err := p.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed(nil) failed: %v", err)
	}
	if vectors != nil {
		t.Errorf("vectors = %v, want nil", vectors)
	}
	if fake.calls != 0 {
		t.Errorf("underlying called %d times for empty input", fake.calls)
	}
}

// ========== 重试 ==========

func TestProvider_RetriesTransientErrors(t *testing.T) {
	fake := &fakeEmbedder{
		dimension: 4,
		failUntil: 2,
		failWith:  errors.New("connection reset"),
	}
	p := NewProvider(fake, "test-model", 4)

	vectors, err := p.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("Embed should succeed after retries: %v", err)
	}
	if len(vectors) != 1 {
		t.Errorf("len(vectors) = %d, want 1", len(vectors))
	}
	if fake.calls != 3 {
		t.Errorf("calls = %d, want 3 (two failures + success)", fake.calls)
	}
}

func TestProvider_GivesUpAfterMaxAttempts(t *testing.T) {
	fake := &fakeEmbedder{
		dimension: 4,
		failUntil: 100,
		failWith:  errors.New("connection reset"),
	}
	p := NewProvider(fake, "test-model", 4)

	_, err := p.Embed(context.Background(), []string{"hello"})
	if err == nil {
		t.Fatal("Embed should fail when provider keeps failing")
	}
	if fake.calls != maxAttempts {
		t.Errorf("calls = %d, want %d", fake.calls, maxAttempts)
	}
}

func TestProvider_PermanentErrorNoRetry(t *testing.T) {
	fake := &fakeEmbedder{
		dimension: 4,
		failUntil: 100,
		failWith:  errors.New("401 unauthorized"),
	}
	p := NewProvider(fake, "test-model", 4)

	_, err := p.Embed(context.Background(), []string{"hello"})
	if err == nil {
		t.Fatal("Embed should fail on permanent error")
	}
	if fake.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent error)", fake.calls)
	}
}

func TestProvider_DimensionMismatch(t *testing.T) {
	fake := &fakeEmbedder{dimension: 3}
	p := NewProvider(fake, "test-model", 4)

	if _, err := p.Embed(context.Background(), []string{"hello"}); err == nil {
		t.Fatal("Embed should fail on dimension mismatch")
	}
}

func TestProvider_CancelledContext(t *testing.T) {
	fake := &fakeEmbedder{
		dimension: 4,
		failUntil: 100,
		failWith:  fmt.Errorf("transient"),
	}
	p := NewProvider(fake, "test-model", 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := p.Embed(ctx, []string{"hello"})
	if err == nil {
		t.Fatal("Embed should fail with cancelled context")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancelled embed took too long, backoff not interrupted")
	}
}

// ========== 本地模型 ==========

func TestLocalEmbedder_Deterministic(t *testing.T) {
	e := NewLocalEmbedder(64)

	v1, err := e.EmbedStrings(context.Background(), []string{"the lazy dog"})
	if err != nil {
		t.Fatal(err)
	}
	v2, err := e.EmbedStrings(context.Background(), []string{"the lazy dog"})
	if err != nil {
		t.Fatal(err)
	}

	for i := range v1[0] {
		if v1[0][i] != v2[0][i] {
			t.Fatalf("local embedder not deterministic at dim %d", i)
		}
	}
}

func TestLocalEmbedder_SimilarTextsCloser(t *testing.T) {
	e := NewLocalEmbedder(256)
	p := NewProvider(e, "local-test", 256, WithDeterministic(true))

	vectors, err := p.Embed(context.Background(), []string{
		"the quick brown fox jumps over the lazy dog",
		"lazy dog",
		"quantum chromodynamics lattice simulation",
	})
	if err != nil {
		t.Fatal(err)
	}

	related := dot(vectors[0], vectors[1])
	unrelated := dot(vectors[0], vectors[2])
	if related <= unrelated {
		t.Errorf("related similarity %v <= unrelated %v", related, unrelated)
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
