// Package knowledge 知识库服务测试
// 使用内置 local 向量模型与临时目录，覆盖摄取、检索、重建与恢复
package knowledge

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ashwinyue/kbhub/internal/model"
	"github.com/ashwinyue/kbhub/internal/repository"
	"github.com/ashwinyue/kbhub/internal/service/embedding"
	"github.com/ashwinyue/kbhub/internal/service/file"
	"github.com/ashwinyue/kbhub/internal/service/index"
	"github.com/ashwinyue/kbhub/internal/service/search"
)

const testFox = "The quick brown fox jumps over the lazy dog."

// newTestStack 组装指向临时目录的完整服务栈
func newTestStack(t *testing.T) (*Service, *search.Service, *repository.Repositories) {
	t.Helper()

	store, err := repository.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(store.Close)
	return newStackOn(t, store)
}

// newStackOn 在已有存储上组装服务（重启模拟用）
func newStackOn(t *testing.T, store *repository.Store) (*Service, *search.Service, *repository.Repositories) {
	t.Helper()

	repos := repository.NewRepositories(store)
	local := embedding.NewLocalEmbedder(256)
	provider := embedding.NewProvider(local, "kbhub-minilm-256", 256, embedding.WithDeterministic(true))
	embedders := embedding.NewRegistry(provider)

	blobs := file.NewStorage(store)
	indexes := index.NewManager(store)
	svc := NewService(repos, blobs, indexes, embedders)
	searchSvc := search.NewService(repos, indexes, embedders)
	return svc, searchSvc, repos
}

func mustCreateKB(t *testing.T, svc *Service, name string) *model.KnowledgeBase {
	t.Helper()
	kb, err := svc.CreateKnowledgeBase(context.Background(), name, "")
	if err != nil {
		t.Fatalf("CreateKnowledgeBase failed: %v", err)
	}
	return kb
}

func mustUpload(t *testing.T, svc *Service, kbID, name, content string) *model.Document {
	t.Helper()
	doc, err := svc.UploadDocument(context.Background(), kbID, name, strings.NewReader(content))
	if err != nil {
		t.Fatalf("UploadDocument(%s) failed: %v", name, err)
	}
	return doc
}

// ========== 知识库 CRUD ==========

func TestCreateKnowledgeBase_DuplicateName(t *testing.T) {
	svc, _, _ := newTestStack(t)
	mustCreateKB(t, svc, "kb1")

	_, err := svc.CreateKnowledgeBase(context.Background(), "kb1", "")
	if model.KindOf(err) != model.ErrConflict {
		t.Errorf("duplicate name error kind = %v, want conflict", model.KindOf(err))
	}
}

func TestGetKnowledgeBase_NotFound(t *testing.T) {
	svc, _, _ := newTestStack(t)

	_, err := svc.GetKnowledgeBase(context.Background(), "missing")
	if model.KindOf(err) != model.ErrNotFound {
		t.Errorf("error kind = %v, want not_found", model.KindOf(err))
	}
}

func TestDeleteKnowledgeBase_RemovesEverything(t *testing.T) {
	svc, searchSvc, repos := newTestStack(t)
	kb := mustCreateKB(t, svc, "kb1")
	mustUpload(t, svc, kb.ID, "hello.txt", testFox)

	if err := svc.DeleteKnowledgeBase(context.Background(), kb.ID); err != nil {
		t.Fatalf("DeleteKnowledgeBase failed: %v", err)
	}

	if repos.Store.Exists(kb.ID) {
		t.Error("kb directory still exists after delete")
	}
	if _, err := svc.GetKnowledgeBase(context.Background(), kb.ID); model.KindOf(err) != model.ErrNotFound {
		t.Errorf("deleted kb lookup kind = %v, want not_found", model.KindOf(err))
	}
	if results, _ := searchSvc.Search(context.Background(), kb, "fox", 5); len(results) != 0 {
		t.Errorf("search against deleted kb returned %d results, want 0", len(results))
	}
}

// ========== 摄取与检索（场景 S1） ==========

func TestUploadAndQuery(t *testing.T) {
	svc, searchSvc, _ := newTestStack(t)
	kb := mustCreateKB(t, svc, "kb1")

	doc := mustUpload(t, svc, kb.ID, "hello.txt", testFox)
	if doc.Status != model.DocStatusReady {
		t.Fatalf("doc status = %s (%s), want ready", doc.Status, doc.ErrorMsg)
	}
	if doc.ChunkCount != 1 {
		t.Errorf("chunk count = %d, want 1", doc.ChunkCount)
	}

	results, err := searchSvc.Search(context.Background(), kb, "lazy dog", 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	r := results[0]
	if r.FileName != "hello.txt" {
		t.Errorf("filename = %q, want hello.txt", r.FileName)
	}
	if !strings.Contains(r.Content, "lazy dog") {
		t.Errorf("content %q does not contain 'lazy dog'", r.Content)
	}
	if r.Score <= 0.5 {
		t.Errorf("score = %v, want > 0.5", r.Score)
	}
}

// 写后读：上传返回即可检索
func TestReadYourWrites(t *testing.T) {
	svc, searchSvc, _ := newTestStack(t)
	kb := mustCreateKB(t, svc, "kb1")

	start := time.Now()
	mustUpload(t, svc, kb.ID, "note.txt", "zebras migrate across the serengeti every year")

	results, err := searchSvc.Search(context.Background(), kb, "zebras migrate", 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("freshly uploaded content not found")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("upload+query took %v, want <= 2s", elapsed)
	}
}

// ========== 空文档（场景 S3） ==========

func TestWhitespaceOnlyDocument(t *testing.T) {
	svc, searchSvc, _ := newTestStack(t)
	kb := mustCreateKB(t, svc, "kb1")

	doc := mustUpload(t, svc, kb.ID, "blank.txt", strings.Repeat(" ", 50))
	if doc.Status != model.DocStatusReady {
		t.Errorf("status = %s, want ready for whitespace-only file", doc.Status)
	}
	if doc.ChunkCount != 0 {
		t.Errorf("chunk count = %d, want 0", doc.ChunkCount)
	}

	mustUpload(t, svc, kb.ID, "hello.txt", testFox)
	results, err := searchSvc.Search(context.Background(), kb, "fox", 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.FileName == "blank.txt" {
			t.Errorf("empty document appears in results: %+v", r)
		}
	}
}

// ========== 不变量：分块连续、向量对齐 ==========

func TestChunkDensityAndVectorParity(t *testing.T) {
	svc, _, repos := newTestStack(t)
	kb := mustCreateKB(t, svc, "kb1")

	long := strings.Repeat("alpha beta gamma delta epsilon zeta eta theta. ", 200)
	doc := mustUpload(t, svc, kb.ID, "long.txt", long)
	if doc.Status != model.DocStatusReady {
		t.Fatalf("status = %s (%s), want ready", doc.Status, doc.ErrorMsg)
	}
	if doc.ChunkCount < 2 {
		t.Fatalf("expected multiple chunks, got %d", doc.ChunkCount)
	}

	chunks, err := repos.Knowledge.ListChunksByDocument(kb.ID, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Errorf("chunk %d has index %d, sequence not dense", i, c.ChunkIndex)
		}
		if c.EmbedModel != kb.Config.EmbedModel {
			t.Errorf("chunk model = %q, want %q", c.EmbedModel, kb.Config.EmbedModel)
		}
	}

	pair, _, err := svc.indexes.Get(kb.ID, 256, kb.Config.EmbedModel)
	if err != nil {
		t.Fatal(err)
	}
	total, err := repos.Knowledge.CountChunks(kb.ID, kb.Generation)
	if err != nil {
		t.Fatal(err)
	}
	if int64(pair.Vector.Len()) != total {
		t.Errorf("vector count %d != chunk count %d", pair.Vector.Len(), total)
	}
	if int64(pair.Lexical.Len()) != total {
		t.Errorf("lexical count %d != chunk count %d", pair.Lexical.Len(), total)
	}
}

// ========== 删除完备性 ==========

func TestDeleteDocument_Completeness(t *testing.T) {
	svc, searchSvc, _ := newTestStack(t)
	kb := mustCreateKB(t, svc, "kb1")

	keep := mustUpload(t, svc, kb.ID, "keep.txt", "penguins live in antarctica")
	drop := mustUpload(t, svc, kb.ID, "drop.txt", "flamingos live in the tropics")

	if err := svc.DeleteDocument(context.Background(), kb.ID, drop.ID); err != nil {
		t.Fatalf("DeleteDocument failed: %v", err)
	}

	results, err := searchSvc.Search(context.Background(), kb, "flamingos tropics", 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.DocumentID == drop.ID {
			t.Errorf("deleted document still searchable: %+v", r)
		}
	}

	// 留下的文档不受影响
	results, err = searchSvc.Search(context.Background(), kb, "penguins", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 || results[0].DocumentID != keep.ID {
		t.Errorf("surviving document not searchable: %v", results)
	}
}

// ========== 重复处理幂等 ==========

func TestReprocessDocument_Idempotent(t *testing.T) {
	svc, searchSvc, _ := newTestStack(t)
	kb := mustCreateKB(t, svc, "kb1")

	doc := mustUpload(t, svc, kb.ID, "hello.txt", testFox)
	before, err := searchSvc.Search(context.Background(), kb, "lazy dog", 5)
	if err != nil {
		t.Fatal(err)
	}

	redone, err := svc.ReprocessDocument(context.Background(), kb.ID, doc.ID)
	if err != nil {
		t.Fatalf("ReprocessDocument failed: %v", err)
	}
	if redone.ChunkCount != doc.ChunkCount {
		t.Errorf("chunk count changed: %d -> %d", doc.ChunkCount, redone.ChunkCount)
	}

	after, err := searchSvc.Search(context.Background(), kb, "lazy dog", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Fatalf("result count changed: %d -> %d", len(before), len(after))
	}
	for i := range after {
		if after[i].Content != before[i].Content {
			t.Errorf("result %d content changed after reprocess", i)
		}
	}
}

// ========== 配置与重建（场景 S2、S6） ==========

func waitReindex(t *testing.T, svc *Service, kbID string) *ReindexState {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		state := svc.GetReindexProgress(kbID)
		if state != nil && state.Status != ReindexInProgress {
			return state
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("reindex did not finish in time")
	return nil
}

func TestUpdateConfig_TriggersReindex(t *testing.T) {
	svc, searchSvc, _ := newTestStack(t)
	kb := mustCreateKB(t, svc, "kb1")
	mustUpload(t, svc, kb.ID, "hello.txt", testFox)

	next := kb.Config
	next.ChunkSize = 100
	_, started, err := svc.UpdateConfig(context.Background(), kb.ID, next)
	if err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	if !started {
		t.Fatal("chunk size change should trigger reindex")
	}

	state := waitReindex(t, svc, kb.ID)
	if state.Status != ReindexCompleted {
		t.Fatalf("reindex status = %s (%s), want completed", state.Status, state.Error)
	}
	if state.Percent != 100 {
		t.Errorf("percent = %v, want 100", state.Percent)
	}

	stats, err := svc.GetStats(context.Background(), kb.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.FileCount != 1 {
		t.Errorf("file_count = %d, want 1", stats.FileCount)
	}
	if stats.TotalChunks < 1 {
		t.Errorf("total_chunks = %d, want >= 1", stats.TotalChunks)
	}
	if stats.Generation != kb.Generation+1 {
		t.Errorf("generation = %d, want %d", stats.Generation, kb.Generation+1)
	}

	fresh, err := svc.GetKnowledgeBase(context.Background(), kb.ID)
	if err != nil {
		t.Fatal(err)
	}
	results, err := searchSvc.Search(context.Background(), fresh, "lazy dog", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 || results[0].FileName != "hello.txt" {
		t.Errorf("post-reindex search lost the document: %v", results)
	}
}

func TestReindex_ConflictWhileRunning(t *testing.T) {
	svc, _, _ := newTestStack(t)
	kb := mustCreateKB(t, svc, "kb1")

	// 模拟进行中的重建
	svc.mu.Lock()
	svc.reindex[kb.ID] = &ReindexState{Status: ReindexInProgress}
	svc.mu.Unlock()

	if err := svc.StartReindex(kb.ID); model.KindOf(err) != model.ErrConflict {
		t.Errorf("StartReindex during reindex kind = %v, want conflict", model.KindOf(err))
	}
	if _, err := svc.UploadDocument(context.Background(), kb.ID, "x.txt", strings.NewReader("hi")); model.KindOf(err) != model.ErrConflict {
		t.Errorf("upload during reindex kind = %v, want conflict", model.KindOf(err))
	}
}

func TestUpdateConfig_Validation(t *testing.T) {
	svc, _, _ := newTestStack(t)
	kb := mustCreateKB(t, svc, "kb1")

	bad := kb.Config
	bad.HybridAlpha = 1.5
	if _, _, err := svc.UpdateConfig(context.Background(), kb.ID, bad); model.KindOf(err) != model.ErrInvalidInput {
		t.Errorf("alpha out of range kind = %v, want invalid_input", model.KindOf(err))
	}

	bad = kb.Config
	bad.ChunkOverlap = bad.ChunkSize
	if _, _, err := svc.UpdateConfig(context.Background(), kb.ID, bad); model.KindOf(err) != model.ErrInvalidInput {
		t.Errorf("overlap >= chunk size kind = %v, want invalid_input", model.KindOf(err))
	}

	bad = kb.Config
	bad.EmbedModel = "no-such-model"
	if _, _, err := svc.UpdateConfig(context.Background(), kb.ID, bad); model.KindOf(err) != model.ErrInvalidInput {
		t.Errorf("unknown model kind = %v, want invalid_input", model.KindOf(err))
	}
}

// ========== 启动恢复 ==========

func TestStartup_MarksInterruptedDocumentsFailed(t *testing.T) {
	svc, _, repos := newTestStack(t)
	kb := mustCreateKB(t, svc, "kb1")

	// 直接写入一个停在中间状态的文档，模拟崩溃
	stuck := &model.Document{
		ID:              "stuck-doc",
		KnowledgeBaseID: kb.ID,
		FileName:        "stuck.txt",
		Format:          model.FormatText,
		Status:          model.DocStatusEmbedding,
	}
	if err := repos.Knowledge.CreateDocument(kb.ID, stuck); err != nil {
		t.Fatal(err)
	}

	if err := svc.Startup(context.Background()); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}

	repaired, err := repos.Knowledge.GetDocument(kb.ID, "stuck-doc")
	if err != nil {
		t.Fatal(err)
	}
	if repaired.Status != model.DocStatusFailed {
		t.Errorf("interrupted doc status = %s, want failed", repaired.Status)
	}
}

func TestStartup_RebuildsMissingIndexes(t *testing.T) {
	store, err := repository.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(store.Close)

	svc, _, _ := newStackOn(t, store)
	kb := mustCreateKB(t, svc, "kb1")
	mustUpload(t, svc, kb.ID, "hello.txt", testFox)

	// 删除索引文件后用新的服务栈重启
	if err := os.Remove(store.VectorIndexPath(kb.ID)); err != nil {
		t.Fatal(err)
	}

	svc2, searchSvc2, _ := newStackOn(t, store)
	if err := svc2.Startup(context.Background()); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}

	fresh, err := svc2.GetKnowledgeBase(context.Background(), kb.ID)
	if err != nil {
		t.Fatal(err)
	}
	results, err := searchSvc2.Search(context.Background(), fresh, "lazy dog", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("search after rebuild = %d results, want 1", len(results))
	}
}

// ========== 相似文档 ==========

func TestFindSimilar_ExcludesSource(t *testing.T) {
	svc, searchSvc, _ := newTestStack(t)
	kb := mustCreateKB(t, svc, "kb1")

	a := mustUpload(t, svc, kb.ID, "a.txt", "the quick brown fox jumps over the lazy dog")
	mustUpload(t, svc, kb.ID, "b.txt", "a lazy dog sleeps under the brown fence")
	mustUpload(t, svc, kb.ID, "c.txt", "tax law amendments for fiscal year twenty")

	results, err := searchSvc.FindSimilar(context.Background(), kb, a.ID, 5)
	if err != nil {
		t.Fatalf("FindSimilar failed: %v", err)
	}
	seen := make(map[string]int)
	for _, r := range results {
		if r.DocumentID == a.ID {
			t.Errorf("source document included in similar results")
		}
		seen[r.DocumentID]++
	}
	for docID, n := range seen {
		if n > 1 {
			t.Errorf("document %s appears %d times, want deduplicated", docID, n)
		}
	}
}
