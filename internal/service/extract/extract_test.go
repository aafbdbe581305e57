// Package extract 抽取器单元测试
package extract

import (
	"context"
	"strings"
	"testing"

	"github.com/ashwinyue/kbhub/internal/model"
)

// ========== 格式检测 ==========

func TestDetectFormat_ByExtension(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"notes.txt", model.FormatText},
		{"README.md", model.FormatText},
		{"main.go", model.FormatText},
		{"report.pdf", model.FormatPDF},
		{"letter.docx", model.FormatDocx},
		{"page.html", model.FormatHTML},
		{"photo.JPG", model.FormatImage},
		{"archive.xyz", model.FormatText}, // 未知扩展名按文本
		{"noext", model.FormatText},
	}
	for _, tt := range tests {
		if got := DetectFormat(tt.name, nil); got != tt.want {
			t.Errorf("DetectFormat(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestDetectFormat_MagicBytesWinOverExtension(t *testing.T) {
	// PDF 魔数优先于 .txt 扩展名
	head := []byte("%PDF-1.7\n%âãÏÓ\n")
	if got := DetectFormat("mislabeled.txt", head); got != model.FormatPDF {
		t.Errorf("DetectFormat with pdf magic = %q, want pdf", got)
	}

	// PNG 魔数
	png := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}
	if got := DetectFormat("image.dat", png); got != model.FormatImage {
		t.Errorf("DetectFormat with png magic = %q, want image", got)
	}
}

// ========== 文本抽取 ==========

func collectSegments(t *testing.T, e *Extractor, format, name, content string) []Segment {
	t.Helper()
	var segs []Segment
	err := e.Extract(context.Background(), format, name, strings.NewReader(content), func(seg Segment) error {
		segs = append(segs, seg)
		return nil
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	return segs
}

func TestExtract_PlainText(t *testing.T) {
	e := NewExtractor()
	segs := collectSegments(t, e, model.FormatText, "a.txt", "hello world")

	if len(segs) != 1 {
		t.Fatalf("len(segs) = %d, want 1", len(segs))
	}
	if segs[0].Text != "hello world" {
		t.Errorf("Text = %q, want 'hello world'", segs[0].Text)
	}
}

func TestExtract_WhitespaceOnlyYieldsNothing(t *testing.T) {
	e := NewExtractor()
	segs := collectSegments(t, e, model.FormatText, "blank.txt", "   \n\t  ")

	if len(segs) != 0 {
		t.Errorf("len(segs) = %d, want 0 for whitespace-only input", len(segs))
	}
}

func TestExtract_InvalidUTF8Replaced(t *testing.T) {
	e := NewExtractor()
	segs := collectSegments(t, e, model.FormatText, "latin.txt", "caf\xe9 latte")

	if len(segs) != 1 {
		t.Fatalf("len(segs) = %d, want 1", len(segs))
	}
	if !strings.Contains(segs[0].Text, "caf") || !strings.Contains(segs[0].Text, "latte") {
		t.Errorf("Text = %q, invalid byte handling broke content", segs[0].Text)
	}
}

func TestExtract_UnsupportedFormat(t *testing.T) {
	e := NewExtractor()
	err := e.Extract(context.Background(), "spreadsheet", "x.xls", strings.NewReader(""), func(Segment) error {
		return nil
	})
	if model.KindOf(err) != model.ErrUnsupportedFormat {
		t.Errorf("error kind = %v, want unsupported_format", model.KindOf(err))
	}
}

func TestExtract_CancelledContext(t *testing.T) {
	e := NewExtractor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Extract(ctx, model.FormatText, "a.txt", strings.NewReader("hello"), func(Segment) error {
		return nil
	})
	if model.KindOf(err) != model.ErrCancelled {
		t.Errorf("error kind = %v, want cancelled", model.KindOf(err))
	}
}
