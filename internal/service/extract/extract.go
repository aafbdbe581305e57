// Package extract 提供按格式的文本抽取
// 直接使用 eino-ext 解析组件，避免冗余封装
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"

	"github.com/ashwinyue/kbhub/internal/model"
	"github.com/cloudwego/eino-ext/components/document/parser/docx"
	"github.com/cloudwego/eino-ext/components/document/parser/html"
	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoparser "github.com/cloudwego/eino/components/document/parser"
	"github.com/gabriel-vasile/mimetype"
)

// Segment 抽取出的一段文本及其来源提示
type Segment struct {
	Text      string
	Page      int // 来源页码，0 表示未知
	Paragraph int // 来源段落，0 表示未知
}

// EmitFunc 逐段回调，抽取过程中即可开始分块
type EmitFunc func(Segment) error

// Extractor 文本抽取器
// 纯函数语义：字节流进、文本段出，不落任何持久化
type Extractor struct {
	ocr *OCR
}

// NewExtractor 创建抽取器
func NewExtractor() *Extractor {
	return &Extractor{ocr: NewOCR()}
}

// DetectFormat 检测文件格式：优先魔数，其次扩展名
func DetectFormat(fileName string, head []byte) string {
	if len(head) > 0 {
		switch {
		case mimetype.Detect(head).Is("application/pdf"):
			return model.FormatPDF
		case mimetype.Detect(head).Is("application/vnd.openxmlformats-officedocument.wordprocessingml.document"):
			return model.FormatDocx
		case strings.HasPrefix(mimetype.Detect(head).String(), "image/"):
			return model.FormatImage
		}
	}

	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".txt", ".md", ".py", ".js", ".go", ".css", ".json", ".xml", ".csv", ".log":
		return model.FormatText
	case ".pdf":
		return model.FormatPDF
	case ".docx", ".doc":
		return model.FormatDocx
	case ".html", ".htm":
		return model.FormatHTML
	case ".jpg", ".jpeg", ".png", ".bmp", ".tiff", ".gif":
		return model.FormatImage
	case "":
		return model.FormatText
	default:
		// 未知扩展名按文本处理
		return model.FormatText
	}
}

// Extract 抽取文本并逐段回调
func (e *Extractor) Extract(ctx context.Context, format, fileName string, r io.Reader, emit EmitFunc) error {
	switch format {
	case model.FormatText:
		return e.extractText(ctx, r, emit)
	case model.FormatPDF:
		return e.extractPDF(ctx, fileName, r, emit)
	case model.FormatDocx:
		return e.extractParsed(ctx, format, r, emit)
	case model.FormatHTML:
		return e.extractParsed(ctx, format, r, emit)
	case model.FormatImage:
		return e.extractImage(ctx, fileName, r, emit)
	default:
		return model.NewError(model.ErrUnsupportedFormat,
			fmt.Sprintf("unsupported format: %s", format))
	}
}

// extractText 纯文本直读
func (e *Extractor) extractText(ctx context.Context, r io.Reader, emit EmitFunc) error {
	content, err := io.ReadAll(r)
	if err != nil {
		return model.WrapError(model.ErrExtractionFailed, "failed to read text", err)
	}
	if err := ctx.Err(); err != nil {
		return model.WrapError(model.ErrCancelled, "extraction cancelled", err)
	}

	text := string(bytes.ToValidUTF8(content, []byte("�")))
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return emit(Segment{Text: text})
}

// extractPDF 按页抽取，无文本层的页跳过并告警（PDF 页不做 OCR）
func (e *Extractor) extractPDF(ctx context.Context, fileName string, r io.Reader, emit EmitFunc) error {
	fileParser, err := pdf.NewPDFParser(ctx, &pdf.Config{ToPages: true})
	if err != nil {
		return model.WrapError(model.ErrExtractionFailed, "failed to create pdf parser", err)
	}

	docs, err := fileParser.Parse(ctx, r)
	if err != nil {
		return model.WrapError(model.ErrExtractionFailed, "pdf parse failed", err)
	}

	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return model.WrapError(model.ErrCancelled, "extraction cancelled", err)
		}
		if strings.TrimSpace(doc.Content) == "" {
			// 文本层为空的扫描页：Go 侧无法栅格化 PDF，直接跳过
			log.Printf("Warning: page %d of %s has no text layer, skipping", i+1, fileName)
			continue
		}
		if err := emit(Segment{Text: doc.Content, Page: i + 1}); err != nil {
			return err
		}
	}
	return nil
}

// extractParsed docx/html 走 eino-ext 解析器
func (e *Extractor) extractParsed(ctx context.Context, format string, r io.Reader, emit EmitFunc) error {
	fileParser, err := e.newParser(ctx, format)
	if err != nil {
		return err
	}

	docs, err := fileParser.Parse(ctx, r)
	if err != nil {
		return model.WrapError(model.ErrExtractionFailed, "parser failed", err)
	}

	for i, doc := range docs {
		if strings.TrimSpace(doc.Content) == "" {
			continue
		}
		seg := Segment{Text: doc.Content}
		if len(docs) > 1 {
			seg.Paragraph = i + 1
		}
		if err := emit(seg); err != nil {
			return err
		}
	}
	return nil
}

// extractImage 图片直接走 OCR
func (e *Extractor) extractImage(ctx context.Context, fileName string, r io.Reader, emit EmitFunc) error {
	if !e.ocr.Available() {
		log.Printf("Warning: OCR unavailable, %s yields no text", fileName)
		return nil
	}

	text, err := e.ocr.Run(ctx, fileName, r)
	if err != nil {
		return model.WrapError(model.ErrExtractionFailed, "ocr failed", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return emit(Segment{Text: text})
}

// newParser 创建解析器
func (e *Extractor) newParser(ctx context.Context, format string) (einoparser.Parser, error) {
	switch format {
	case model.FormatDocx:
		return docx.NewDocxParser(ctx, &docx.Config{
			ToSections:      true,
			IncludeComments: false,
			IncludeHeaders:  true,
			IncludeFooters:  false,
			IncludeTables:   true,
		})
	case model.FormatHTML:
		bodySelector := "body"
		return html.NewParser(ctx, &html.Config{Selector: &bodySelector})
	default:
		return nil, model.NewError(model.ErrUnsupportedFormat,
			fmt.Sprintf("no parser for format: %s", format))
	}
}
