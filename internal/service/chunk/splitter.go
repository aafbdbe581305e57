// Package chunk 提供 token 感知的文本分块
package chunk

import (
	"regexp"
	"strings"
)

// Piece 一个已完成的分块
type Piece struct {
	Text       string
	Index      int // 文档内 0 起始连续序号
	TokenCount int
	Page       int
	Paragraph  int
}

// Splitter 流式分块器
// 逐段喂入抽取结果，按 段落 > 句子 > 词 的优先级断句，
// 永不拆分单个 token；启用重叠时把上一块的尾部 token 重放为下一块的头部
type Splitter struct {
	chunkSize      int
	overlap        int
	overlapEnabled bool
	countTokens    func(string) int

	buf       []string // 当前块的 token
	nextIndex int
	page      int // 当前块起始段的提示
	paragraph int
	pending   bool // buf 是否已有归属提示
}

var sentenceRe = regexp.MustCompile(`[^.!?。！？]+[.!?。！？]*\s*`)

// NewSplitter 创建分块器
// counter 必须与向量化模型使用同一 token 单位
func NewSplitter(chunkSize, overlap int, overlapEnabled bool, counter func(string) int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}
	return &Splitter{
		chunkSize:      chunkSize,
		overlap:        overlap,
		overlapEnabled: overlapEnabled,
		countTokens:    counter,
	}
}

// Feed 喂入一段文本，返回期间完成的分块
func (s *Splitter) Feed(text string, page, paragraph int) []Piece {
	var out []Piece

	for _, para := range splitParagraphs(text) {
		if !s.pending {
			s.page, s.paragraph = page, paragraph
			s.pending = true
		}

		paraTokens := s.countTokens(para)
		if len(s.buf)+paraTokens <= s.chunkSize {
			// 整段放得下，优先按段落边界断开
			s.buf = append(s.buf, strings.Fields(para)...)
			if len(s.buf) >= s.chunkSize {
				out = append(out, s.emit())
			}
			continue
		}

		for _, sentence := range splitSentences(para) {
			words := strings.Fields(sentence)
			if len(s.buf)+len(words) <= s.chunkSize {
				s.buf = append(s.buf, words...)
				continue
			}

			// 句子放不下：先封当前块，再按词填充
			if len(s.buf) > 0 {
				out = append(out, s.emit())
				s.page, s.paragraph = page, paragraph
			}
			if len(s.buf)+len(words) <= s.chunkSize {
				s.buf = append(s.buf, words...)
				continue
			}

			for _, word := range words {
				if len(s.buf) >= s.chunkSize {
					out = append(out, s.emit())
					s.page, s.paragraph = page, paragraph
				}
				s.buf = append(s.buf, word)
			}
		}

		if len(s.buf) >= s.chunkSize {
			out = append(out, s.emit())
		}
	}
	return out
}

// Flush 结束输入，返回最后一个未满的分块
func (s *Splitter) Flush() []Piece {
	if len(s.buf) == 0 {
		return nil
	}
	// 只剩重叠回放的残留时不再产出新块
	if s.overlapEnabled && s.overlap > 0 && s.nextIndex > 0 && len(s.buf) <= s.overlap {
		s.buf = nil
		return nil
	}
	return []Piece{s.emit()}
}

// emit 封存当前块并准备重叠回放
func (s *Splitter) emit() Piece {
	text := strings.Join(s.buf, " ")
	piece := Piece{
		Text:       text,
		Index:      s.nextIndex,
		TokenCount: len(s.buf),
		Page:       s.page,
		Paragraph:  s.paragraph,
	}
	s.nextIndex++

	if s.overlapEnabled && s.overlap > 0 && s.overlap < len(s.buf) {
		tail := make([]string, s.overlap)
		copy(tail, s.buf[len(s.buf)-s.overlap:])
		s.buf = tail
	} else {
		s.buf = nil
	}
	s.pending = len(s.buf) > 0
	return piece
}

// splitParagraphs 按空行切分段落
func splitParagraphs(text string) []string {
	var paras []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

// splitSentences 按句末标点切分
func splitSentences(text string) []string {
	matches := sentenceRe.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	var sentences []string
	for _, m := range matches {
		m = strings.TrimSpace(m)
		if m != "" {
			sentences = append(sentences, m)
		}
	}
	return sentences
}
