package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// OCR 通过 tesseract 子进程识别图片文字
// 未安装 tesseract 时 Available 返回 false，调用方跳过并告警
type OCR struct {
	once      sync.Once
	binary    string
	available bool
}

// NewOCR 创建 OCR 封装
func NewOCR() *OCR {
	return &OCR{}
}

// Available tesseract 是否可用
func (o *OCR) Available() bool {
	o.once.Do(func() {
		path, err := exec.LookPath("tesseract")
		if err == nil {
			o.binary = path
			o.available = true
		}
	})
	return o.available
}

// Run 识别图片内容
func (o *OCR) Run(ctx context.Context, fileName string, r io.Reader) (string, error) {
	if !o.Available() {
		return "", fmt.Errorf("tesseract not installed")
	}

	// tesseract 需要文件路径，先落临时文件
	tmp, err := os.CreateTemp("", "kbhub-ocr-*"+filepath.Ext(fileName))
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	tmp.Close()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, o.binary, tmp.Name(), "stdout")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract failed: %w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}
