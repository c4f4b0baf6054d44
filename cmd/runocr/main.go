package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/docparse/constants"
	"github.com/joseph-ayodele/docparse/internal/app"
	"github.com/joseph-ayodele/docparse/internal/common"
)

func main() {
	cfg := common.LoadConfig()
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if len(os.Args) != 2 {
		logger.Error("usage", "cmd", "runocr <file>")
		os.Exit(2)
	}
	path := os.Args[1]

	mimeType := constants.MimeTypeFromExt(filepath.Ext(path))
	if mimeType == "" {
		logger.Error("unsupported file extension", "path", path)
		os.Exit(2)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("read file", "path", path, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	client := app.NewOCR(cfg.OCR, logger)
	if !client.CheckHealth(ctx) {
		logger.Warn("ocr service reports unhealthy", "base_url", cfg.OCR.BaseURL)
	}

	start := time.Now()
	res, err := client.Parse(ctx, data, mimeType)
	dur := time.Since(start)
	if err != nil {
		logger.Error("ocr failed", "path", path, "error", err, "duration_ms", dur.Milliseconds())
		os.Exit(1)
	}

	logger.Info("ocr OK",
		"path", path,
		"mime_type", mimeType,
		"pages", res.PageCount,
		"bytes", len(res.Markdown),
		"duration_ms", dur.Milliseconds(),
	)
	fmt.Println(res.Markdown)
}
