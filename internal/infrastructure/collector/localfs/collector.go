// Package localfs collects documents from a directory tree.
package localfs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/infrastructure/extractor"
)

const maxLineBytes = 8 << 20

// Collector reads .jsonl files (one document per line) and single-document
// text, markdown, html and pdf files. Unreadable files are logged and skipped.
type Collector struct {
	basePath string
	spec     domain.SourceSpec
	logger   *zap.Logger
}

func New(spec domain.SourceSpec, logger *zap.Logger) (*Collector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(spec.Path) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "localfs collector", errors.New("path is required"))
	}
	return &Collector{
		basePath: spec.Path,
		spec:     spec,
		logger:   logger.Named("localfs").With(zap.String("path", spec.Path)),
	}, nil
}

func (c *Collector) Name() string {
	return "localfs:" + c.basePath
}

func (c *Collector) Produce(ctx context.Context) iter.Seq2[domain.RawDocument, error] {
	return func(yield func(domain.RawDocument, error) bool) {
		files, err := c.listFiles()
		if err != nil {
			yield(domain.RawDocument{}, err)
			return
		}
		for _, path := range files {
			if ctx.Err() != nil {
				return
			}
			if !c.produceFile(ctx, path, yield) {
				return
			}
		}
	}
}

func (c *Collector) listFiles() ([]string, error) {
	info, err := os.Stat(c.basePath)
	if err != nil {
		return nil, fmt.Errorf("stat source path: %w", err)
	}
	if !info.IsDir() {
		return []string{c.basePath}, nil
	}

	var files []string
	err = filepath.WalkDir(c.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != c.basePath && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk source path: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// produceFile reports false once the consumer stopped.
func (c *Collector) produceFile(ctx context.Context, path string, yield func(domain.RawDocument, error) bool) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".jsonl" {
		return c.produceJSONL(ctx, path, yield)
	}

	format, ok := extractor.FormatForExtension(ext)
	if !ok {
		c.logger.Debug("file_skipped", zap.String("file", path), zap.String("reason", "unsupported_extension"))
		return true
	}
	content, err := os.ReadFile(path)
	if err != nil {
		c.logger.Warn("file_unreadable", zap.String("file", path), zap.Error(err))
		return true
	}
	body, err := extractor.Text(content, format)
	if err != nil {
		c.logger.Warn("file_extract_failed", zap.String("file", path), zap.Error(err))
		return true
	}

	doc := domain.RawDocument{
		Title:     strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Body:      body,
		SourceURL: fileURL(path),
	}
	if info, err := os.Stat(path); err == nil {
		doc.PublishedAt = info.ModTime().UTC()
	}
	return yield(c.withDefaults(doc), nil)
}

func (c *Collector) produceJSONL(ctx context.Context, path string, yield func(domain.RawDocument, error) bool) bool {
	f, err := os.Open(path)
	if err != nil {
		c.logger.Warn("file_unreadable", zap.String("file", path), zap.Error(err))
		return true
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return false
		}
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var doc domain.RawDocument
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			c.logger.Warn("jsonl_line_malformed", zap.String("file", path), zap.Int("line", line), zap.Error(err))
			continue
		}
		if !yield(c.withDefaults(doc), nil) {
			return false
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("jsonl_read_failed", zap.String("file", path), zap.Int("line", line), zap.Error(err))
	}
	return true
}

// withDefaults fills metadata the document itself does not carry from the job's source spec.
func (c *Collector) withDefaults(doc domain.RawDocument) domain.RawDocument {
	if doc.Jurisdiction == "" {
		doc.Jurisdiction = c.spec.Jurisdiction
	}
	if doc.SubJurisdiction == "" {
		doc.SubJurisdiction = c.spec.SubJurisdiction
	}
	if doc.DocumentType == "" {
		doc.DocumentType = c.spec.DocumentType
	}
	if doc.Language == "" {
		doc.Language = c.spec.Language
	}
	return doc
}

func fileURL(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "file://" + filepath.ToSlash(path)
}
