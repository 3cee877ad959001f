package ingestion

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cluebase/backend/pkg/logger"
)

// Fetcher loads page content from the web or from disk.
type Fetcher struct {
	httpClient *http.Client
	maxBytes   int64
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   5 << 20,
	}
}

// FetchURL downloads a single page.
func (f *Fetcher) FetchURL(ctx context.Context, workspaceID, botID, pageURL string) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return Document{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "cluebase-ingest/1.0")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("fetch %s returned status %d", pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return Document{}, fmt.Errorf("failed to read %s: %w", pageURL, err)
	}

	logger.Debug("Fetched page", zap.String("url", pageURL), zap.Int("bytes", len(body)))
	return Document{WorkspaceID: workspaceID, BotID: botID, URL: pageURL, Content: string(body)}, nil
}

var documentExts = map[string]bool{".html": true, ".htm": true, ".md": true, ".txt": true}

// ReadDir loads every html, markdown or text file under dir. Each document's
// URL is baseURL joined with its relative path, or the file path when
// baseURL is empty.
func (f *Fetcher) ReadDir(workspaceID, botID, dir, baseURL string) ([]Document, error) {
	var docs []Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !documentExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		url := path
		if baseURL != "" {
			url = strings.TrimSuffix(baseURL, "/") + "/" + filepath.ToSlash(rel)
		}

		docs = append(docs, Document{
			WorkspaceID: workspaceID,
			BotID:       botID,
			URL:         url,
			Content:     string(content),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return docs, nil
}
