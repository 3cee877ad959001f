package ingestion

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFetchURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(vacationPage))
	}))
	defer srv.Close()

	f := NewFetcher(time.Second)
	doc, err := f.FetchURL(context.Background(), "ws-1", "", srv.URL+"/hr/vacation-policy")
	if err != nil {
		t.Fatalf("FetchURL: %v", err)
	}
	if doc.WorkspaceID != "ws-1" || doc.Content != vacationPage {
		t.Fatalf("doc = %+v", doc)
	}

	if _, err := f.FetchURL(context.Background(), "ws-1", "", srv.URL+"/missing"); err == nil {
		t.Fatal("expected an error for a 404")
	}
}

func TestReadDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "hr"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"hr/vacation-policy.html": vacationPage,
		"faq.md":                  "# FAQ\nReset your password from the login page.",
		"logo.png":                "binary",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	docs, err := NewFetcher(0).ReadDir("ws-1", "B1", dir, "https://wiki/")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(docs))
	}

	urls := map[string]bool{}
	for _, d := range docs {
		urls[d.URL] = true
		if d.BotID != "B1" {
			t.Fatalf("bot = %q", d.BotID)
		}
	}
	if !urls["https://wiki/hr/vacation-policy.html"] || !urls["https://wiki/faq.md"] {
		t.Fatalf("urls = %v", urls)
	}
}
