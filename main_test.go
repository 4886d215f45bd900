package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bryan-buckman/sniffle/internal/model"
	"github.com/bryan-buckman/sniffle/internal/syncer"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
database_dsn = %q
enrich = false
log_level = "error"
`, filepath.Join(dir, "cli.db"))
	path := filepath.Join(dir, "sniffle.hcl")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	cmd, cleanup := newRootCmd()
	defer cleanup()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLISubscriptionLifecycle(t *testing.T) {
	cfg := writeConfig(t)

	out, err := runCLI(t, cfg, "add", "https://Example.com/feed.xml", "--folder", "News", "--title", "Example")
	if err != nil {
		t.Fatalf("add: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Subscribed to https://example.com/feed.xml (direct, id 1)") {
		t.Errorf("add output = %q", out)
	}

	if _, err := runCLI(t, cfg, "add", "https://example.com/feed.xml"); err == nil {
		t.Error("duplicate add should fail")
	}

	opmlPath := filepath.Join(t.TempDir(), "in.opml")
	doc := `<opml version="1.0"><body>
  <outline text="Comics"><outline text="xkcd" xmlUrl="https://xkcd.com/atom.xml"/></outline>
  <outline text="Again" xmlUrl="https://example.com/feed.xml/"/>
</body></opml>`
	if err := os.WriteFile(opmlPath, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err = runCLI(t, cfg, "import", opmlPath)
	if err != nil {
		t.Fatalf("import: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Imported 1 feeds, skipped 1 already subscribed") {
		t.Errorf("import output = %q", out)
	}

	exportPath := filepath.Join(t.TempDir(), "out.opml")
	if out, err := runCLI(t, cfg, "export", "--out", exportPath); err != nil {
		t.Fatalf("export: %v\n%s", err, out)
	}
	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`text="News"`, `text="Comics"`, `xmlUrl="https://xkcd.com/atom.xml"`, `xmlUrl="https://example.com/feed.xml"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("export missing %s:\n%s", want, data)
		}
	}

	out, err = runCLI(t, cfg, "log", "1")
	if err != nil {
		t.Fatalf("log: %v\n%s", err, out)
	}
	if !strings.HasPrefix(out, "Example (https://example.com/feed.xml)") {
		t.Errorf("log output = %q", out)
	}
	if _, err := runCLI(t, cfg, "log", "abc"); err == nil {
		t.Error("non-numeric feed id should fail")
	}
	if _, err := runCLI(t, cfg, "log", "99"); err == nil {
		t.Error("unknown feed should fail")
	}
}

func TestCLISyncWithNoFeeds(t *testing.T) {
	out, err := runCLI(t, writeConfig(t), "sync")
	if err != nil {
		t.Fatalf("sync: %v\n%s", err, out)
	}
	if !strings.Contains(out, "0 feeds, 0 new articles, 0 failed") {
		t.Errorf("sync output = %q", out)
	}
}

func TestPrintRun(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	run := &syncer.RunResult{
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Feeds: []syncer.FeedResult{
			{URL: "https://a.example/feed", Status: model.SyncOK, NewArticles: 2, Message: "2 new of 5 items"},
			{URL: "https://b.example/feed", Status: model.SyncNotModified},
			{URL: "https://c.example/feed", Status: model.SyncError, Message: "HTTP 500"},
		},
	}
	var buf bytes.Buffer
	printRun(&buf, run)
	out := buf.String()
	for _, want := range []string{"https://a.example/feed", "2 new of 5 items", "HTTP 500", "3 feeds, 2 new articles, 1 failed in 1.5s"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
