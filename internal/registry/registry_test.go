package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/treesync/host/internal/config"
	apperrors "github.com/treesync/host/internal/errors"
	"github.com/treesync/host/internal/protocol"
	"github.com/treesync/host/internal/session"
	"github.com/treesync/host/internal/storage"
)

type nopChannel struct {
	mu     sync.Mutex
	frames int
}

func (c *nopChannel) Send([]byte) error {
	c.mu.Lock()
	c.frames++
	c.mu.Unlock()
	return nil
}

func (c *nopChannel) Close() error { return nil }

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func markup(t *testing.T, r *Registry, name string) string {
	t.Helper()
	s, ok := r.Get(name)
	if !ok {
		t.Fatalf("document %s not open", name)
	}
	m, err := s.Markup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestOpenFromFilesAndStore(t *testing.T) {
	dir := t.TempDir()
	home := filepath.Join(dir, "home.html")
	writeFile(t, home, `<p>from file</p>`)

	store := newStore(t)
	store.SaveDocument("lobby", `<p>from store</p>`)
	store.SaveDocument("home", `<p>shadowed</p>`)

	r := New(Options{Files: []config.DocumentSource{{Name: "home", Path: home}}}, store, store)
	if err := r.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	names := r.Names()
	if len(names) != 2 || names[0] != "home" || names[1] != "lobby" {
		t.Fatalf("Names() = %v", names)
	}
	if got := markup(t, r, "home"); !strings.Contains(got, "from file") {
		t.Errorf("home markup = %s", got)
	}
	if got := markup(t, r, "lobby"); !strings.Contains(got, "from store") {
		t.Errorf("lobby markup = %s", got)
	}

	list := r.List()
	if list[0].Origin != OriginFile || list[0].Path != home {
		t.Errorf("home info = %+v", list[0])
	}
	if list[1].Origin != OriginStore || list[1].Version != 1 {
		t.Errorf("lobby info = %+v", list[1])
	}
}

func TestOpenFailsOnMissingFile(t *testing.T) {
	r := New(Options{Files: []config.DocumentSource{{Name: "x", Path: "/nonexistent/x.html"}}}, nil, nil)
	if err := r.Open(); err == nil {
		r.Close()
		t.Fatal("expected error for missing file")
	}
}

// TestPublishCreatesAndReloads verifies publish persists and serves.
func TestPublishCreatesAndReloads(t *testing.T) {
	store := newStore(t)
	r := New(Options{Session: session.Config{TickInterval: -1}}, store, nil)
	if err := r.Open(); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx := context.Background()
	info, err := r.Publish(ctx, "home", `<p>one</p>`)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if info.Version != 1 {
		t.Errorf("version = %d, want 1", info.Version)
	}

	s, _ := r.Get("home")
	ch := &nopChannel{}
	if _, err := s.AddConnection(ctx, ch, protocol.JSONCodec{}, session.ConnectionInfo{}); err != nil {
		t.Fatal(err)
	}

	info, err = r.Publish(ctx, "home", `<p>two</p>`)
	if err != nil {
		t.Fatalf("second Publish failed: %v", err)
	}
	if info.Version != 2 {
		t.Errorf("version = %d, want 2", info.Version)
	}
	if got := markup(t, r, "home"); !strings.Contains(got, "two") {
		t.Errorf("markup = %s", got)
	}
	if st := s.Stats(); st.SnapshotsSent < 2 {
		t.Errorf("snapshots sent = %d, want a fresh snapshot after reload", st.SnapshotsSent)
	}

	doc, err := store.GetDocument("home")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Source != `<p>two</p>` || doc.Version != 2 {
		t.Errorf("stored = %+v", doc)
	}
}

func TestPublishWithoutStore(t *testing.T) {
	r := New(Options{}, nil, nil)
	if err := r.Open(); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx := context.Background()
	r.Publish(ctx, "a", `<p>1</p>`)
	info, err := r.Publish(ctx, "a", `<p>2</p>`)
	if err != nil {
		t.Fatal(err)
	}
	if info.Version != 2 {
		t.Errorf("version = %d, want 2", info.Version)
	}
}

func TestPublishRejects(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.html")
	writeFile(t, path, `<p/>`)

	store := newStore(t)
	r := New(Options{Files: []config.DocumentSource{{Name: "file", Path: path}}}, store, nil)
	if err := r.Open(); err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	ctx := context.Background()

	if _, err := r.Publish(ctx, "file", `<p/>`); err == nil {
		t.Error("publishing over a file document should fail")
	}
	_, err := r.Publish(ctx, "broken", `<button onclick="explode now">x</button>`)
	if !apperrors.IsCode(err, apperrors.CodeBehaviorUnknownVerb) {
		t.Errorf("broken rule err = %v", err)
	}
	if _, err := r.Publish(ctx, "a/b", `<p/>`); err == nil {
		t.Error("name with slash should fail")
	}
	if _, ok := r.Get("broken"); ok {
		t.Error("broken document was opened")
	}
	if _, err := store.GetDocument("broken"); err != storage.ErrDocumentNotFound {
		t.Errorf("broken document was stored: %v", err)
	}
}

// TestFileChangeReloads verifies the poller picks up edits.
func TestFileChangeReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "home.html")
	writeFile(t, path, `<p>before</p>`)

	r := New(Options{
		Files:        []config.DocumentSource{{Name: "home", Path: path}},
		PollInterval: 10 * time.Millisecond,
	}, nil, nil)
	if err := r.Open(); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	writeFile(t, path, `<p>after the edit</p>`)
	eventually(t, func() bool {
		return strings.Contains(markup(t, r, "home"), "after the edit")
	}, "reload")

	// A deleted file keeps the last tree.
	os.Remove(path)
	time.Sleep(50 * time.Millisecond)
	if got := markup(t, r, "home"); !strings.Contains(got, "after the edit") {
		t.Errorf("markup after delete = %s", got)
	}
}

// TestPresenceSurvivesReload verifies the observer count is rewritten.
func TestPresenceSurvivesReload(t *testing.T) {
	r := New(Options{PresenceAttribute: "observers", Session: session.Config{TickInterval: -1}}, nil, nil)
	if err := r.Open(); err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	ctx := context.Background()

	r.Publish(ctx, "home", `<p>1</p>`)
	s, _ := r.Get("home")
	if _, err := s.AddConnection(ctx, &nopChannel{}, protocol.BinaryCodec{}, session.ConnectionInfo{}); err != nil {
		t.Fatal(err)
	}
	if got := markup(t, r, "home"); !strings.Contains(got, `observers="1"`) {
		t.Fatalf("markup = %s", got)
	}

	r.Publish(ctx, "home", `<p>2</p>`)
	if got := markup(t, r, "home"); !strings.Contains(got, `observers="1"`) {
		t.Errorf("markup after reload = %s", got)
	}
}

// TestConnectionsAreAudited verifies open and close land in the log.
func TestConnectionsAreAudited(t *testing.T) {
	store := newStore(t)
	r := New(Options{}, store, store)
	if err := r.Open(); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	r.Publish(ctx, "home", `<p/>`)
	s, _ := r.Get("home")

	id, err := s.AddConnection(ctx, &nopChannel{}, protocol.JSONCodec{},
		session.ConnectionInfo{RemoteAddr: "10.0.0.9:1234", Subject: "kiosk"})
	if err != nil {
		t.Fatal(err)
	}
	s.AddConnection(ctx, &nopChannel{}, protocol.JSONCodec{}, session.ConnectionInfo{})

	recs, err := store.ListConnections("home", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}

	s.RemoveConnection(id, apperrors.KeepaliveTimeout(uint32(id), 3))
	eventually(t, func() bool {
		recs, _ := store.ListConnections("home", 0)
		for _, rec := range recs {
			if rec.ConnectionID == uint32(id) {
				return rec.ClosedAt != nil && rec.CloseReason == apperrors.CodeSessionKeepaliveTimeout
			}
		}
		return false
	}, "close record")

	// Closing the registry closes the remaining record.
	r.Close()
	recs, _ = store.ListConnections("home", 0)
	for _, rec := range recs {
		if rec.ClosedAt == nil {
			t.Errorf("record %s still open", rec.ID)
		}
		if rec.ConnectionID == uint32(id) && rec.Subject != "kiosk" {
			t.Errorf("subject = %q", rec.Subject)
		}
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"home", "lobby-2", "a.b", "Ünïcode"} {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v", name, err)
		}
	}
	for _, name := range []string{"", ".", "..", "a/b", "a b", "a?b", strings.Repeat("x", 129)} {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil", name)
		}
	}
}

func TestDiffStates(t *testing.T) {
	t0 := time.Unix(100, 0)
	old := map[string]fileState{
		"a": {size: 1, modTime: t0},
		"b": {size: 1, modTime: t0},
		"c": {size: 1, modTime: t0},
		"e": {size: 1, modTime: t0},
	}
	cur := map[string]fileState{
		"a": {size: 1, modTime: t0},
		"b": {size: 2, modTime: t0},
		"d": {size: 1, modTime: t0},
	}
	got := diffStates(old, cur, map[string]bool{"e": true})
	want := []FileChange{{"c", "deleted"}, {"d", "created"}, {"b", "modified"}}
	if len(got) != len(want) {
		t.Fatalf("changes = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("change %d = %v, want %v", i, got[i], want[i])
		}
	}
}
