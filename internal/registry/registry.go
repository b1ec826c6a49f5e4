// Package registry owns the host's document sessions.
//
// Documents come from two places: files named in the config, which are
// polled and reloaded when they change, and sources published over HTTP or
// the CLI, which are persisted in the store and restored at startup. A
// name configured as a file always wins over a stored source.
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/treesync/host/internal/behavior"
	"github.com/treesync/host/internal/config"
	"github.com/treesync/host/internal/document"
	apperrors "github.com/treesync/host/internal/errors"
	"github.com/treesync/host/internal/session"
	"github.com/treesync/host/internal/storage"
)

// Origin says where a document's source comes from.
type Origin string

const (
	OriginFile  Origin = "file"
	OriginStore Origin = "store"
)

// reloadTimeout bounds a reload triggered by the file poller.
const reloadTimeout = 5 * time.Second

// Options configures a Registry.
type Options struct {
	// RootTag is the synthetic root element of every document.
	RootTag string

	// Session is the template for every session; Name, Behavior and
	// Listeners are filled in per document.
	Session session.Config

	// Files are documents served from disk.
	Files []config.DocumentSource

	// PollInterval is the file poll period. Zero disables polling.
	PollInterval time.Duration

	// PresenceAttribute is kept on each root element as the number of
	// connected observers. Empty disables it.
	PresenceAttribute string
}

// Info describes one document for listings.
type Info struct {
	Name        string        `json:"name"`
	Origin      Origin        `json:"origin"`
	Path        string        `json:"path,omitempty"`
	Version     int64         `json:"version,omitempty"`
	Connections int           `json:"connections"`
	Stats       session.Stats `json:"stats"`
}

type entry struct {
	session *session.Session
	rules   *behavior.Rules
	audit   *connectionAudit
	origin  Origin
	path    string
	version int64
}

// Registry maps document names to running sessions.
type Registry struct {
	opts  Options
	store storage.DocumentStore
	log   storage.ConnectionLog

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	watcher *Watcher
}

// New creates an empty registry. store and log may be nil: without a store
// Publish keeps sources in memory only, and without a log connections are
// not audited.
func New(opts Options, store storage.DocumentStore, log storage.ConnectionLog) *Registry {
	return &Registry{
		opts:    opts,
		store:   store,
		log:     log,
		entries: make(map[string]*entry),
	}
}

// Open starts sessions for every configured file and stored document, then
// starts the file poller. A file that cannot be read fails Open; a stored
// document that no longer parses is skipped with a warning.
func (r *Registry) Open() error {
	var paths []string
	for _, f := range r.opts.Files {
		src, err := os.ReadFile(f.Path)
		if err != nil {
			return fmt.Errorf("read document %s: %w", f.Name, err)
		}
		if err := r.start(f.Name, src, OriginFile, f.Path, 0); err != nil {
			return fmt.Errorf("open document %s: %w", f.Name, err)
		}
		paths = append(paths, f.Path)
	}

	if r.store != nil {
		docs, err := r.store.ListDocuments()
		if err != nil {
			return apperrors.Wrap(apperrors.CodeStorageQueryFailed, "list documents", err)
		}
		for _, d := range docs {
			if _, ok := r.lookup(d.Name); ok {
				glog.Warningf("registry: stored document %s shadowed by a configured file", d.Name)
				continue
			}
			if err := r.start(d.Name, []byte(d.Source), OriginStore, "", d.Version); err != nil {
				glog.Warningf("registry: skipping stored document %s: %v", d.Name, err)
			}
		}
	}

	if len(paths) > 0 && r.opts.PollInterval > 0 {
		r.watcher = NewWatcher(WatcherConfig{
			Paths:        paths,
			PollInterval: r.opts.PollInterval,
			OnChanges:    r.onFileChanges,
			OnError: func(err error) {
				glog.Warningf("registry: %v", err)
			},
		})
		r.watcher.Start()
	}

	glog.Infof("registry: %d document(s) open", len(r.Names()))
	return nil
}

// parse builds a document from src and checks its handlers.
func (r *Registry) parse(src []byte) (*document.Document, error) {
	doc, err := document.Parse(bytes.NewReader(src), r.opts.RootTag)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTreeInvalidMutation, "parse markup", err)
	}
	if err := behavior.Check(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// start creates the session for name. The name must not be registered.
func (r *Registry) start(name string, src []byte, origin Origin, path string, version int64) error {
	doc, err := r.parse(src)
	if err != nil {
		return err
	}

	rules := &behavior.Rules{PresenceAttribute: r.opts.PresenceAttribute}
	cfg := r.opts.Session
	cfg.Name = name
	cfg.Behavior = rules
	cfg.Listeners = append([]session.ConnectionListener(nil), cfg.Listeners...)

	var audit *connectionAudit
	if r.log != nil {
		audit = newConnectionAudit(name, r.log)
		cfg.Listeners = append(cfg.Listeners, audit)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return apperrors.SessionClosed(name)
	}
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("document %s already open", name)
	}
	r.entries[name] = &entry{
		session: session.New(doc, cfg),
		rules:   rules,
		audit:   audit,
		origin:  origin,
		path:    path,
		version: version,
	}
	glog.Infof("registry: opened %s from %s", name, origin)
	return nil
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Get returns the session serving name.
func (r *Registry) Get(name string) (*session.Session, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Names returns the open document names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// List describes every open document.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.entries))
	for name, e := range r.entries {
		st := e.session.Stats()
		out = append(out, Info{
			Name:        name,
			Origin:      e.origin,
			Path:        e.path,
			Version:     e.version,
			Connections: st.Connections,
			Stats:       st,
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Publish stores source under name and serves it: an open document is
// reloaded (observers get a new snapshot), an unknown name gets a new
// session. Documents served from a file cannot be published to.
func (r *Registry) Publish(ctx context.Context, name, source string) (Info, error) {
	if err := ValidateName(name); err != nil {
		return Info{}, err
	}
	// Reject bad markup before it reaches the store.
	if _, err := r.parse([]byte(source)); err != nil {
		return Info{}, err
	}

	e, exists := r.lookup(name)
	if exists && e.origin == OriginFile {
		return Info{}, apperrors.New(apperrors.CodeServerInvalidMessage,
			fmt.Sprintf("document %s is served from %s", name, e.path))
	}

	var version int64
	if r.store != nil {
		doc, err := r.store.SaveDocument(name, source)
		if err != nil {
			return Info{}, apperrors.Wrap(apperrors.CodeStorageSaveFailed, "save document", err)
		}
		version = doc.Version
	} else if exists {
		version = e.version + 1
	} else {
		version = 1
	}

	if !exists {
		if err := r.start(name, []byte(source), OriginStore, "", version); err != nil {
			return Info{}, err
		}
	} else {
		if err := r.reload(ctx, e, []byte(source)); err != nil {
			return Info{}, err
		}
		r.mu.Lock()
		e.version = version
		r.mu.Unlock()
	}

	e, _ = r.lookup(name)
	st := e.session.Stats()
	return Info{Name: name, Origin: OriginStore, Version: version, Connections: st.Connections, Stats: st}, nil
}

// reload replaces the document behind e and restores the presence count.
func (r *Registry) reload(ctx context.Context, e *entry, src []byte) error {
	if err := e.session.Reload(ctx, bytes.NewReader(src)); err != nil {
		return err
	}
	return e.session.Do(ctx, func(doc *document.Document) error {
		e.rules.Refresh(doc)
		return nil
	})
}

// onFileChanges reloads documents whose file was modified or recreated.
// A deleted file keeps its last good tree.
func (r *Registry) onFileChanges(changes []FileChange) {
	for _, ch := range changes {
		if ch.Change == "deleted" {
			glog.Warningf("registry: %s was deleted; keeping last version", ch.Path)
			continue
		}
		for _, f := range r.opts.Files {
			if f.Path != ch.Path {
				continue
			}
			if err := r.reloadFile(f); err != nil {
				glog.Errorf("registry: reload %s: %v", f.Name, err)
				continue
			}
			glog.Infof("registry: reloaded %s (%s)", f.Name, ch.Change)
		}
	}
}

func (r *Registry) reloadFile(f config.DocumentSource) error {
	e, ok := r.lookup(f.Name)
	if !ok {
		return apperrors.DocumentNotFound(f.Name)
	}
	src, err := os.ReadFile(f.Path)
	if err != nil {
		return err
	}
	if _, err := r.parse(src); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	if err := r.reload(ctx, e, src); err != nil {
		return err
	}
	r.mu.Lock()
	e.version++
	r.mu.Unlock()
	return nil
}

// Close stops the poller and every session.
func (r *Registry) Close() error {
	if r.watcher != nil {
		r.watcher.Stop()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var errs []error
	for name, e := range entries {
		if err := e.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		if e.audit != nil {
			e.audit.closeAll(apperrors.SessionClosed(name))
		}
	}
	return errors.Join(errs...)
}

// ValidateName rejects names that cannot appear as a single URL path
// segment.
func ValidateName(name string) error {
	if name == "" || len(name) > 128 {
		return apperrors.New(apperrors.CodeServerInvalidMessage, "document name must be 1-128 characters")
	}
	if strings.ContainsAny(name, "/\\?#% ") || name == "." || name == ".." {
		return apperrors.New(apperrors.CodeServerInvalidMessage, fmt.Sprintf("invalid document name %q", name))
	}
	return nil
}
