package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileChange is one detected change to a watched file.
type FileChange struct {
	Path   string
	Change string // "created", "modified", or "deleted"
}

// WatcherConfig configures the file poller.
type WatcherConfig struct {
	Paths        []string
	PollInterval time.Duration
	OnChanges    func([]FileChange)
	OnError      func(error)
}

// fileState holds the metadata compared between polls.
type fileState struct {
	size    int64
	modTime time.Time
}

// Watcher detects changes to a fixed set of files by periodic stat calls.
// Editors that replace a file through rename show up as "modified" as long
// as the path exists at both polls.
type Watcher struct {
	config             WatcherConfig
	snapshot           map[string]fileState
	stopCh             chan struct{}
	doneCh             chan struct{}
	mu                 sync.Mutex
	running            bool
	stopping           bool
	scanning           bool
	lastErrorSignature string
}

// NewWatcher creates a new watcher (not started).
func NewWatcher(config WatcherConfig) *Watcher {
	return &Watcher{config: config}
}

// Start begins the poll loop in a background goroutine. The first scan is
// a baseline and reports nothing.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true
	w.stopping = false
	stopCh := w.stopCh
	doneCh := w.doneCh

	// Baseline synchronously so changes made right after Start are seen.
	baseline, errPaths := w.scan()
	w.snapshot = baseline
	w.mu.Unlock()
	w.reportScanErrors(errPaths)

	go w.pollLoop(stopCh, doneCh)
}

// Stop signals the poll loop to exit and waits for it to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	if w.stopping {
		doneCh := w.doneCh
		w.mu.Unlock()
		<-doneCh
		return
	}

	w.stopping = true
	stopCh := w.stopCh
	doneCh := w.doneCh
	w.mu.Unlock()

	close(stopCh)
	<-doneCh

	w.mu.Lock()
	w.running = false
	w.stopping = false
	w.scanning = false
	w.lastErrorSignature = ""
	w.mu.Unlock()
}

func (w *Watcher) pollLoop(stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick performs a single poll cycle with overlap protection.
func (w *Watcher) tick() {
	w.mu.Lock()
	if w.scanning {
		w.mu.Unlock()
		return
	}
	w.scanning = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.scanning = false
		w.mu.Unlock()
	}()

	newSnap, errPaths := w.scan()
	w.reportScanErrors(errPaths)

	w.mu.Lock()
	oldSnap := w.snapshot
	w.snapshot = newSnap
	w.mu.Unlock()

	changes := diffStates(oldSnap, newSnap, errPaths)
	if len(changes) > 0 && w.config.OnChanges != nil {
		w.config.OnChanges(changes)
	}
}

// scan stats every watched path. Missing files are simply absent from the
// result; other stat failures land in errPaths and are excluded from the
// diff so a transient error is not reported as a deletion.
func (w *Watcher) scan() (map[string]fileState, map[string]bool) {
	snap := make(map[string]fileState, len(w.config.Paths))
	errPaths := make(map[string]bool)
	for _, path := range w.config.Paths {
		info, err := os.Stat(path)
		if err != nil {
			if !os.IsNotExist(err) {
				errPaths[path] = true
			}
			continue
		}
		if info.IsDir() {
			errPaths[path] = true
			continue
		}
		snap[path] = fileState{size: info.Size(), modTime: info.ModTime()}
	}
	return snap, errPaths
}

// reportScanErrors emits scan diagnostics through OnError. Repeats of the
// same path set are suppressed until a clean scan.
func (w *Watcher) reportScanErrors(errPaths map[string]bool) {
	if len(errPaths) == 0 {
		w.mu.Lock()
		w.lastErrorSignature = ""
		w.mu.Unlock()
		return
	}

	paths := make([]string, 0, len(errPaths))
	for path := range errPaths {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	signature := strings.Join(paths, "\x1f")

	w.mu.Lock()
	if signature == w.lastErrorSignature {
		w.mu.Unlock()
		return
	}
	w.lastErrorSignature = signature
	onError := w.config.OnError
	w.mu.Unlock()

	if onError != nil {
		onError(fmt.Errorf("watch: cannot stat %d file(s): %s", len(paths), strings.Join(paths, ", ")))
	}
}

// diffStates computes changes between two polls: deleted, then created,
// then modified, each sorted by path.
func diffStates(old, cur map[string]fileState, errPaths map[string]bool) []FileChange {
	var deleted, created, modified []string
	for path := range old {
		if _, ok := cur[path]; !ok && !errPaths[path] {
			deleted = append(deleted, path)
		}
	}
	for path, st := range cur {
		prev, ok := old[path]
		switch {
		case !ok:
			created = append(created, path)
		case prev.size != st.size || !prev.modTime.Equal(st.modTime):
			modified = append(modified, path)
		}
	}

	var changes []FileChange
	for _, group := range []struct {
		change string
		paths  []string
	}{{"deleted", deleted}, {"created", created}, {"modified", modified}} {
		sort.Strings(group.paths)
		for _, p := range group.paths {
			changes = append(changes, FileChange{Path: p, Change: group.change})
		}
	}
	return changes
}
