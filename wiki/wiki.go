// Package wiki serves a directory of markdown pages as MCP resources under
// the wiki:/// scheme. Pages are cached in memory and refreshed by an
// fsnotify watcher so edits show up without a restart.
package wiki

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// URIScheme prefixes every wiki resource URI.
const URIScheme = "wiki:///"

// ErrNotFound is returned when a URI names no known page.
var ErrNotFound = errors.New("wiki resource not found")

// Resource describes one page for resource listings.
type Resource struct {
	URI         string
	Name        string
	Description string
	MIMEType    string
}

// SearchResult is one page matching a search, with its occurrence count.
type SearchResult struct {
	Page    string
	Content string
	Matches int
}

// Library is the in-memory page set for one wiki directory.
type Library struct {
	dir string
	log *slog.Logger

	mu       sync.RWMutex
	pages    map[string]string
	onChange func()

	watcher *fsnotify.Watcher
	done    chan struct{}
}

type Option func(*Library)

// WithLogger overrides the library logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Library) { l.log = log }
}

// Open loads every *.md page under dir and starts watching for changes. A
// missing or unreadable directory yields an empty library, not an error; the
// wiki is optional content.
func Open(dir string, opts ...Option) (*Library, error) {
	l := &Library{
		dir:   dir,
		log:   slog.Default(),
		pages: map[string]string{},
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.reload()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		l.log.Debug("wiki.watch.unavailable", slog.String("err", err.Error()))
		return l, nil
	}
	if err := w.Add(dir); err != nil {
		l.log.Debug("wiki.watch.add_fail", slog.String("dir", dir), slog.String("err", err.Error()))
		_ = w.Close()
		return l, nil
	}
	l.watcher = w
	go l.watch()

	return l, nil
}

// OnChange registers fn to run after every watcher-triggered reload, so
// consumers can resync whatever they derived from the page set.
func (l *Library) OnChange(fn func()) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Close stops the watcher.
func (l *Library) Close() error {
	close(l.done)
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

func (l *Library) watch() {
	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(ev.Name) != ".md" {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				l.reload()
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.Debug("wiki.watch.error", slog.String("err", err.Error()))
		}
	}
}

func (l *Library) reload() {
	pages := make(map[string]string)
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		l.log.Debug("wiki.read_dir.fail", slog.String("dir", l.dir), slog.String("err", err.Error()))
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			l.log.Debug("wiki.read_page.fail", slog.String("file", entry.Name()), slog.String("err", err.Error()))
			continue
		}
		pages[strings.TrimSuffix(entry.Name(), ".md")] = string(content)
	}

	l.mu.Lock()
	l.pages = pages
	fn := l.onChange
	l.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Resources lists every page, sorted by name. Page file names are hyphenated
// slugs; display names are their title-cased form.
func (l *Library) Resources() []Resource {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Resource, 0, len(l.pages))
	for name := range l.pages {
		title := TitleFromSlug(name)
		out = append(out, Resource{
			URI:         URIScheme + name,
			Name:        title,
			Description: fmt.Sprintf("Network School wiki page: %s", title),
			MIMEType:    "text/markdown",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// Read returns the content of the page named by a wiki:/// URI.
func (l *Library) Read(uri string) (string, error) {
	name := strings.TrimPrefix(uri, URIScheme)

	l.mu.RLock()
	content, ok := l.pages[name]
	l.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return content, nil
}

// Search counts case-insensitive occurrences of query across all pages and
// returns matching pages ordered by descending count.
func (l *Library) Search(query string) []SearchResult {
	q := strings.ToLower(query)
	if q == "" {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var results []SearchResult
	for name, content := range l.pages {
		matches := strings.Count(strings.ToLower(content), q)
		if matches > 0 {
			results = append(results, SearchResult{Page: name, Content: content, Matches: matches})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Matches != results[j].Matches {
			return results[i].Matches > results[j].Matches
		}
		return results[i].Page < results[j].Page
	})
	return results
}

// IsWikiURI reports whether a URI belongs to the wiki scheme.
func IsWikiURI(uri string) bool {
	return strings.HasPrefix(uri, URIScheme)
}

// TitleFromSlug turns a hyphenated page slug into a display title
// ("visa-runs" becomes "Visa Runs").
func TitleFromSlug(slug string) string {
	words := strings.Split(slug, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
