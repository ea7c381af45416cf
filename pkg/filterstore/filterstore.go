// Package filterstore implements the in-memory blacklist/whitelist with
// wildcard matching and durable append-on-update, described in spec.md
// §4.A. Reads take a per-list read lock over an immutable list snapshot that
// writers replace; writes serialize per-list behind the exclusive side of the
// same lock, which also guards the file append, per spec.md §5.
package filterstore

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/foxbound/fragproxy/pkg/errors"
)

// list is an immutable snapshot of one classification list: exact hosts in
// a set, plus an ordered slice of patterns containing '*' (spec.md §4.A:
// "pattern matching walks only the pattern list").
type list struct {
	exact    map[string]struct{}
	wildcard []string
}

func newList() *list {
	return &list{exact: make(map[string]struct{})}
}

func (l *list) clone() *list {
	n := &list{exact: make(map[string]struct{}, len(l.exact)), wildcard: append([]string(nil), l.wildcard...)}
	for k := range l.exact {
		n.exact[k] = struct{}{}
	}
	return n
}

func (l *list) contains(host string) bool {
	if _, ok := l.exact[host]; ok {
		return true
	}
	for _, pat := range l.wildcard {
		if matchPattern(pat, host) {
			return true
		}
	}
	return false
}

func (l *list) has(pattern string) bool {
	if !strings.Contains(pattern, "*") {
		_, ok := l.exact[pattern]
		return ok
	}
	for _, p := range l.wildcard {
		if p == pattern {
			return true
		}
	}
	return false
}

func (l *list) insert(pattern string) {
	if strings.Contains(pattern, "*") {
		l.wildcard = append(l.wildcard, pattern)
		return
	}
	l.exact[pattern] = struct{}{}
}

// matchPattern implements spec.md §3's pattern semantics: a leading
// "*.example.com" subdomain wildcard matches the bare domain and any of its
// subdomains; any other pattern containing '*' is a general shell glob
// (matched with path.Match, the approach this codebase's pack uses for glob
// filters elsewhere rather than a bespoke matcher).
func matchPattern(pattern, host string) bool {
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[2:]
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	ok, err := path.Match(pattern, host)
	return err == nil && ok
}

// Store holds the blacklist and whitelist lists plus their backing files.
type Store struct {
	log *zap.Logger

	blMu   sync.RWMutex
	bl     *list
	blPath string

	wlMu   sync.RWMutex
	wl     *list
	wlPath string
}

// New returns an empty Store.
func New(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{log: log.Named("filter"), bl: newList(), wl: newList()}
}

// LoadBlacklist loads path into the blacklist. A missing file is only a
// fatal error when path is non-empty and autoBlacklist is false (spec.md
// §4.A).
func (s *Store) LoadBlacklist(path string, autoBlacklist bool) error {
	if autoBlacklist {
		return nil
	}
	if path == "" {
		return nil
	}
	l, err := loadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NewConfigurationError(fmt.Sprintf("blacklist file %q not found", path), err)
		}
		return errors.NewConfigurationError(fmt.Sprintf("failed to read blacklist %q", path), err)
	}
	s.blMu.Lock()
	s.bl = l
	s.blPath = path
	s.blMu.Unlock()
	s.log.Info("loaded blacklist", zap.String("path", path), zap.Int("exact", len(l.exact)), zap.Int("wildcard", len(l.wildcard)))
	return nil
}

// LoadWhitelist loads path into the whitelist. A missing file is not an
// error: it is created empty with a header comment if writable (spec.md
// §4.A).
func (s *Store) LoadWhitelist(path string) error {
	if path == "" {
		return nil
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		if err := writeHeader(path, whitelistHeader); err != nil {
			s.log.Warn("failed to create whitelist file", zap.String("path", path), zap.Error(err))
		}
		s.wlMu.Lock()
		s.wlPath = path
		s.wlMu.Unlock()
		return nil
	}

	l, err := loadFile(path)
	if err != nil {
		s.log.Warn("failed to read whitelist", zap.String("path", path), zap.Error(err))
		return nil
	}
	s.wlMu.Lock()
	s.wl = l
	s.wlPath = path
	s.wlMu.Unlock()
	s.log.Info("loaded whitelist", zap.String("path", path), zap.Int("exact", len(l.exact)), zap.Int("wildcard", len(l.wildcard)))
	return nil
}

const whitelistHeader = "# Whitelist - hosts that should never be fragmented\n# One host per line\n# Lines starting with # are comments\n"

// IsWhitelisted reports whether host matches the whitelist.
func (s *Store) IsWhitelisted(host string) bool {
	s.wlMu.RLock()
	defer s.wlMu.RUnlock()
	return s.wl.contains(host)
}

// IsBlacklisted reports whether host matches the blacklist. Whitelist
// precedence is enforced here: a whitelist match always wins (spec.md §3).
func (s *Store) IsBlacklisted(host string) bool {
	if s.IsWhitelisted(host) {
		return false
	}
	s.blMu.RLock()
	defer s.blMu.RUnlock()
	return s.bl.contains(host)
}

// AddBlacklist inserts host into the blacklist if absent and appends it to
// the backing file. The in-memory insertion always succeeds and is
// observable by a subsequent lookup even if the file append fails (spec.md
// §3's insertion invariant); a write failure is returned as a non-fatal
// ErrorTypeFilterWrite error for the caller to log.
func (s *Store) AddBlacklist(host string) error {
	return s.add(&s.blMu, &s.bl, &s.blPath, host)
}

// AddWhitelist inserts host into the whitelist if absent and appends it to
// the backing file, with the same write-failure contract as AddBlacklist.
func (s *Store) AddWhitelist(host string) error {
	return s.add(&s.wlMu, &s.wl, &s.wlPath, host)
}

// add inserts host under mu's exclusive lock, which is held across the file
// append too (spec.md §4.A: "append a line... under a per-list exclusive
// lock"). The lock is never held across network I/O — only this local file
// write, which is bounded and never blocks on the client or origin.
func (s *Store) add(mu *sync.RWMutex, target **list, filePath *string, host string) error {
	mu.Lock()
	defer mu.Unlock()

	if (*target).has(host) {
		return nil
	}
	next := (*target).clone()
	next.insert(host)
	*target = next

	path := *filePath
	if path == "" {
		return nil
	}
	if err := appendLine(path, host); err != nil {
		werr := errors.NewFilterWriteError(path, err)
		s.log.Warn("filter file append failed", zap.String("path", path), zap.String("host", host), zap.Error(err))
		return werr
	}
	return nil
}

func loadFile(path string) (*list, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	l := newList()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		l.insert(strings.ToLower(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return l, nil
}

func writeHeader(path, header string) error {
	return os.WriteFile(path, []byte(header), 0o644)
}

// appendLine appends a single pattern line to path. Callers serialize
// concurrent appends to the same file via the list's own mutex (held only
// across this call, never across network I/O — spec.md §4.A, §5).
func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}
