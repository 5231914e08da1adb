package coordinator

import (
	"bytes"
	"path"
	"regexp"
	"strings"
)

// importPattern is a language-scoped regex for extracting an import/require
// specifier's raw path, plus which capture group holds it. Several patterns
// cooperate per language since a single file mixes import styles (ES module
// imports next to dynamic import() and require()).
type importPattern struct {
	Extensions []string
	Regex      *regexp.Regexp
	Group      int
}

// importPatterns intentionally does lexical regex scanning rather than
// parsing a full AST: a dependency graph only needs "what does this file
// import", and a real parser per language is a much heavier dependency for
// marginal accuracy gains on well-formed source.
var importPatterns = []importPattern{
	{
		Extensions: []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"},
		Regex:      regexp.MustCompile(`(?m)^\s*import(?:\s+type)?(?:\s+[\w*{},\s]+\s+from)?\s+['"]([^'"]+)['"]`),
		Group:      1,
	},
	{
		Extensions: []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"},
		Regex:      regexp.MustCompile(`(?:require|import)\(\s*['"]([^'"]+)['"]\s*\)`),
		Group:      1,
	},
	{
		Extensions: []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"},
		Regex:      regexp.MustCompile(`(?m)^\s*export\s+(?:\*|\{[^}]*\})\s+from\s+['"]([^'"]+)['"]`),
		Group:      1,
	},
	{
		Extensions: []string{".py"},
		Regex:      regexp.MustCompile(`(?m)^\s*from\s+(\.*[\w.]*)\s+import\b`),
		Group:      1,
	},
	{
		Extensions: []string{".py"},
		Regex:      regexp.MustCompile(`(?m)^\s*import\s+([\w.]+(?:\s*,\s*[\w.]+)*)`),
		Group:      1,
	},
}

func extensionOf(filePath string) string {
	return strings.ToLower(path.Ext(filePath))
}

// stripCommentLines blanks out any line that is entirely a single-line
// comment, so a commented-out "// require(...)" or "# import ..." doesn't
// produce a spurious edge. It only recognizes a comment marker at the start
// of a (trimmed) line, matching the lexical, non-AST scanning this parser
// already does elsewhere — a "//" or "#" appearing mid-line (inside a string,
// say) is left alone.
func stripCommentLines(content []byte, ext string) []byte {
	marker := []byte("//")
	if ext == ".py" {
		marker = []byte("#")
	}

	lines := bytes.Split(content, []byte("\n"))
	for i, line := range lines {
		if bytes.HasPrefix(bytes.TrimSpace(line), marker) {
			lines[i] = nil
		}
	}
	return bytes.Join(lines, []byte("\n"))
}

// ExtractImportSpecs returns the raw, unresolved import specifiers found in
// content, using the pattern set for filePath's extension. A .py "import a,
// b" line yields two specs; everything else yields one spec per match.
func ExtractImportSpecs(filePath string, content []byte) []string {
	ext := extensionOf(filePath)
	content = stripCommentLines(content, ext)
	var specs []string

	for _, pat := range importPatterns {
		if !containsExt(pat.Extensions, ext) {
			continue
		}
		matches := pat.Regex.FindAllSubmatch(content, -1)
		for _, m := range matches {
			if len(m) <= pat.Group {
				continue
			}
			raw := string(m[pat.Group])
			if ext == ".py" && strings.Contains(raw, ",") {
				for _, part := range strings.Split(raw, ",") {
					if spec := strings.TrimSpace(part); spec != "" {
						specs = append(specs, spec)
					}
				}
				continue
			}
			specs = append(specs, strings.TrimSpace(raw))
		}
	}

	return specs
}

func containsExt(exts []string, ext string) bool {
	for _, e := range exts {
		if e == ext {
			return true
		}
	}
	return false
}

// jsResolveCandidates lists the file paths a bare module resolver would try,
// in priority order, for a relative specifier joined against the importing
// file's directory.
func jsResolveCandidates(joined string) []string {
	return []string{
		joined,
		joined + ".ts",
		joined + ".tsx",
		joined + ".js",
		joined + ".jsx",
		joined + "/index.ts",
		joined + "/index.tsx",
		joined + "/index.js",
		joined + "/index.jsx",
	}
}

// ResolveImport maps a raw import spec found in fromPath to a path in
// knownFiles, or returns ok=false if the spec doesn't resolve to a file in
// this repository (a third-party package, a stdlib module, or a spec this
// resolver doesn't understand). Only relative JS/TS specifiers and
// project-local Python module paths are resolved — bare package names are
// deliberately left unresolved since they don't name a file a lock could
// ever be taken on.
func ResolveImport(fromPath, spec string, knownFiles map[string]struct{}) (string, bool) {
	ext := extensionOf(fromPath)
	dir := path.Dir(fromPath)

	switch ext {
	case ".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs":
		if !strings.HasPrefix(spec, ".") {
			return "", false
		}
		joined := path.Clean(path.Join(dir, spec))
		for _, candidate := range jsResolveCandidates(joined) {
			if _, ok := knownFiles[candidate]; ok {
				return candidate, true
			}
		}
		return "", false

	case ".py":
		spec = strings.TrimSuffix(spec, ".")
		leadingDots := 0
		for leadingDots < len(spec) && spec[leadingDots] == '.' {
			leadingDots++
		}
		modPath := strings.ReplaceAll(spec[leadingDots:], ".", "/")

		base := dir
		for i := 0; i < leadingDots-1; i++ {
			base = path.Dir(base)
		}
		if leadingDots == 0 {
			base = "" // absolute-looking import, resolve from repo root
		}

		var joined string
		if base == "" {
			joined = modPath
		} else {
			joined = path.Join(base, modPath)
		}

		for _, candidate := range []string{joined + ".py", path.Join(joined, "__init__.py")} {
			if _, ok := knownFiles[candidate]; ok {
				return candidate, true
			}
		}
		return "", false

	default:
		return "", false
	}
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}

// resolveCacheEntry is one cached ResolveImport outcome, positive or
// negative — a spec unresolved against this file set is just as worth
// caching as one that resolved, since a large reparse reruns the same
// relative specifiers across many callers.
type resolveCacheEntry struct {
	resolved string
	ok       bool
}

// PathResolutionCache is the per-build, in-process cache spec §4.4 calls for:
// "Caller-side LRU cache keyed by (F, M)" (F = the importing file, M = the
// raw specifier), scoped to one graph build per spec §5. It is sharded
// across StripedLocks stripes rather than guarded by one mutex, so the
// parallel parse workers in GraphBuilder.rebuild don't serialize on a single
// lock the way a naive sync.Map wrapper would. Each shard is a small
// insertion-ordered map that evicts its oldest entry once it grows past
// maxPerShard, which approximates LRU closely enough for a cache that lives
// only as long as one rebuild.
type PathResolutionCache struct {
	locks       *StripedLocks
	shards      []map[string]resolveCacheEntry
	order       [][]string
	maxPerShard int
}

// NewPathResolutionCache builds a fresh cache for one rebuild. stripes <= 0
// and maxPerShard <= 0 fall back to sane defaults.
func NewPathResolutionCache(stripes, maxPerShard int) *PathResolutionCache {
	locks := NewStripedLocks(stripes)
	n := locks.Stripes()
	if maxPerShard <= 0 {
		maxPerShard = DefaultPathResolutionCacheSizePerShard
	}
	shards := make([]map[string]resolveCacheEntry, n)
	order := make([][]string, n)
	for i := range shards {
		shards[i] = make(map[string]resolveCacheEntry)
	}
	return &PathResolutionCache{locks: locks, shards: shards, order: order, maxPerShard: maxPerShard}
}

func resolveCacheKey(fromPath, spec string) string {
	return fromPath + "\x00" + spec
}

// get returns the cached outcome of resolving (fromPath, spec), if present.
func (c *PathResolutionCache) get(fromPath, spec string) (resolveCacheEntry, bool) {
	key := resolveCacheKey(fromPath, spec)
	idx := c.locks.Index(key)
	unlock := c.locks.RLock(key)
	defer unlock()
	entry, found := c.shards[idx][key]
	return entry, found
}

// put records the outcome of resolving (fromPath, spec), evicting the
// shard's oldest entry first if it's already at capacity.
func (c *PathResolutionCache) put(fromPath, spec string, entry resolveCacheEntry) {
	key := resolveCacheKey(fromPath, spec)
	idx := c.locks.Index(key)
	unlock := c.locks.Lock(key)
	defer unlock()

	if _, exists := c.shards[idx][key]; !exists {
		c.order[idx] = append(c.order[idx], key)
		if len(c.order[idx]) > c.maxPerShard {
			oldest := c.order[idx][0]
			c.order[idx] = c.order[idx][1:]
			delete(c.shards[idx], oldest)
		}
	}
	c.shards[idx][key] = entry
}

// ResolveImportCached wraps ResolveImport with cache lookups, so concurrent
// parse workers resolving the same relative specifier (a shared utility
// imported from many files) pay the resolution cost once per (fromPath,
// spec) pair instead of once per call. cache == nil falls back to a plain,
// uncached ResolveImport.
func ResolveImportCached(cache *PathResolutionCache, fromPath, spec string, knownFiles map[string]struct{}) (string, bool) {
	if cache == nil {
		return ResolveImport(fromPath, spec, knownFiles)
	}
	if entry, found := cache.get(fromPath, spec); found {
		return entry.resolved, entry.ok
	}
	resolved, ok := ResolveImport(fromPath, spec, knownFiles)
	cache.put(fromPath, spec, resolveCacheEntry{resolved: resolved, ok: ok})
	return resolved, ok
}
