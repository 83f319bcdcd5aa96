package ingest

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var defaultAllowed = []string{
	".c", ".cs", ".cpp", ".doc", ".docx", ".html", ".java", ".json", ".md", ".pdf", ".php",
	".pptx", ".py", ".rb", ".tex", ".txt", ".css", ".js", ".sh", ".ts", ".jsx", ".tsx",
}

var defaultRemap = map[string]string{
	".jsx": ".js",
	".tsx": ".ts",
}

// FlattenRules is the immutable allow-list and extension remap used by a Flattener.
type FlattenRules struct {
	allowed map[string]struct{}
	remap   map[string]string
}

// DefaultRules returns the built-in allow-list and remap table.
func DefaultRules() FlattenRules {
	rules, err := NewFlattenRules(defaultAllowed, defaultRemap)
	if err != nil {
		panic(err)
	}
	return rules
}

// NewFlattenRules normalizes extensions to lower case with a leading dot.
// Every remap target must itself be allowed and must not be remapped again,
// which keeps flattening a fixed point on its own output.
func NewFlattenRules(allowed []string, remap map[string]string) (FlattenRules, error) {
	rules := FlattenRules{
		allowed: make(map[string]struct{}, len(allowed)),
		remap:   make(map[string]string, len(remap)),
	}
	for _, ext := range allowed {
		ext = normalizeExt(ext)
		if ext == "" {
			continue
		}
		rules.allowed[ext] = struct{}{}
	}
	if len(rules.allowed) == 0 {
		return FlattenRules{}, fmt.Errorf("flatten rules: allow-list is empty")
	}
	for from, to := range remap {
		from, to = normalizeExt(from), normalizeExt(to)
		if from == "" || to == "" {
			return FlattenRules{}, fmt.Errorf("flatten rules: empty remap entry")
		}
		rules.remap[from] = to
	}
	for from, to := range rules.remap {
		if _, ok := rules.allowed[to]; !ok {
			return FlattenRules{}, fmt.Errorf("flatten rules: remap target %s of %s is not allowed", to, from)
		}
		if _, chained := rules.remap[to]; chained {
			return FlattenRules{}, fmt.Errorf("flatten rules: remap target %s is remapped again", to)
		}
	}
	return rules, nil
}

// RulesFromConfig builds rules from optional overrides. An empty allow-list
// or a nil remap falls back to the built-in value.
func RulesFromConfig(allowed []string, remap map[string]string) (FlattenRules, error) {
	if len(allowed) == 0 {
		allowed = defaultAllowed
	}
	if remap == nil {
		remap = defaultRemap
	}
	return NewFlattenRules(allowed, remap)
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// FlatName maps a root-relative path to its flattened name. ok is false when
// the extension is not allowed.
func (r FlattenRules) FlatName(rel string) (name string, ok bool) {
	ext := strings.ToLower(filepath.Ext(rel))
	if _, allowed := r.allowed[ext]; !allowed {
		return "", false
	}
	name = strings.ReplaceAll(filepath.ToSlash(rel), "/", "_")
	name = strings.ReplaceAll(name, `\`, "_")
	if to, remapped := r.remap[ext]; remapped {
		name = name[:len(name)-len(ext)] + to
	}
	return name, true
}

// FlattenResult describes the flat set left in the root.
type FlattenResult struct {
	// Files are the flattened names, sorted.
	Files []string
	// Skipped counts files dropped because their extension is not allowed.
	Skipped int
	// Collisions are source paths whose flattened name was already taken.
	Collisions []string
}

// Flattener rewrites a directory tree into a single directory of renamed files.
type Flattener struct {
	rules FlattenRules
}

func NewFlattener(rules FlattenRules) *Flattener {
	return &Flattener{rules: rules}
}

type flatSource struct {
	rel   string
	depth int
}

// Flatten copies every allowed file under root to root/<flattened name> and
// then removes everything in root that is not part of the flat set: every
// subdirectory, disallowed files, and files that lost a name collision.
//
// Names are claimed in (depth, path) order, so files already at the root keep
// their names and deeper files never overwrite them. Running Flatten on its
// own output changes nothing.
func (f *Flattener) Flatten(ctx context.Context, root string) (FlattenResult, error) {
	var sources []flatSource
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		sources = append(sources, flatSource{rel: rel, depth: strings.Count(rel, "/")})
		return nil
	})
	if err != nil {
		return FlattenResult{}, fmt.Errorf("%w: walk %s: %w", ErrIO, root, err)
	}
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].depth != sources[j].depth {
			return sources[i].depth < sources[j].depth
		}
		return sources[i].rel < sources[j].rel
	})

	var res FlattenResult
	claimed := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return FlattenResult{}, err
		}
		name, ok := f.rules.FlatName(src.rel)
		if !ok {
			res.Skipped++
			continue
		}
		if _, taken := claimed[name]; taken {
			res.Collisions = append(res.Collisions, src.rel)
			continue
		}
		claimed[name] = struct{}{}
		if name == src.rel {
			continue
		}
		if err := copyFile(filepath.Join(root, filepath.FromSlash(src.rel)), filepath.Join(root, name)); err != nil {
			return FlattenResult{}, fmt.Errorf("%w: copy %s: %w", ErrIO, src.rel, err)
		}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return FlattenResult{}, fmt.Errorf("%w: read %s: %w", ErrIO, root, err)
	}
	for _, entry := range entries {
		if _, keep := claimed[entry.Name()]; keep && entry.Type().IsRegular() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			return FlattenResult{}, fmt.Errorf("%w: remove %s: %w", ErrIO, entry.Name(), err)
		}
	}

	res.Files = make([]string, 0, len(claimed))
	for name := range claimed {
		res.Files = append(res.Files, name)
	}
	sort.Strings(res.Files)
	return res, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
