package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("read tree: %v", err)
	}
	return out
}

func TestFlattenNamesAndRemap(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a/b/c.py":          "print('c')",
		"src/App.jsx":       "export default App",
		"src/types/api.tsx": "type A = 1",
		"README.md":         "# readme",
		"assets/logo.png":   "png",
		"Makefile":          "all:",
		"docs/Guide.MD":     "guide",
	})

	res, err := NewFlattener(DefaultRules()).Flatten(context.Background(), root)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}

	want := map[string]string{
		"a_b_c.py":         "print('c')",
		"src_App.js":       "export default App",
		"src_types_api.ts": "type A = 1",
		"README.md":        "# readme",
		"docs_Guide.MD":    "guide",
	}
	if diff := cmp.Diff(want, readTree(t, root)); diff != "" {
		t.Fatalf("flattened tree mismatch (-want +got):\n%s", diff)
	}
	wantFiles := make([]string, 0, len(want))
	for name := range want {
		wantFiles = append(wantFiles, name)
	}
	sort.Strings(wantFiles)
	if diff := cmp.Diff(wantFiles, res.Files); diff != "" {
		t.Fatalf("result files mismatch (-want +got):\n%s", diff)
	}
	if res.Skipped != 2 {
		t.Fatalf("skipped = %d, want 2", res.Skipped)
	}
}

func TestFlattenRemovesSubdirectories(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"widgets-abc123/src/main.go":   "package main",
		"widgets-abc123/src/util.py":   "x = 1",
		"widgets-abc123/empty/.keep":   "",
		"widgets-abc123/deep/x/y/z.sh": "echo z",
	})
	if _, err := NewFlattener(DefaultRules()).Flatten(context.Background(), root); err != nil {
		t.Fatalf("flatten: %v", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			t.Fatalf("subdirectory %s survived flattening", e.Name())
		}
		names = append(names, e.Name())
	}
	want := []string{"widgets-abc123_deep_x_y_z.sh", "widgets-abc123_src_util.py"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("root entries mismatch (-want +got):\n%s", diff)
	}
}

func TestFlattenIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"repo/lib/index.ts":   "export {}",
		"repo/lib/view.tsx":   "<View/>",
		"repo/notes.txt":      "notes",
		"top.jsx":             "top",
		"binary.exe":          "MZ",
		"repo/lib/skip.woff2": "font",
	})
	f := NewFlattener(DefaultRules())
	first, err := f.Flatten(context.Background(), root)
	if err != nil {
		t.Fatalf("first flatten: %v", err)
	}
	afterFirst := readTree(t, root)

	second, err := f.Flatten(context.Background(), root)
	if err != nil {
		t.Fatalf("second flatten: %v", err)
	}
	if diff := cmp.Diff(afterFirst, readTree(t, root)); diff != "" {
		t.Fatalf("second flatten changed the tree (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(first.Files, second.Files); diff != "" {
		t.Fatalf("file sets differ (-first +second):\n%s", diff)
	}
	if second.Skipped != 0 || len(second.Collisions) != 0 {
		t.Fatalf("second run skipped=%d collisions=%v, want none", second.Skipped, second.Collisions)
	}
	if _, ok := afterFirst["top.js"]; !ok {
		t.Fatalf("root-level jsx not remapped: %v", afterFirst)
	}
	if _, ok := afterFirst["top.jsx"]; ok {
		t.Fatalf("root-level jsx kept under its original name")
	}
}

func TestFlattenRootFilesWinCollisions(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a_b.py": "root",
		"a/b.py": "nested",
		"x.js":   "plain",
		"x.jsx":  "jsx",
	})
	res, err := NewFlattener(DefaultRules()).Flatten(context.Background(), root)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	want := map[string]string{"a_b.py": "root", "x.js": "plain"}
	if diff := cmp.Diff(want, readTree(t, root)); diff != "" {
		t.Fatalf("tree mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"x.jsx", "a/b.py"}, res.Collisions); diff != "" {
		t.Fatalf("collisions mismatch (-want +got):\n%s", diff)
	}
}

func TestFlattenRulesFromConfig(t *testing.T) {
	rules, err := NewFlattenRules([]string{"GO", ".Mod"}, nil)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	cases := []struct {
		rel  string
		want string
		ok   bool
	}{
		{rel: "cmd/main.go", want: "cmd_main.go", ok: true},
		{rel: "go.MOD", want: "go.MOD", ok: true},
		{rel: "README.md", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.rel, func(t *testing.T) {
			got, ok := rules.FlatName(tc.rel)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("FlatName(%q) = %q, %v; want %q, %v", tc.rel, got, ok, tc.want, tc.ok)
			}
		})
	}

	if _, err := NewFlattenRules([]string{".jsx"}, map[string]string{".jsx": ".js"}); err == nil {
		t.Fatalf("expected error for remap target outside allow-list")
	}
	if _, err := NewFlattenRules([]string{".a", ".b", ".c"}, map[string]string{".a": ".b", ".b": ".c"}); err == nil {
		t.Fatalf("expected error for chained remap")
	}

	defaults, err := RulesFromConfig(nil, nil)
	if err != nil {
		t.Fatalf("default rules: %v", err)
	}
	if got, ok := defaults.FlatName("src/App.tsx"); !ok || got != "src_App.ts" {
		t.Fatalf("default FlatName = %q, %v", got, ok)
	}
	noRemap, err := RulesFromConfig(nil, map[string]string{})
	if err != nil {
		t.Fatalf("rules without remap: %v", err)
	}
	if got, _ := noRemap.FlatName("App.jsx"); got != "App.jsx" {
		t.Fatalf("empty remap still remapped: %q", got)
	}
}
