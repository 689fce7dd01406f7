// Package imports inlines `// @import path` directives in script
// extensions, so extensions can share helper files.
package imports

import (
	"io/fs"
	"path"
	"regexp"
	"strings"

	"github.com/carfigures/carfigures"
	"github.com/pkg/errors"
)

// importPattern matches `// @import path` only at the very start of a line.
var importPattern = regexp.MustCompile(`(?m)^// @import\s+(\S+)\s*$`)

var ErrCircularImport = errors.New("circular import")

// Resolved is a script with all its imports inlined.
type Resolved struct {
	Source string
	// Deps lists every file that went into Source, the root first.
	Deps []string
}

// Resolve reads name from fsys and inlines its imports depth first, so
// every dependency precedes its dependents and appears only once.
// Nothing is cached: each call reads the files again.
func Resolve(fsys fs.FS, name string) (*Resolved, error) {
	r := &resolver{
		fsys:       fsys,
		inProgress: map[string]bool{},
		included:   map[string]bool{},
	}
	source, err := r.resolve(path.Clean(name))
	if err != nil {
		return nil, err
	}
	return &Resolved{
		Source: source,
		Deps:   r.deps,
	}, nil
}

type resolver struct {
	fsys       fs.FS
	inProgress map[string]bool
	included   map[string]bool
	deps       []string
}

func (r *resolver) resolve(name string) (string, error) {
	if r.inProgress[name] {
		return "", carfigures.WithStack(errors.Wrap(ErrCircularImport, name))
	}
	if r.included[name] {
		return "", nil
	}
	r.inProgress[name] = true
	defer delete(r.inProgress, name)

	b, err := fs.ReadFile(r.fsys, name)
	if err != nil {
		return "", carfigures.WithStack(errors.Wrapf(err, "loading %s", name))
	}
	r.deps = append(r.deps, name)
	source := string(b)

	resolved := &strings.Builder{}
	for _, imp := range ParseImports(source) {
		depSource, err := r.resolve(ResolvePath(name, imp))
		if err != nil {
			return "", errors.Wrapf(err, "in %s", name)
		}
		resolved.WriteString(depSource)
	}
	resolved.WriteString(RemoveImports(source))
	r.included[name] = true
	return resolved.String(), nil
}

// ParseImports returns the import paths in source, in order.
func ParseImports(source string) []string {
	matches := importPattern.FindAllStringSubmatch(source, -1)
	result := make([]string, 0, len(matches))
	for _, match := range matches {
		result = append(result, match[1])
	}
	return result
}

func RemoveImports(source string) string {
	return importPattern.ReplaceAllString(source, "")
}

// ResolvePath resolves imp relative to the directory of from. Paths
// starting with / are relative to the root of the file system instead.
// The result never leaves the root.
func ResolvePath(from, imp string) string {
	if strings.HasPrefix(imp, "/") {
		return strings.TrimPrefix(path.Clean(imp), "/")
	}
	joined := path.Join(path.Dir(from), imp)
	for strings.HasPrefix(joined, "../") || joined == ".." {
		joined = strings.TrimPrefix(strings.TrimPrefix(joined, ".."), "/")
	}
	if joined == "" {
		return "."
	}
	return joined
}
