package sandbox

import (
	"os"
	"path/filepath"
	"strings"
)

// Jail confines every path-looking argument to a root directory.
type Jail struct {
	root string // symlink-resolved absolute root
}

// NewJail resolves and pins the jail root. The root must exist.
func NewJail(root string) (*Jail, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	return &Jail{root: resolved}, nil
}

// Root returns the resolved jail root.
func (j *Jail) Root() string { return j.root }

// looksLikePath reports whether an argument is path-shaped: it has a
// separator or dot-segment, or is absolute. Flags are left alone.
func looksLikePath(arg string) bool {
	if strings.HasPrefix(arg, "-") {
		return false
	}
	return strings.Contains(arg, string(os.PathSeparator)) ||
		arg == ".." || strings.HasPrefix(arg, "../") ||
		filepath.IsAbs(arg)
}

// CheckArgs rewrites path arguments to jail-absolute form and rejects
// any that resolve outside the root, including through symlinks. Bare
// names are checked too whenever they name an existing entry under the
// root, since a symlink needs no separator to point elsewhere; bare
// names that exist nowhere in the jail (patterns, subcommand words) pass
// through untouched. The returned slice is a sanitized copy.
func (j *Jail) CheckArgs(tokens []string) ([]string, string) {
	out := make([]string, len(tokens))
	copy(out, tokens)
	for i, arg := range tokens {
		if i == 0 || strings.HasPrefix(arg, "-") {
			continue
		}
		if !looksLikePath(arg) && !j.names(arg) {
			continue
		}
		clean, ok := j.resolve(arg)
		if !ok {
			return nil, ReasonEscapesJail
		}
		out[i] = clean
	}
	return out, ""
}

// names reports whether a bare argument is an entry directly under the
// jail root. Lstat, not Stat: the entry being a dangling or outbound
// symlink is exactly the case that must reach resolve.
func (j *Jail) names(arg string) bool {
	_, err := os.Lstat(filepath.Join(j.root, arg))
	return err == nil
}

// resolve maps arg to an absolute path under the root, following
// symlinks on the longest existing prefix so a link cannot smuggle a
// target outside the jail.
func (j *Jail) resolve(arg string) (string, bool) {
	p := arg
	if !filepath.IsAbs(p) {
		p = filepath.Join(j.root, p)
	}
	p = filepath.Clean(p)

	// Lexical containment first; cheap rejection of plain traversal.
	if !j.contains(p) {
		return "", false
	}

	// Walk up to the nearest existing ancestor and resolve its links.
	// The file itself may not exist yet (e.g. grep over a glob miss).
	probe := p
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			rest := strings.TrimPrefix(p, probe)
			if !j.contains(filepath.Join(resolved, rest)) {
				return "", false
			}
			return p, true
		}
		if !os.IsNotExist(err) {
			return "", false
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return "", false
		}
		probe = parent
	}
}

func (j *Jail) contains(p string) bool {
	return p == j.root || strings.HasPrefix(p, j.root+string(os.PathSeparator))
}
