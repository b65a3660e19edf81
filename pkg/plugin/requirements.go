package plugin

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"OpenLaunch/internal/errors"
)

// RequirementChecker verifies that a plugin's external requirements are met
// before it is created.
type RequirementChecker interface {
	Check(meta Metadata) error
}

// DefaultLibraryDirs are searched for required shared libraries in addition
// to LD_LIBRARY_PATH.
var DefaultLibraryDirs = []string{"/usr/local/lib", "/usr/lib", "/lib", "/usr/lib64", "/lib64"}

// SystemChecker resolves executables on PATH and shared libraries in the
// library directories. Libraries may live directly in a directory or one
// level below it, e.g. /usr/lib/x86_64-linux-gnu.
type SystemChecker struct {
	LibraryDirs []string
	LookPath    func(file string) (string, error)
}

// Check implements RequirementChecker.
func (c SystemChecker) Check(meta Metadata) error {
	lookPath := c.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	var missing []string
	for _, bin := range meta.Executables {
		if _, err := lookPath(bin); err != nil {
			missing = append(missing, "executable "+bin)
		}
	}
	for _, lib := range meta.Libraries {
		if !c.findLibrary(lib) {
			missing = append(missing, "library "+lib)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return errors.New(errors.CodeMissingRequirement,
		"plugin "+meta.ID+" is missing "+strings.Join(missing, ", "),
		errors.WithMetadata("plugin", meta.ID),
		errors.WithMetadata("missing", strings.Join(missing, ",")))
}

func (c SystemChecker) libraryDirs() []string {
	dirs := c.LibraryDirs
	if len(dirs) == 0 {
		dirs = DefaultLibraryDirs
		if env := os.Getenv("LD_LIBRARY_PATH"); env != "" {
			dirs = append(filepath.SplitList(env), dirs...)
		}
	}
	return dirs
}

func (c SystemChecker) findLibrary(name string) bool {
	if filepath.IsAbs(name) || strings.ContainsAny(name, "*?[]{}\\") {
		_, err := os.Stat(name)
		return err == nil
	}
	// libfoo.so also matches versioned names such as libfoo.so.1.
	patterns := []string{name + "*", "*/" + name + "*"}
	for _, dir := range c.libraryDirs() {
		fsys := os.DirFS(dir)
		for _, pattern := range patterns {
			matches, err := doublestar.Glob(fsys, pattern)
			if err == nil && len(matches) > 0 {
				return true
			}
		}
	}
	return false
}
