package plugin

import (
	"regexp"

	"OpenLaunch/internal/errors"
)

var (
	idPattern      = regexp.MustCompile(`^[a-z0-9_]+$`)
	versionPattern = regexp.MustCompile(`^\d+(\.\d+)?\.\d+$`)
)

// ValidateMetadata rejects unusable ids and returns warnings for metadata
// that is merely incomplete.
func ValidateMetadata(meta Metadata) ([]string, error) {
	if !idPattern.MatchString(meta.ID) {
		return nil, errors.Newf(errors.CodeInvalidArgument, "plugin id %q must match %s", meta.ID, idPattern)
	}
	var warnings []string
	if !versionPattern.MatchString(meta.Version) {
		warnings = append(warnings, "version "+quote(meta.Version)+" should look like <major>[.<minor>].<patch>")
	}
	if meta.Name == "" {
		warnings = append(warnings, "name is empty")
	}
	if meta.License == "" {
		warnings = append(warnings, "license is empty")
	}
	if len(meta.Authors) == 0 {
		warnings = append(warnings, "authors are empty")
	}
	for _, dep := range meta.Dependencies {
		if dep == meta.ID {
			return nil, errors.Newf(errors.CodeInvalidArgument, "plugin %s depends on itself", meta.ID)
		}
	}
	return warnings, nil
}

func quote(s string) string {
	return `"` + s + `"`
}
