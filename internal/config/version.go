package config

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Version is the canonical build version of the executor
// This should be the single source of truth for all version references
const Version = "1.0.0"

// SchemaVersion is the configuration schema version this build reads and writes.
const SchemaVersion = "1.0.0"

// SupportedSchemaVersions lists schema versions this build accepts without migration
var SupportedSchemaVersions = []string{"1.0.0"}

// GetVersion returns the current build version
func GetVersion() string {
	return Version
}

// CheckSchemaVersion checks whether a configuration file's schema version can be
// loaded by this build. Patch differences within a supported major.minor are fine;
// newer majors are rejected.
func CheckSchemaVersion(version string) error {
	if version == "" {
		return fmt.Errorf("missing schema version")
	}

	current, err := parseVersion(version)
	if err != nil {
		return err
	}

	target, err := semver.NewVersion(SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid target schema version: %s", SchemaVersion)
	}

	if current.GreaterThan(target) {
		return fmt.Errorf("configuration requires schema version %s, but only %s is supported",
			version, SchemaVersion)
	}

	if current.Major() != target.Major() {
		return fmt.Errorf("no migration path from schema version %s to %s",
			version, SchemaVersion)
	}

	return nil
}

// IsVersionSupported checks if a schema version is supported
func IsVersionSupported(version string) bool {
	for _, v := range SupportedSchemaVersions {
		if v == version {
			return true
		}
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}

	for _, supported := range SupportedSchemaVersions {
		sv, err := semver.NewVersion(supported)
		if err != nil {
			continue
		}
		// Compatible when major.minor match
		if v.Major() == sv.Major() && v.Minor() == sv.Minor() {
			return true
		}
	}

	return false
}

// CompareVersions compares two version strings
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func CompareVersions(a, b string) (int, error) {
	va, err := parseVersion(a)
	if err != nil {
		return 0, err
	}

	vb, err := parseVersion(b)
	if err != nil {
		return 0, err
	}

	return va.Compare(vb), nil
}

// parseVersion tolerates short version strings like "1.0" by padding a patch level.
func parseVersion(version string) (*semver.Version, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		v, err = semver.NewVersion(version + ".0")
		if err != nil {
			return nil, fmt.Errorf("invalid schema version: %s", version)
		}
	}
	return v, nil
}
