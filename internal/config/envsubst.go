package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// envKeyReplacer maps nested viper keys (gateway.addr) onto environment
// variable names (MT5CRS_GATEWAY_ADDR).
var envKeyReplacer = strings.NewReplacer(".", "_")

// envRefPattern matches ${NAME} and ${NAME:default} references in YAML values.
var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// readAndSubstitute reads the config file and expands environment references
// in place. ${NAME} resolves to the variable's value and fails when unset;
// ${NAME:default} falls back to the default.
func readAndSubstitute(path string) (*bytes.Reader, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var missing []string
	expanded := envRefPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		groups := envRefPattern.FindSubmatch(match)
		name := string(groups[1])
		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		if len(groups) >= 3 && bytes.Contains(match, []byte(":")) {
			return groups[2]
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return nil, fmt.Errorf("config references unset environment variables without defaults: %s",
			strings.Join(missing, ", "))
	}

	return bytes.NewReader(expanded), nil
}
