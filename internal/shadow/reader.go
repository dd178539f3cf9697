package shadow

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// maxLineBytes bounds a single NDJSON line. Records are small; anything
// beyond this is corruption.
const maxLineBytes = 1 << 20

// Files lists the shadow files under dir in day order.
func Files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read shadow directory %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "shadow-") || !strings.HasSuffix(name, ".ndjson") {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// ReadFile parses one shadow file. Malformed lines are counted and skipped,
// not fatal: a torn final line from a crashed writer must not block
// admission over the surviving records.
func ReadFile(path string) ([]Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open shadow file %s: %w", path, err)
	}
	defer f.Close()

	var (
		records   []Record
		malformed int
		lineNo    int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			malformed++
			log.Warn().
				Str("component", "shadow").
				Str("file", path).
				Int("line", lineNo).
				Err(err).
				Msg("Skipping malformed shadow record")
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, malformed, fmt.Errorf("failed to scan shadow file %s: %w", path, err)
	}
	return records, malformed, nil
}

// ReadDir loads every shadow file under dir in day order and returns the
// combined records plus the total malformed-line count.
func ReadDir(dir string) ([]Record, int, error) {
	files, err := Files(dir)
	if err != nil {
		return nil, 0, err
	}

	var (
		records   []Record
		malformed int
	)
	for _, path := range files {
		recs, bad, err := ReadFile(path)
		if err != nil {
			return records, malformed, err
		}
		records = append(records, recs...)
		malformed += bad
	}
	return records, malformed, nil
}
