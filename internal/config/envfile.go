package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ReadEnvFile parses a KEY=VALUE file (one assignment per line, "#"
// comments, optional "export " prefix, optional surrounding quotes) and
// returns only the requested keys. Channels call this directly on their
// own credential file instead of reading from the process environment,
// so secrets never end up somewhere a spawned agent container could
// inherit them.
func ReadEnvFile(path string, keys []string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open env file %s: %w", path, err)
	}
	defer f.Close()

	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}

	out := make(map[string]string, len(keys))
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		i := strings.IndexRune(line, '=')
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		if !want[key] {
			continue
		}
		val := trimOptionalQuotes(strings.TrimSpace(line[i+1:]))
		out[key] = val
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: scan env file %s: %w", path, err)
	}
	return out, nil
}

func trimOptionalQuotes(v string) string {
	if len(v) < 2 {
		return v
	}
	if strings.HasPrefix(v, "\"") && strings.HasSuffix(v, "\"") {
		return v[1 : len(v)-1]
	}
	if strings.HasPrefix(v, "'") && strings.HasSuffix(v, "'") {
		return v[1 : len(v)-1]
	}
	return v
}

// MissingKeys reports which of the requested keys were absent from the
// parsed env file, letting callers fail fast with a precise error
// instead of a nil-map lookup deeper in channel startup.
func MissingKeys(values map[string]string, keys []string) []string {
	var missing []string
	for _, k := range keys {
		if _, ok := values[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}
