package scanner

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ParseBlacklist reads newline-delimited device IDs. Lines are trimmed and
// uppercased; blank lines and lines starting with '#' are skipped.
func ParseBlacklist(r io.Reader) ([]string, error) {
	var ids []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, strings.ToUpper(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read blacklist: %w", err)
	}
	return ids, nil
}

// LoadBlacklistFile parses a blacklist file from disk
func LoadBlacklistFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blacklist file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseBlacklist(f)
}
