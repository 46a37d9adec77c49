package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
)

// localFile serves secrets from a developer-maintained file of `secret://name=value` lines. Lines
// match every version of the named secret. The file is read once on first use, and a missing file
// behaves as an empty one.
type localFile struct {
	path string

	once   sync.Once
	values map[string]string
	err    error
}

func (l *localFile) lookup(ref Reference) (string, error) {
	l.once.Do(l.load)
	if l.err != nil {
		return "", l.err
	}
	if v, ok := l.values[ref.String()]; ok {
		return v, nil
	}
	return "", fmt.Errorf("secrets: %s not present in local fallback %q", ref, l.path)
}

func (l *localFile) load() {
	l.values = map[string]string{}
	if l.path == "" {
		return
	}
	file, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		l.err = fmt.Errorf("secrets: open %s: %w", l.path, err)
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || text[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			continue
		}
		ref, err := ParseReference(key)
		if err != nil {
			continue
		}
		l.values[ref.String()] = unquote(strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		l.err = fmt.Errorf("secrets: read %s: %w", l.path, err)
	}
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
