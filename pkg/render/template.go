// Package render turns letter templates into PDFs.
package render

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// ErrTemplateNotFound is returned when a template file does not exist.
var ErrTemplateNotFound = errors.New("render: template not found")

// LoadTemplate reads a template saved in Windows-1252, the encoding Word
// uses when exporting letters to HTML.
func LoadTemplate(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, path)
		}
		return "", fmt.Errorf("render: read template %s: %w", path, err)
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("render: decode template %s: %w", path, err)
	}
	return string(decoded), nil
}

// Substitute replaces {{Key}}, {{ Key }}, {Key} and { Key } for every key
// in values. Values are inserted literally and unknown placeholders are
// left in place. Keys are applied in sorted order so output is stable.
func Substitute(html string, values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := values[k]
		html = strings.ReplaceAll(html, "{{"+k+"}}", v)
		html = strings.ReplaceAll(html, "{{ "+k+" }}", v)
		html = strings.ReplaceAll(html, "{"+k+"}", v)
		html = strings.ReplaceAll(html, "{ "+k+" }", v)
	}
	return html
}

var placeholderRE = regexp.MustCompile(`\{\{\s*([A-Za-z][A-Za-z0-9_]*)\s*\}\}|\{\s*([A-Za-z][A-Za-z0-9_]*)\s*\}`)

// Placeholders lists the distinct keys referenced by a template, in order
// of first appearance.
func Placeholders(html string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, m := range placeholderRE.FindAllStringSubmatch(html, -1) {
		key := m[1]
		if key == "" {
			key = m[2]
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
