// Package frontmatter reads and writes markdown documents that begin with a
// YAML header delimited by "---" lines.
package frontmatter

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const delimiter = "---"

// ErrNoFrontmatter is returned when a document does not open with "---".
var ErrNoFrontmatter = errors.New("missing frontmatter")

// Split separates the YAML header from the body. The body excludes the
// newline that follows the closing delimiter.
func Split(content []byte) (header, body []byte, err error) {
	text := string(content)
	text = strings.TrimPrefix(text, "\ufeff")

	first, rest, ok := strings.Cut(text, "\n")
	if !ok || strings.TrimRight(first, "\r") != delimiter {
		return nil, nil, ErrNoFrontmatter
	}

	var hdr strings.Builder
	for {
		line, after, more := strings.Cut(rest, "\n")
		if strings.TrimRight(line, "\r") == delimiter {
			return []byte(hdr.String()), []byte(after), nil
		}
		if !more {
			return nil, nil, fmt.Errorf("unterminated frontmatter: %w", ErrNoFrontmatter)
		}
		hdr.WriteString(line)
		hdr.WriteByte('\n')
		rest = after
	}
}

// Parse decodes the header into v and returns the body with one trailing
// newline removed, matching what Render appends.
func Parse(content []byte, v any) (string, error) {
	header, body, err := Split(content)
	if err != nil {
		return "", err
	}
	if err := yaml.Unmarshal(header, v); err != nil {
		return "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return strings.TrimSuffix(string(body), "\n"), nil
}

// Render encodes v as the header followed by body and a final newline.
func Render(v any, body string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}

	buf.WriteString(delimiter + "\n")
	buf.WriteString(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
