// Package jsonpath looks up values in JSON response bodies.
//
// Paths may be written as JSONPath ($.choices[0].text) or in gjson syntax
// (choices.0.text); both resolve to the same value.
package jsonpath

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	quotedKeyRe = regexp.MustCompile(`\[\s*['"]([^'"]*)['"]\s*\]`)
	indexRe     = regexp.MustCompile(`\[\s*(\d+|\*)\s*\]`)
)

// Lookup resolves path against body.
func Lookup(body []byte, path string) gjson.Result {
	return gjson.GetBytes(body, ToGjson(path))
}

// Extract resolves path and returns the value as a string. It fails when the
// body is empty or the path does not exist.
func Extract(body []byte, path string) (string, error) {
	if len(body) == 0 {
		return "", fmt.Errorf("empty JSON body")
	}
	if path == "" {
		return "", fmt.Errorf("empty JSON path")
	}

	result := Lookup(body, path)
	if !result.Exists() {
		return "", fmt.Errorf("path not found: %s", path)
	}
	if result.Type == gjson.Null {
		return "null", nil
	}
	return result.String(), nil
}

// ToGjson converts a JSONPath expression into gjson syntax. Paths that do
// not start with "$" are returned unchanged.
func ToGjson(path string) string {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "$") {
		return path
	}

	path = strings.TrimPrefix(path, "$")
	if path == "" {
		return "@this"
	}

	// $['bot response'] -> .bot response ; $.items[2] -> .items.2 ; [*] -> .#
	path = quotedKeyRe.ReplaceAllString(path, ".$1")
	path = indexRe.ReplaceAllStringFunc(path, func(m string) string {
		idx := strings.TrimSpace(strings.Trim(m, "[]"))
		if idx == "*" {
			return ".#"
		}
		return "." + idx
	})

	return strings.TrimPrefix(path, ".")
}
