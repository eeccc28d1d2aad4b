package performance

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Resolve replaces {{name}} placeholders in input.
//
// Lookup order is vars first, then the builtins:
//
//	{{vu}}         ID of the virtual user
//	{{iteration}}  iteration number of the virtual user
//	{{uuid}}       a fresh random UUID per occurrence
//	{{timestamp}}  current Unix time in milliseconds
//
// Unknown placeholders are left as-is.
func Resolve(input string, vars map[string]string, vu int, iteration int64) string {
	if !strings.Contains(input, "{{") {
		return input
	}

	return placeholderRe.ReplaceAllStringFunc(input, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]

		if v, ok := vars[name]; ok {
			return v
		}

		switch name {
		case "vu":
			return strconv.Itoa(vu)
		case "iteration":
			return strconv.FormatInt(iteration, 10)
		case "uuid":
			return uuid.NewString()
		case "timestamp":
			return strconv.FormatInt(time.Now().UnixMilli(), 10)
		default:
			return m
		}
	})
}
