package flow

import (
	"regexp"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Interpolate substitutes {{name}} placeholders in a template from the
// variable bag. Placeholders with no matching variable are left intact so a
// misconfigured flow stays visible in the delivered text.
func Interpolate(template string, vars map[string]string) string {
	if template == "" || !strings.Contains(template, "{{") {
		return template
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if val, ok := vars[name]; ok {
			return val
		}
		return match
	})
}

func formatTimestamp(ts int64) string {
	return strconv.FormatInt(ts, 10)
}
