// internal/template/template.go
package template

import (
	"fmt"
	"regexp"

	"github.com/colebrumley/integrator/internal/security"
)

var templateVar = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Expand replaces {{variable}} placeholders with sanitized values from data.
// Unknown placeholders are left as they are.
func Expand(tmpl string, data map[string]any) string {
	return templateVar.ReplaceAllStringFunc(tmpl, func(match string) string {
		varName := match[2 : len(match)-2]

		if val, ok := data[varName]; ok {
			return security.SanitizeValue(fmt.Sprintf("%v", val))
		}
		return match
	})
}

// Vars returns the placeholder names used in tmpl, in order of appearance.
func Vars(tmpl string) []string {
	var names []string
	for _, m := range templateVar.FindAllStringSubmatch(tmpl, -1) {
		names = append(names, m[1])
	}
	return names
}
