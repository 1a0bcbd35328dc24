package broadcast

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// RenderTemplate substitutes {{field}} placeholders from the recipient's data
// row. Field names are case-sensitive; unknown placeholders are left
// untouched so a typo is visible in the delivered message rather than
// silently blanked.
func RenderTemplate(text string, data map[string]string) string {
	if text == "" || !strings.Contains(text, "{{") {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		field := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := data[field]; ok {
			return v
		}
		return m
	})
}
