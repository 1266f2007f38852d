// Package sanitize strips markup and script vectors from free text.
//
// It runs twice per chat request: on the visitor's message before validation,
// and on the model's reply before it is returned to the browser.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	tagPattern          = regexp.MustCompile(`<[^>]*>`)
	schemePattern       = regexp.MustCompile(`(?i)\b(?:javascript|vbscript|data)\s*:`)
	eventHandlerPattern = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
)

// stripped are removed after the pattern passes so half-open tags cannot survive.
var stripped = strings.NewReplacer("<", "", ">", "", `"`, "", "'", "", "`", "")

// Text returns s with HTML tags, dangerous URI schemes, inline event handler
// attributes and the characters < > " ' ` removed, trimmed of surrounding space.
func Text(s string) string {
	if s == "" {
		return ""
	}
	s = tagPattern.ReplaceAllString(s, "")
	s = schemePattern.ReplaceAllString(s, "")
	s = eventHandlerPattern.ReplaceAllString(s, "")
	s = stripped.Replace(s)
	return strings.TrimSpace(s)
}
