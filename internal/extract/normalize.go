// Package extract turns message text into deadline events: it flattens the
// MIME part tree, finds keyword-bearing lines, pulls date candidates out of
// them, resolves those into timestamps and builds deduplicated events.
//
// Everything here is pure: no I/O, no shared mutable state. The only ambient
// inputs (time zone and clock) come in through Config.
package extract

import (
	"html"
	"regexp"
	"strings"

	"email2deadline/internal/model"
)

var (
	styleBlockPattern  = regexp.MustCompile(`(?is)<style.*?</style>`)
	scriptBlockPattern = regexp.MustCompile(`(?is)<script.*?</script>`)
	htmlTagPattern     = regexp.MustCompile(`<[^>]+>`)
	nbspPattern        = regexp.MustCompile(`(?i)&nbsp;`)
)

// StripHTML removes style/script blocks, tags and &nbsp; from an HTML body,
// decodes the remaining entities and collapses whitespace runs to one space.
// Malformed markup is stripped best-effort by tag boundaries.
func StripHTML(s string) string {
	s = styleBlockPattern.ReplaceAllString(s, " ")
	s = scriptBlockPattern.ReplaceAllString(s, " ")
	s = htmlTagPattern.ReplaceAllString(s, " ")
	s = nbspPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return collapseSpace(s)
}

// CollectText flattens a part tree depth-first into one plain-text blob,
// joining leaf bodies with newlines. HTML bodies are stripped; plain bodies
// keep their line structure so that line scanning still works.
func CollectText(root model.MessagePart) string {
	var out []string
	collectPart(root, &out)
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func collectPart(part model.MessagePart, out *[]string) {
	if strings.TrimSpace(part.Body) != "" {
		if strings.Contains(strings.ToLower(part.ContentType), "html") {
			if text := StripHTML(part.Body); text != "" {
				*out = append(*out, text)
			}
		} else {
			*out = append(*out, part.Body)
		}
	}
	for _, child := range part.Parts {
		collectPart(child, out)
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
