package evidence

import (
	"encoding/xml"
	"strings"
)

// Envelope renders the pack as the XML user prompt. The original query is
// escaped so user text can never break out of its element and masquerade as
// evidence or instructions.
func (p *Pack) Envelope(userQuery string) string {
	var b strings.Builder
	b.WriteString("<live_data_evidence>\n")

	b.WriteString("  <system_instructions>")
	b.WriteString(escapeXML(strings.Join(p.SystemPromptAdditions, " ")))
	b.WriteString("</system_instructions>\n")

	for _, item := range p.ContextItems {
		freshness := "verified"
		if item.IsStale {
			freshness = "stale"
		}
		b.WriteString(`  <data category="`)
		b.WriteString(escapeXML(item.Category))
		b.WriteString(`" entity="`)
		b.WriteString(escapeXML(item.Entity))
		b.WriteString(`" freshness="`)
		b.WriteString(freshness)
		b.WriteString(`">`)
		b.WriteString(escapeXML(item.Content))
		b.WriteString("</data>\n")
	}

	if len(p.FreshnessWarnings) > 0 {
		b.WriteString("  <freshness_warnings>")
		b.WriteString(escapeXML(strings.Join(p.FreshnessWarnings, "; ")))
		b.WriteString("</freshness_warnings>\n")
	}

	b.WriteString("  <user_query>")
	b.WriteString(escapeXML(userQuery))
	b.WriteString("</user_query>\n")
	b.WriteString("</live_data_evidence>")
	return b.String()
}

func escapeXML(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
