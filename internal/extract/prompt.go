package extract

import (
	"fmt"
	"strings"
)

// Prompt variants.
const (
	PromptEnhanced = "enhanced"
	PromptLegacy   = "legacy"
)

const enhancedSystem = `You extract software release information from vendor pages for a version tracking service.

Rules:
- Report only versions of the named product. Ignore other products, plugins, SDKs and drivers that appear on the same page.
- releaseDate must be a date printed on the page next to that version, in YYYY-MM-DD form. If the page shows no date for a version, use null. Never guess a date from copyright lines, "last updated" banners, today's date or the order of entries.
- notes is a short plain-text summary (at most 500 characters) of what changed in that version, taken from the page. Use "" when the page lists the version without notes.
- type is "major", "minor" or "patch".
- confidence is 0-100: how sure you are that the versions belong to the named product and that the newest one is current.
- productNameFound is true only if the product name (or an obvious variant of it) appears in the content.
- Return a single JSON object and nothing else.`

const legacySystem = "You extract software version numbers and release notes from web pages. Return valid JSON only. Use null for any release date the page does not state."

const responseSchema = `{
  "manufacturer": "<company that makes the product>",
  "category": "<product category, e.g. DAW, Operating System, Firmware>",
  "currentVersion": "<newest version or null>",
  "releaseDate": "<YYYY-MM-DD or null>",
  "versions": [
    {"version": "<version>", "releaseDate": "<YYYY-MM-DD or null>", "notes": "<summary>", "type": "major|minor|patch"}
  ],
  "confidence": <0-100>,
  "productNameFound": <true|false>,
  "validationNotes": "<anything doubtful about this page>"
}`

const enhancedPrompt = `Product: %s
Known manufacturer: %s
Source URL: %s
%s
Content:
%s

List every release of %s found in the content, newest first. Return JSON matching this schema:
%s`

const legacyPrompt = `Find the versions of %s in this page (%s).

%s

Return JSON matching this schema:
%s`

// PromptInput is what a prompt is built from.
type PromptInput struct {
	Product      string
	Manufacturer string
	SourceURL    string
	Content      string
	FoundProduct bool
}

// BuildPrompt returns the system and user prompt for variant. Unknown
// variants use the enhanced prompt.
func BuildPrompt(variant string, in PromptInput) (system, user string) {
	if variant == PromptLegacy {
		return legacySystem, fmt.Sprintf(legacyPrompt, in.Product, in.SourceURL, in.Content, responseSchema)
	}

	manufacturer := strings.TrimSpace(in.Manufacturer)
	if manufacturer == "" {
		manufacturer = "unknown"
	}
	note := ""
	if !in.FoundProduct {
		note = "Note: the product name does not appear verbatim in the content; it is the start of the page.\n"
	}
	return enhancedSystem, fmt.Sprintf(enhancedPrompt,
		in.Product, manufacturer, in.SourceURL, note, in.Content, in.Product, responseSchema)
}
