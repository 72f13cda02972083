package enrich

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Sternrassler/link-enricher/pkg/provider"
)

// maxImportChars bounds the text sent for import repair.
const maxImportChars = 10000

const systemPrompt = "You are an analyst cataloguing security, pentesting and OSINT tools. " +
	"Answer only with JSON matching the requested schema."

var (
	batchSchema = provider.Object(map[string]*provider.Schema{
		"results": provider.ArrayOf(provider.Object(map[string]*provider.Schema{
			"id":          provider.String(),
			"description": provider.String(),
			"category":    provider.String(),
			"tags":        provider.ArrayOf(provider.String()),
			"status":      provider.String(StatusOK, StatusUnknown),
		})),
	})

	searchSchema = provider.Object(map[string]*provider.Schema{
		"matchedIds": provider.ArrayOf(provider.String()),
	})

	importSchema = provider.Object(map[string]*provider.Schema{
		"items": provider.ArrayOf(&provider.Schema{
			Type: "object",
			Properties: map[string]*provider.Schema{
				"name":        provider.String(),
				"url":         provider.String(),
				"category":    provider.String(),
				"description": provider.String(),
			},
			Required: []string{"name", "url"},
		}),
	})
)

func batchPrompt(items []BatchItem, language string) (string, error) {
	payload, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("marshal batch: %w", err)
	}
	return fmt.Sprintf(`Classify each tool below. For every entry return:
- "id": the id exactly as given
- "description": a concise description in %s (max 25 words)
- "category": one specific category (e.g. Threat Intelligence, OSINT, Vulnerability Scanning, Dorks, Code Search)
- "tags": 3-5 relevant tags
- "status": "ok", or "unknown" when you cannot identify the tool (leave the other fields empty)

Tools:
%s`, language, payload), nil
}

type searchEntry struct {
	ID  string `json:"id"`
	Txt string `json:"txt"`
}

func searchPrompt(query string, entries []searchEntry) (string, error) {
	payload, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshal search list: %w", err)
	}
	return fmt.Sprintf(`User query: %q

Select the ids of the tools in the list that are most relevant to the query.
Match intent, not just words: "wifi" should match "wireless", "password" should match "credentials" or "dork".
Return an object with a "matchedIds" array of strings.

List: %s`, query, payload), nil
}

func importPrompt(raw string) string {
	return fmt.Sprintf(`The user is importing a list of websites and tools but the JSON or text is messy.
Extract the valid entries. Every entry needs "name" and "url", and optionally "category" and "description".
Fix typos in keys and ignore junk text. Return an object with an "items" array.

Input data:
%s`, truncateRunes(raw, maxImportChars))
}

// truncateRunes cuts s to at most n characters without splitting a rune.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// stripFences removes a surrounding markdown code fence, which some models
// add despite the JSON response type.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

type rawResult struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	Status      string   `json:"status"`
}

// parseBatch decodes a batch response and correlates it with the submitted
// items. Ids are matched case-insensitively and unknown ids are dropped; a
// response that is not the expected document, or an entry lacking a required
// field, fails the whole batch.
func parseBatch(text string, items []BatchItem) (map[string]Result, []string, error) {
	var doc struct {
		Results *[]rawResult `json:"results"`
	}
	if err := json.Unmarshal([]byte(stripFences(text)), &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if doc.Results == nil {
		return nil, nil, fmt.Errorf("%w: missing results", ErrMalformedResponse)
	}

	byLower := make(map[string]string, len(items))
	for _, it := range items {
		byLower[strings.ToLower(it.ID)] = it.ID
	}

	results := make(map[string]Result, len(items))
	var unknown []string
	for _, r := range *doc.Results {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			return nil, nil, fmt.Errorf("%w: result without id", ErrMalformedResponse)
		}
		original, ok := byLower[strings.ToLower(id)]
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		if _, dup := results[original]; dup {
			continue
		}
		res := Result{
			Description: strings.TrimSpace(r.Description),
			Category:    strings.TrimSpace(r.Category),
			Tags:        cleanTags(r.Tags),
			Status:      strings.TrimSpace(r.Status),
		}
		if missing := missingFields(res); len(missing) > 0 {
			return nil, nil, fmt.Errorf("%w: result %s missing %s", ErrMalformedResponse, id, strings.Join(missing, ", "))
		}
		results[original] = res
	}
	return results, unknown, nil
}

// missingFields lists the required fields r lacks. A soft failure needs none.
func missingFields(r Result) []string {
	if IsSoftFailure(r) {
		return nil
	}
	var missing []string
	if r.Description == "" {
		missing = append(missing, "description")
	}
	if r.Category == "" {
		missing = append(missing, "category")
	}
	if len(r.Tags) == 0 {
		missing = append(missing, "tags")
	}
	return missing
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseSearch(text string) ([]string, error) {
	var doc struct {
		MatchedIDs []string `json:"matchedIds"`
	}
	if err := json.Unmarshal([]byte(stripFences(text)), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return doc.MatchedIDs, nil
}

// ImportedLink is one entry recovered from messy import text.
type ImportedLink struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
}

func parseImport(text string) ([]ImportedLink, error) {
	text = stripFences(text)

	var links []ImportedLink
	if strings.HasPrefix(text, "[") {
		if err := json.Unmarshal([]byte(text), &links); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	} else {
		var doc struct {
			Items []ImportedLink `json:"items"`
		}
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		links = doc.Items
	}

	out := make([]ImportedLink, 0, len(links))
	for _, l := range links {
		l.Name = strings.TrimSpace(l.Name)
		l.URL = strings.TrimSpace(l.URL)
		if l.URL == "" {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}
