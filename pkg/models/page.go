package models

// WikiPage is a fetched article with its extract anonymized: every link
// mention in the text is replaced by a [CONCEPT_NN: title] token, and
// Mapping resolves each concept ID back to the original article title.
// Concept IDs are unique within a page and stable for the lifetime of
// the fetched page.
type WikiPage struct {
	Title   string            `json:"title"`
	Extract string            `json:"extract"`
	Links   []string          `json:"links"`
	Mapping map[string]string `json:"mapping"`
}

// FilteredMapping returns a copy of Mapping without the excluded concept
// IDs. A nil or empty exclusion set returns a copy of the full mapping.
func (p *WikiPage) FilteredMapping(excluded map[string]bool) map[string]string {
	filtered := make(map[string]string, len(p.Mapping))
	for id, title := range p.Mapping {
		if excluded[id] {
			continue
		}
		filtered[id] = title
	}
	return filtered
}
