package wiki

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// boilerplateSections are trailing sections removed from extracts before
// anonymization, from the heading through the end of the text.
var boilerplateSections = []*regexp.Regexp{
	regexp.MustCompile(`(?is)== References ==.*`),
	regexp.MustCompile(`(?is)== External links ==.*`),
	regexp.MustCompile(`(?is)== Further reading ==.*`),
	regexp.MustCompile(`(?is)== See also ==.*`),
	regexp.MustCompile(`(?is)== Notes ==.*`),
}

// conceptToken matches an already-anonymized link mention. Replacement
// patterns carry it as a guard alternative so a second anonymization pass
// leaves existing tokens untouched.
const conceptToken = `\[CONCEPT_\d+: [^\]]*\]`

// Anonymize strips boilerplate sections from extract and replaces every
// whole-word, case-insensitive mention of a link title with a
// [CONCEPT_NN: title] token. Concept IDs are assigned by first-occurrence
// order of the deduplicated link list; replacement runs longest title
// first so longer titles win over their substrings.
//
// Returns the anonymized text and the CONCEPT_NN -> title mapping.
// An empty extract yields an empty mapping but never an error.
func Anonymize(extract string, links []string) (string, map[string]string) {
	for _, section := range boilerplateSections {
		extract = section.ReplaceAllString(extract, "")
	}

	unique := dedupe(links)

	mapping := make(map[string]string, len(unique))
	idByTitle := make(map[string]string, len(unique))
	for i, title := range unique {
		id := fmt.Sprintf("CONCEPT_%02d", i)
		mapping[id] = title
		idByTitle[title] = id
	}

	ordered := make([]string, len(unique))
	copy(ordered, unique)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i]) > len(ordered[j])
	})

	for _, title := range ordered {
		id := idByTitle[title]
		pattern, err := regexp.Compile(`(?i)` + conceptToken + `|\b` + regexp.QuoteMeta(title) + `\b`)
		if err != nil {
			continue
		}
		replacement := "[" + id + ": " + title + "]"
		extract = pattern.ReplaceAllStringFunc(extract, func(match string) string {
			if strings.HasPrefix(match, "[CONCEPT_") {
				return match
			}
			return replacement
		})
	}

	return extract, mapping
}

// dedupe removes duplicate titles preserving first-occurrence order.
func dedupe(links []string) []string {
	seen := make(map[string]bool, len(links))
	unique := make([]string, 0, len(links))
	for _, title := range links {
		if seen[title] {
			continue
		}
		seen[title] = true
		unique = append(unique, title)
	}
	return unique
}
