package core

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Normalizer expands internal jargon and codenames in feature text before
// retrieval or reasoning sees it. It is a pure local transform: no network,
// no LLM. Recognized tokens are annotated inline ("KR" -> "KR (South Korea)"),
// everything else passes through unchanged.
type Normalizer struct {
	terms []jargonTerm
}

type jargonTerm struct {
	abbr      string
	expansion string
	pattern   *regexp.Regexp
}

// LoadJargonMap reads the abbreviation -> expansion table from a YAML file.
// The table is loaded once per process; reloads are triggered externally.
func LoadJargonMap(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jargon file %s: %w", path, err)
	}
	mapping := make(map[string]string)
	if err := yaml.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("failed to parse jargon file %s: %w", path, err)
	}
	return mapping, nil
}

// NewNormalizer compiles the mapping into word-boundary patterns, ordered
// longest abbreviation first so a longer codename is never clobbered by a
// shorter one it contains.
func NewNormalizer(mapping map[string]string) *Normalizer {
	terms := make([]jargonTerm, 0, len(mapping))
	for abbr, expansion := range mapping {
		abbr = strings.TrimSpace(abbr)
		expansion = strings.TrimSpace(expansion)
		if abbr == "" || expansion == "" || abbr == expansion {
			continue
		}
		terms = append(terms, jargonTerm{
			abbr:      abbr,
			expansion: expansion,
			pattern:   regexp.MustCompile(`\b` + regexp.QuoteMeta(abbr) + `\b`),
		})
	}
	sort.Slice(terms, func(i, j int) bool {
		if len(terms[i].abbr) != len(terms[j].abbr) {
			return len(terms[i].abbr) > len(terms[j].abbr)
		}
		return terms[i].abbr < terms[j].abbr
	})
	return &Normalizer{terms: terms}
}

// Normalize returns the text with every recognized token annotated with its
// expansion. Normalizing already-normalized text is a no-op.
func (n *Normalizer) Normalize(text string) string {
	for _, t := range n.terms {
		text = t.apply(text)
	}
	return text
}

func (t jargonTerm) apply(text string) string {
	locs := t.pattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text
	}

	annotation := " (" + t.expansion + ")"
	var sb strings.Builder
	last := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		sb.WriteString(text[last:start])
		sb.WriteString(text[start:end])
		// Already annotated on a previous pass; leave it alone.
		if !strings.HasPrefix(text[end:], annotation) {
			sb.WriteString(annotation)
		}
		last = end
	}
	sb.WriteString(text[last:])
	return sb.String()
}
