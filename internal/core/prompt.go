package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"regtok.com/compliance-service/internal/store"
)

const analysisInstructions = `You are an expert compliance officer for a tech company. Analyze the product feature description below and determine whether it requires geo-specific compliance logic (for example age gates, data localization, or content restrictions for a specific country or state).

Respond with a single JSON object with exactly these keys:
1. "flag": a single string, one of "Yes", "No", or "Uncertain".
   - "Yes": a law or regulation clearly requires specific logic for a geographic region.
   - "No": the feature is generic with no obvious connection to geographically-specific regulations.
   - "Uncertain": the feature is ambiguous or the passages hint at complexity that requires human review.
2. "reasoning": a concise explanation for your flag.
3. "related_regulations": a list of the names of specific regulations relevant to the feature (e.g. ["GDPR", "Utah S.B. 152"]). Use an empty list if none apply.
4. "cited_sources": a list of the source ids, shown in brackets before each reference passage, that support your reasoning. Only ids that appear in the reference passages may be listed. Use an empty list if no passage supports the analysis.`

// PromptBuilder assembles a prompt from explicit ordered sections instead of
// ad hoc concatenation, so the final string is deterministic and testable.
type PromptBuilder struct {
	sections []promptSection
}

type promptSection struct {
	title string
	body  string
}

func (b *PromptBuilder) Add(title, body string) *PromptBuilder {
	b.sections = append(b.sections, promptSection{title: title, body: body})
	return b
}

func (b *PromptBuilder) String() string {
	var sb strings.Builder
	for i, s := range b.sections {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("## ")
		sb.WriteString(s.title)
		sb.WriteString("\n\n")
		sb.WriteString(strings.TrimSpace(s.body))
	}
	return sb.String()
}

// BuildAnalysisPrompt lays out the sections in fixed order: task
// instructions and output schema, retrieved passages labeled by source id,
// reviewed exemplars as worked input/output pairs, then the query.
func BuildAnalysisPrompt(normalizedText string, passages []store.RetrievedPassage, exemplars []store.Exemplar) string {
	b := &PromptBuilder{}
	b.Add("Task", analysisInstructions)

	if len(passages) > 0 {
		var sb strings.Builder
		for _, p := range passages {
			fmt.Fprintf(&sb, "[%s]\n%s\n\n", p.SourceID, p.Excerpt)
		}
		b.Add("Reference Passages", sb.String())
	} else {
		b.Add("Reference Passages", "No regulatory passages were found for this feature.")
	}

	if len(exemplars) > 0 {
		var sb strings.Builder
		for _, e := range exemplars {
			fmt.Fprintf(&sb, "Feature: %q\nCorrect analysis:\n%s\n\n", e.QueryText, exemplarJSON(e))
		}
		b.Add("Reviewed Examples", sb.String())
	}

	b.Add("Product Feature", fmt.Sprintf("%q", normalizedText))
	return b.String()
}

// BuildCorrectionPrompt appends a correction section to the original prompt
// after a response failed schema validation, restating the requirement.
func BuildCorrectionPrompt(originalPrompt, rawResponse string, schemaErr error) string {
	b := &PromptBuilder{}
	b.Add("Correction", fmt.Sprintf(
		"Your previous response could not be accepted: %v.\n\nPrevious response:\n%s\n\nRespond again to the task below with only the JSON object in the required schema.",
		schemaErr, strings.TrimSpace(rawResponse)))
	return b.String() + "\n\n" + originalPrompt
}

func exemplarJSON(e store.Exemplar) string {
	regulations := e.Regulations
	if regulations == nil {
		regulations = []string{}
	}
	out, err := json.MarshalIndent(map[string]any{
		"flag":                string(e.Verdict),
		"reasoning":           e.Reasoning,
		"related_regulations": regulations,
	}, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(out)
}
