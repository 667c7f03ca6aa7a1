package intel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vection-dev/vection/internal/llm"
)

// DefaultMaxPromptChars bounds the synthesis prompt (~4000 tokens at the
// rough 4-chars-per-token estimate).
const DefaultMaxPromptChars = 16000

// Synthesizer produces the final response from the reasoning chain and
// evidence: LLM-polished when a provider is available, template-based
// otherwise.
type Synthesizer struct {
	provider       llm.Provider // nil = template mode
	maxPromptChars int
}

// NewSynthesizer creates the synthesis stage. A nil provider selects
// template mode.
func NewSynthesizer(provider llm.Provider, maxPromptChars int) *Synthesizer {
	if maxPromptChars <= 0 {
		maxPromptChars = DefaultMaxPromptChars
	}
	return &Synthesizer{provider: provider, maxPromptChars: maxPromptChars}
}

// Synthesize builds the final response. LLM failures fall back to the
// template path rather than surfacing an error.
func (s *Synthesizer) Synthesize(ctx context.Context, chain *ReasoningChain, set *EvidenceSet, temperature float64) *SynthesizedResponse {
	evidenceByID := make(map[string]Evidence, len(set.Evidence))
	for _, e := range set.Evidence {
		evidenceByID[e.ID] = e
	}

	var used []Evidence
	for _, id := range chain.EvidenceUsed {
		if e, ok := evidenceByID[id]; ok {
			used = append(used, e)
		}
	}

	citations, sources := buildCitations(used)

	var answer string
	if s.provider != nil {
		polished, err := s.llmSynthesize(ctx, chain, used, temperature)
		if err != nil {
			slog.Warn("llm_synthesis_failed",
				slog.String("error", err.Error()),
				slog.String("fallback", "template"))
			answer = templateSynthesize(chain, used)
		} else {
			answer = polished
		}
	} else {
		answer = templateSynthesize(chain, used)
	}

	// Warnings from the reasoning chain are surfaced verbatim.
	if len(chain.Warnings) > 0 {
		answer += "\n\n**Note:** " + chain.Warnings[0]
	}

	return &SynthesizedResponse{
		Query:          chain.Query,
		Answer:         answer,
		ReasoningChain: chain,
		EvidenceSet:    set,
		Confidence:     chain.OverallConfidence,
		Sources:        sources,
		Citations:      citations,
	}
}

// buildCitations generates citation strings and source metadata,
// deduplicated by source file.
func buildCitations(evidence []Evidence) ([]string, []Source) {
	var citations []string
	var sources []Source
	seenCitations := make(map[string]bool)
	seenFiles := make(map[string]bool)

	for _, e := range evidence {
		citation := e.Citation()
		if citation != "" && !seenCitations[citation] {
			seenCitations[citation] = true
			citations = append(citations, citation)
		}

		if e.SourceFile != "" && !seenFiles[e.SourceFile] {
			seenFiles[e.SourceFile] = true
			src := Source{
				File:       e.SourceFile,
				Type:       string(e.Type),
				Confidence: e.Confidence,
			}
			if e.SourceLineStart > 0 {
				end := e.SourceLineEnd
				if end == 0 {
					end = e.SourceLineStart
				}
				src.Lines = fmt.Sprintf("%d-%d", e.SourceLineStart, end)
			}
			sources = append(sources, src)
		}
	}
	return citations, sources
}

// llmSynthesize asks the LLM for a polished answer grounded in the
// reasoning and evidence.
func (s *Synthesizer) llmSynthesize(ctx context.Context, chain *ReasoningChain, evidence []Evidence, temperature float64) (string, error) {
	prompt := s.buildPrompt(chain, evidence)

	response, err := s.provider.Generate(ctx, llm.GenerateRequest{
		Prompt:      prompt,
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}

	response = strings.TrimSpace(response)
	response = strings.TrimSpace(strings.TrimPrefix(response, "Answer:"))
	return response, nil
}

// buildPrompt embeds the reasoning chain and evidence within the prompt
// budget.
func (s *Synthesizer) buildPrompt(chain *ReasoningChain, evidence []Evidence) string {
	var b strings.Builder

	b.WriteString("You are a precise assistant that answers questions based on provided evidence. " +
		"Your answer must be grounded in the evidence below. Do not speculate or add information " +
		"not present in the evidence. Be clear, concise, and accurate.\n\n")

	fmt.Fprintf(&b, "**Question:** %s\n\n", chain.Query)

	b.WriteString("**Reasoning Process:**\n")
	for _, step := range chain.Steps {
		if step.StepType == StepUncertainty {
			continue
		}
		fmt.Fprintf(&b, "%d. %s\n", step.StepNumber, step.Content)
	}
	b.WriteString("\n**Evidence:**\n")

	for i, e := range evidence {
		entry := fmt.Sprintf("\n[%d] Source: %s\n%s\n", i+1, e.SourceFile, e.Content)
		if b.Len()+len(entry) > s.maxPromptChars {
			fmt.Fprintf(&b, "\n... (%d more sources omitted)\n", len(evidence)-i)
			break
		}
		b.WriteString(entry)
	}

	b.WriteString("\n**Instructions:**\n" +
		"Based on the reasoning and evidence above, provide a clear, accurate answer. " +
		"Cite sources using [Source: filename] notation. " +
		"If the evidence is incomplete, acknowledge this.\n" +
		"\n**Answer:**")

	return b.String()
}

// templateSynthesize joins the conclusion step's evidence contents with a
// short attribution line. No LLM required.
func templateSynthesize(chain *ReasoningChain, evidence []Evidence) string {
	evidenceByID := make(map[string]Evidence, len(evidence))
	for _, e := range evidence {
		evidenceByID[e.ID] = e
	}

	var parts []string
	for _, step := range chain.Steps {
		if step.StepType != StepConclusion {
			continue
		}
		for _, id := range step.SupportingEvidence {
			if e, ok := evidenceByID[id]; ok {
				parts = append(parts, e.Content)
			}
		}
	}

	if len(parts) == 0 {
		// Fall back to the strongest evidence available.
		top := evidence
		if len(top) > 2 {
			top = top[:2]
		}
		for _, e := range top {
			parts = append(parts, e.Content)
		}
	}
	if len(parts) == 0 {
		return chain.FinalAnswer
	}

	answer := strings.Join(parts, "\n\n")

	if len(evidence) > 1 {
		seen := make(map[string]bool)
		var names []string
		for _, e := range evidence {
			name := baseName(e.SourceFile)
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
		if len(names) > 3 {
			names = names[:3]
		}
		answer += fmt.Sprintf("\n\n*Synthesized from %d source(s): %s*", len(seen), strings.Join(names, ", "))
	}

	return answer
}
