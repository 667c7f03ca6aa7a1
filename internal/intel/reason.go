package intel

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// DefaultMinEvidenceForConfidence is the strong-evidence count below
// which an uncertainty step is emitted.
const DefaultMinEvidenceForConfidence = 2

// Reasoner constructs a transparent chain-of-thought over extracted
// evidence: what was observed, what can be inferred, where the gaps are,
// and a conclusion that references the evidence it used.
type Reasoner struct {
	minEvidenceForConfidence int
}

// NewReasoner creates the reasoning stage.
func NewReasoner(minEvidence int) *Reasoner {
	if minEvidence <= 0 {
		minEvidence = DefaultMinEvidenceForConfidence
	}
	return &Reasoner{minEvidenceForConfidence: minEvidence}
}

// Reason executes chain-of-thought reasoning over an evidence set.
// Steps are emitted in a fixed order: observation, validation (iff
// contradictions), inferences per evidence type present, synthesis (iff
// multiple source files), uncertainty (iff strong evidence is scarce),
// and always a conclusion last.
func (r *Reasoner) Reason(set *EvidenceSet) *ReasoningChain {
	var steps []ReasoningStep
	var warnings []string
	stepNum := 1

	strong := set.StrongEvidence()
	byType := set.ByType()

	steps = append(steps, r.observationStep(stepNum, set, strong))
	stepNum++

	if set.HasContradictions() {
		steps = append(steps, r.validationStep(stepNum, set))
		stepNum++
		warnings = append(warnings, "Found contradictory evidence - answer may vary by source")
	}

	if defs := byType[EvidenceDefinition]; len(defs) > 0 {
		steps = append(steps, r.inferFromDefinitions(stepNum, defs))
		stepNum++
	}
	if impls := byType[EvidenceImplementation]; len(impls) > 0 {
		steps = append(steps, r.inferFromImplementations(stepNum, impls))
		stepNum++
	}
	if examples := byType[EvidenceExample]; len(examples) > 0 {
		steps = append(steps, r.inferFromExamples(stepNum, examples))
		stepNum++
	}

	if len(set.SourceFiles()) > 1 {
		steps = append(steps, r.synthesisStep(stepNum, set))
		stepNum++
	}

	if len(strong) < r.minEvidenceForConfidence {
		steps = append(steps, r.uncertaintyStep(stepNum, set, strong))
		stepNum++
		warnings = append(warnings,
			fmt.Sprintf("Limited evidence: only %d strong sources found", len(strong)))
	}

	conclusion, finalAnswer := r.conclusionStep(stepNum, set, strong)
	steps = append(steps, conclusion)

	confidence := r.overallConfidence(set, steps, strong)

	used := make(map[string]bool)
	for _, step := range steps {
		for _, id := range step.SupportingEvidence {
			used[id] = true
		}
	}
	var evidenceUsed, evidenceUnused []string
	for _, e := range set.Evidence {
		if used[e.ID] {
			evidenceUsed = append(evidenceUsed, e.ID)
		} else {
			evidenceUnused = append(evidenceUnused, e.ID)
		}
	}
	sort.Strings(evidenceUsed)

	chain := &ReasoningChain{
		Query:             set.Query,
		Steps:             steps,
		FinalAnswer:       finalAnswer,
		OverallConfidence: confidence,
		EvidenceUsed:      evidenceUsed,
		EvidenceUnused:    evidenceUnused,
		Warnings:          warnings,
	}

	slog.Debug("reasoning_complete",
		slog.Int("steps", len(steps)),
		slog.Float64("confidence", confidence),
		slog.Int("evidence_used", len(evidenceUsed)))

	return chain
}

// MinimalChain is the degraded result used when reasoning is disabled or
// fails: a single conclusion over the top evidence.
func MinimalChain(set *EvidenceSet) *ReasoningChain {
	top := set.TopByConfidence(3)
	ids := make([]string, len(top))
	var parts []string
	for i, e := range top {
		ids[i] = e.ID
		if i < 2 {
			parts = append(parts, e.Content)
		}
	}

	return &ReasoningChain{
		Query: set.Query,
		Steps: []ReasoningStep{{
			StepNumber:         1,
			StepType:           StepConclusion,
			Content:            "Based on the retrieved evidence, here is the answer.",
			SupportingEvidence: ids,
			Confidence:         set.AverageConfidence(),
		}},
		FinalAnswer:       strings.Join(parts, "\n\n"),
		OverallConfidence: set.AverageConfidence(),
		EvidenceUsed:      ids,
	}
}

func (r *Reasoner) observationStep(num int, set *EvidenceSet, strong []Evidence) ReasoningStep {
	if len(strong) == 0 {
		ids := evidenceIDs(set.Evidence, 3)
		return ReasoningStep{
			StepNumber:         num,
			StepType:           StepObservation,
			Content:            fmt.Sprintf("I found %d pieces of evidence, but none are strongly relevant.", len(set.Evidence)),
			SupportingEvidence: ids,
			Confidence:         0.3,
		}
	}

	sources := make(map[string]bool)
	for _, e := range strong {
		sources[e.SourceFile] = true
	}
	return ReasoningStep{
		StepNumber: num,
		StepType:   StepObservation,
		Content: fmt.Sprintf("I found %d highly relevant evidence pieces from %d source file(s).",
			len(strong), len(sources)),
		SupportingEvidence: evidenceIDs(strong, 5),
		Confidence:         min(1.0, float64(len(strong))/5.0),
	}
}

func (r *Reasoner) validationStep(num int, set *EvidenceSet) ReasoningStep {
	var contradictory []Evidence
	sources := make(map[string]bool)
	for _, e := range set.Evidence {
		if e.Strength == StrengthContradictory {
			contradictory = append(contradictory, e)
			sources[e.SourceFile] = true
		}
	}

	return ReasoningStep{
		StepNumber: num,
		StepType:   StepValidation,
		Content: fmt.Sprintf("Warning: Found contradictory information across %d sources. Will prioritize most recent/authoritative.",
			len(sources)),
		SupportingEvidence: evidenceIDs(contradictory, 3),
		Confidence:         0.6,
	}
}

func (r *Reasoner) inferFromDefinitions(num int, defs []Evidence) ReasoningStep {
	best := defs[0]
	for _, e := range defs[1:] {
		if e.Confidence > best.Confidence {
			best = e
		}
	}

	return ReasoningStep{
		StepNumber: num,
		StepType:   StepInference,
		Content: fmt.Sprintf("Based on the definition in %s, I can establish the core concept: %s",
			best.SourceFile, truncate(best.Content, 150)),
		SupportingEvidence: []string{best.ID},
		Confidence:         best.Confidence,
	}
}

func (r *Reasoner) inferFromImplementations(num int, impls []Evidence) ReasoningStep {
	files := make(map[string]bool)
	languages := make(map[string]bool)
	for _, e := range impls {
		files[e.SourceFile] = true
		if e.CodeLanguage != "" {
			languages[e.CodeLanguage] = true
		}
	}

	langLabel := "code"
	if len(languages) > 0 {
		var langs []string
		for l := range languages {
			langs = append(langs, l)
		}
		sort.Strings(langs)
		langLabel = strings.Join(langs, ", ")
	}

	return ReasoningStep{
		StepNumber: num,
		StepType:   StepInference,
		Content: fmt.Sprintf("The implementation is found in %d file(s) (%s). This shows the concrete realization of the concept.",
			len(files), langLabel),
		SupportingEvidence: evidenceIDs(impls, 3),
		Confidence:         min(1.0, float64(len(impls))/3.0),
	}
}

func (r *Reasoner) inferFromExamples(num int, examples []Evidence) ReasoningStep {
	return ReasoningStep{
		StepNumber:         num,
		StepType:           StepInference,
		Content:            fmt.Sprintf("Found %d usage example(s) demonstrating practical application.", len(examples)),
		SupportingEvidence: evidenceIDs(examples, 2),
		Confidence:         0.7,
	}
}

func (r *Reasoner) synthesisStep(num int, set *EvidenceSet) ReasoningStep {
	files := set.SourceFiles()
	bySource := set.BySource()

	names := make([]string, 0, 3)
	for _, f := range files[:min(len(files), 3)] {
		names = append(names, baseName(f))
	}
	suffix := ""
	if len(files) > 3 {
		suffix = ", ..."
	}

	var ids []string
	for _, f := range files[:min(len(files), 3)] {
		if evs := bySource[f]; len(evs) > 0 {
			ids = append(ids, evs[0].ID)
		}
	}

	return ReasoningStep{
		StepNumber: num,
		StepType:   StepSynthesis,
		Content: fmt.Sprintf("Synthesizing information from %d sources (%s%s). The information appears consistent.",
			len(files), strings.Join(names, ", "), suffix),
		SupportingEvidence: ids,
		Confidence:         0.85,
	}
}

func (r *Reasoner) uncertaintyStep(num int, set *EvidenceSet, strong []Evidence) ReasoningStep {
	return ReasoningStep{
		StepNumber: num,
		StepType:   StepUncertainty,
		Content: fmt.Sprintf("Uncertainty note: Only %d/%d evidence pieces are strongly relevant. The answer may be incomplete or based on tangential information.",
			len(strong), len(set.Evidence)),
		Confidence: 0.4,
	}
}

// conclusionStep drafts the final answer from the strongest evidence,
// definitions first, then implementations, then the rest.
func (r *Reasoner) conclusionStep(num int, set *EvidenceSet, strong []Evidence) (ReasoningStep, string) {
	pool := strong
	if len(pool) == 0 {
		pool = set.TopByConfidence(3)
	}

	var answerParts []string
	var ids []string
	used := make(map[string]bool)

	for _, e := range pool {
		if e.Type == EvidenceDefinition {
			answerParts = append(answerParts, e.Content)
			ids = append(ids, e.ID)
			used[e.ID] = true
			break
		}
	}
	if len(answerParts) < 2 {
		for _, e := range pool {
			if e.Type == EvidenceImplementation && !used[e.ID] {
				answerParts = append(answerParts, "Implementation: "+truncate(e.Content, 200))
				ids = append(ids, e.ID)
				used[e.ID] = true
				break
			}
		}
	}
	for _, e := range pool {
		if len(answerParts) >= 3 {
			break
		}
		if !used[e.ID] {
			answerParts = append(answerParts, truncate(e.Content, 150))
			ids = append(ids, e.ID)
			used[e.ID] = true
		}
	}

	var finalAnswer string
	if len(answerParts) == 0 {
		finalAnswer = fmt.Sprintf(
			"Based on the available evidence, I cannot provide a confident answer to: %q. The retrieved information is only tangentially related.",
			set.Query)
	} else {
		finalAnswer = strings.Join(answerParts, "\n\n")

		sourceSet := make(map[string]bool)
		var sources []string
		for _, e := range pool {
			if used[e.ID] && !sourceSet[e.SourceFile] {
				sourceSet[e.SourceFile] = true
				sources = append(sources, baseName(e.SourceFile))
			}
		}
		if len(sources) > 3 {
			sources = sources[:3]
		}
		finalAnswer += fmt.Sprintf("\n\n*Sources: %s*", strings.Join(sources, ", "))
	}

	step := ReasoningStep{
		StepNumber:         num,
		StepType:           StepConclusion,
		Content:            fmt.Sprintf("Conclusion: Based on %d pieces of evidence, I can answer the query.", len(ids)),
		SupportingEvidence: ids,
		Confidence:         set.AverageConfidence(),
	}
	return step, finalAnswer
}

// overallConfidence combines evidence confidence (with scarcity and
// contradiction penalties and a multi-source boost) with the mean step
// confidence: evidence*0.7 + steps*0.3, clamped to [0, 1].
func (r *Reasoner) overallConfidence(set *EvidenceSet, steps []ReasoningStep, strong []Evidence) float64 {
	evidenceConfidence := set.AverageConfidence()

	if len(strong) < r.minEvidenceForConfidence {
		evidenceConfidence *= 0.7
	}
	if set.HasContradictions() {
		evidenceConfidence *= 0.8
	}
	if len(set.SourceFiles()) >= 3 {
		evidenceConfidence = min(1.0, evidenceConfidence*1.1)
	}

	var stepSum float64
	stepCount := 0
	for _, s := range steps {
		if s.StepType != StepUncertainty {
			stepSum += s.Confidence
			stepCount++
		}
	}

	overall := evidenceConfidence
	if stepCount > 0 {
		overall = evidenceConfidence*0.7 + (stepSum/float64(stepCount))*0.3
	}

	if overall < 0 {
		overall = 0
	}
	if overall > 1 {
		overall = 1
	}
	return overall
}

// evidenceIDs returns up to n evidence ids.
func evidenceIDs(evidence []Evidence, n int) []string {
	if len(evidence) > n {
		evidence = evidence[:n]
	}
	ids := make([]string, len(evidence))
	for i, e := range evidence {
		ids[i] = e.ID
	}
	return ids
}

// truncate bounds content with an ellipsis.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

// baseName returns the final path element.
func baseName(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
