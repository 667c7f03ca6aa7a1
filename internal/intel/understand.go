package intel

import (
	"regexp"
	"sort"
	"strings"
)

// Understander classifies intent over the fixed intent set and extracts
// entities and code-identifier-like tokens. Classification is zero-shot
// pattern scoring against intent cue phrases, the in-process stand-in for
// a small NLI cross-encoder.
type Understander struct{}

// NewUnderstander creates the query understanding stage.
func NewUnderstander() *Understander {
	return &Understander{}
}

// intentCues maps each intent to its cue phrases. Scores accumulate per
// matched cue; the best-scoring intent wins.
var intentCues = map[Intent][]string{
	IntentDefinition: {
		"what is", "what are", "what does", "define ", "definition of",
		"meaning of", "explain what", "describe",
	},
	IntentImplementation: {
		"how is", "how does", "how do", "implemented", "implementation",
		"source code", "works internally", "under the hood", "written",
	},
	IntentLocation: {
		"where is", "where are", "where can", "which file", "file path",
		"located", "find the", "location of",
	},
	IntentUsage: {
		"how to use", "how do i", "usage", "example of", "examples",
		"call", "invoke", "use the",
	},
	IntentDebug: {
		"error", "fix", "bug", "fails", "failing", "broken", "crash",
		"not working", "issue with", "debug", "wrong",
	},
}

// Identifier-like token patterns.
var (
	backtickPattern   = regexp.MustCompile("`([^`]+)`")
	camelCasePattern  = regexp.MustCompile(`\b[a-z]+[A-Z]\w*\b|\b[A-Z][a-z]+[A-Z]\w*\b`)
	snakeCasePattern  = regexp.MustCompile(`\b[a-z]+_[a-z_0-9]+\b`)
	pathPattern       = regexp.MustCompile(`\b[\w./-]+\.\w{1,5}\b`)
	dottedCallPattern = regexp.MustCompile(`\b\w+\.\w+\(\)?`)
)

// stopWords are dropped from search terms.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "how": true, "what": true, "where": true, "which": true,
	"do": true, "does": true, "of": true, "in": true, "to": true,
	"for": true, "and": true, "or": true, "with": true, "this": true,
	"that": true, "it": true, "i": true, "can": true, "on": true,
}

// Understand processes a raw query into a structured UnderstoodQuery.
// An empty query yields a zero-confidence result with no expansions.
func (u *Understander) Understand(query string) *UnderstoodQuery {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return &UnderstoodQuery{
			Original: query,
			Intent:   IntentOther,
		}
	}

	intent, confidence := classifyIntent(trimmed)
	entities := extractEntities(trimmed)
	searchTerms := buildSearchTerms(trimmed, entities)
	expanded := expandQuery(trimmed, intent, entities)

	return &UnderstoodQuery{
		Original:         query,
		Intent:           intent,
		IntentConfidence: confidence,
		Entities:         entities,
		SearchTerms:      searchTerms,
		ExpandedQueries:  expanded,
	}
}

// MinimalQuery is the degraded result used when understanding is disabled
// or fails: intent other, the original text as the only expansion.
func MinimalQuery(query string) *UnderstoodQuery {
	return &UnderstoodQuery{
		Original:         query,
		Intent:           IntentOther,
		IntentConfidence: 1.0,
		ExpandedQueries:  []string{query},
	}
}

// classifyIntent scores each intent's cues against the lowercased query.
func classifyIntent(query string) (Intent, float64) {
	lower := strings.ToLower(query)

	bestIntent := IntentOther
	bestScore := 0
	totalScore := 0

	// Deterministic iteration order.
	intents := []Intent{IntentDefinition, IntentImplementation, IntentLocation, IntentUsage, IntentDebug}
	for _, intent := range intents {
		score := 0
		for _, cue := range intentCues[intent] {
			if strings.Contains(lower, cue) {
				score++
			}
		}
		totalScore += score
		if score > bestScore {
			bestScore = score
			bestIntent = intent
		}
	}

	if bestScore == 0 {
		return IntentOther, 0.5
	}
	confidence := float64(bestScore) / float64(totalScore)
	if confidence > 1 {
		confidence = 1
	}
	return bestIntent, confidence
}

// extractEntities pulls backticked spans, identifiers, and path-like
// tokens from the query.
func extractEntities(query string) []Entity {
	var entities []Entity
	seen := make(map[string]bool)

	add := func(text, label string) {
		text = strings.TrimSpace(text)
		if text == "" || seen[strings.ToLower(text)] {
			return
		}
		seen[strings.ToLower(text)] = true
		entities = append(entities, Entity{Text: text, Label: label})
	}

	for _, m := range backtickPattern.FindAllStringSubmatch(query, -1) {
		add(m[1], "code")
	}
	stripped := backtickPattern.ReplaceAllString(query, " ")

	for _, m := range pathPattern.FindAllString(stripped, -1) {
		if strings.ContainsAny(m, "/.") && !stopWords[strings.ToLower(m)] {
			add(m, "path")
		}
	}
	for _, m := range dottedCallPattern.FindAllString(stripped, -1) {
		add(m, "code")
	}
	for _, m := range camelCasePattern.FindAllString(stripped, -1) {
		add(m, "identifier")
	}
	for _, m := range snakeCasePattern.FindAllString(stripped, -1) {
		add(m, "identifier")
	}

	return entities
}

// buildSearchTerms keeps meaningful words plus entity texts.
func buildSearchTerms(query string, entities []Entity) []string {
	var terms []string
	seen := make(map[string]bool)

	for _, e := range entities {
		key := strings.ToLower(e.Text)
		if !seen[key] {
			seen[key] = true
			terms = append(terms, e.Text)
		}
	}

	for _, word := range strings.Fields(strings.ToLower(query)) {
		word = strings.Trim(word, "?.,!;:`\"'")
		if len(word) < 3 || stopWords[word] || seen[word] {
			continue
		}
		seen[word] = true
		terms = append(terms, word)
	}

	return terms
}

// expandQuery generates intent-specific query variations, deduplicated
// case-insensitively with the original first.
func expandQuery(query string, intent Intent, entities []Entity) []string {
	expansions := []string{query}

	if len(entities) > 0 {
		texts := make([]string, len(entities))
		for i, e := range entities {
			texts[i] = e.Text
		}
		sort.Strings(texts)
		expansions = append(expansions, strings.Join(texts, " "))
	}

	subject := query
	if len(entities) > 0 {
		subject = entities[0].Text
	}

	switch intent {
	case IntentImplementation:
		expansions = append(expansions,
			"how is "+subject+" implemented",
			"source code for "+subject)
	case IntentDefinition:
		expansions = append(expansions,
			"what is "+subject,
			"definition of "+subject)
	case IntentLocation:
		expansions = append(expansions,
			"where is "+subject+" defined",
			"file path for "+subject)
	case IntentUsage:
		expansions = append(expansions,
			"example usage of "+subject,
			"how to use "+subject)
	}

	seen := make(map[string]bool)
	var unique []string
	for _, q := range expansions {
		key := strings.ToLower(strings.TrimSpace(q))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, q)
	}
	return unique
}
