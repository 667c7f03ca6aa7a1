package intel

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vection-dev/vection/internal/vectorstore"
)

// Evidence grading thresholds.
const (
	strongThreshold   = 0.75
	moderateThreshold = 0.5
)

// Extractor transforms retrieved chunks into typed Evidence with
// provenance.
type Extractor struct{}

// NewExtractor creates the evidence extraction stage.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Classification heuristics.
var (
	definitionPattern = regexp.MustCompile(`(?i)\b(is a|is an|is the|are the|defined as|refers to|represents|stands for)\b`)
	examplePattern    = regexp.MustCompile(`(?i)\b(for example|e\.g\.|example:|usage:|how to use|sample)\b|` + "```")
	codeDeclPattern   = regexp.MustCompile(`(?m)^\s*(func |def |class |type \w+ (struct|interface)|fn |function )`)
)

// polarityPairs are opposing phrase pairs used to spot contradictions
// between a candidate and already-accepted evidence.
var polarityPairs = [][2]string{
	{"should not", "should"},
	{"must not", "must"},
	{"is not", "is"},
	{"does not", "does"},
	{"never", "always"},
	{"disabled by default", "enabled by default"},
	{"deprecated", "recommended"},
}

// RetrievedChunk is one retrieval result fed into extraction.
type RetrievedChunk struct {
	ID       string
	Document string
	Metadata vectorstore.Metadata
	Distance float32
}

// Extract builds an EvidenceSet from retrieved chunks. Types are assigned
// heuristically, confidence is derived from distance and chunk quality,
// and contradictions are detected against already-accepted evidence.
func (x *Extractor) Extract(query string, chunks []RetrievedChunk) *EvidenceSet {
	set := &EvidenceSet{
		Query:                query,
		TotalChunksProcessed: len(chunks),
	}

	for i, chunk := range chunks {
		content := strings.TrimSpace(chunk.Document)
		if content == "" {
			continue
		}

		sourceFile := metaString(chunk.Metadata, vectorstore.KeyPath)
		chunkType := metaString(chunk.Metadata, vectorstore.KeyType)
		isCode := strings.HasPrefix(chunkType, "code")

		evType := classifyEvidence(content, isCode)
		confidence := evidenceConfidence(chunk.Distance, content, evType)

		strength := StrengthWeak
		switch {
		case confidence >= strongThreshold:
			strength = StrengthStrong
		case confidence >= moderateThreshold:
			strength = StrengthModerate
		}

		if contradicts(content, set.Evidence) {
			evType = EvidenceContradiction
			strength = StrengthContradictory
		}

		ev := Evidence{
			ID:            fmt.Sprintf("ev_%03d", i+1),
			Content:       content,
			Type:          evType,
			Strength:      strength,
			Confidence:    confidence,
			SourceChunkID: chunk.ID,
			SourceFile:    sourceFile,
			IsCode:        isCode,
		}
		if start := metaInt(chunk.Metadata, vectorstore.KeyStartLine); start > 0 {
			ev.SourceLineStart = start
			ev.SourceLineEnd = metaInt(chunk.Metadata, vectorstore.KeyEndLine)
		}
		if isCode {
			ev.CodeLanguage = languageFromPath(sourceFile)
		}

		set.Evidence = append(set.Evidence, ev)
	}

	return set
}

// MinimalEvidence is the degraded result used when extraction is
// disabled: every chunk becomes a moderate assertion.
func MinimalEvidence(query string, chunks []RetrievedChunk) *EvidenceSet {
	set := &EvidenceSet{
		Query:                query,
		TotalChunksProcessed: len(chunks),
	}
	for i, chunk := range chunks {
		set.Evidence = append(set.Evidence, Evidence{
			ID:            fmt.Sprintf("ev_%03d", i+1),
			Content:       chunk.Document,
			Type:          EvidenceAssertion,
			Strength:      StrengthModerate,
			Confidence:    0.7,
			SourceChunkID: chunk.ID,
			SourceFile:    metaString(chunk.Metadata, vectorstore.KeyPath),
		})
	}
	return set
}

// classifyEvidence assigns a type from content heuristics.
func classifyEvidence(content string, isCode bool) EvidenceType {
	if isCode || codeDeclPattern.MatchString(content) {
		return EvidenceImplementation
	}
	if definitionPattern.MatchString(content) {
		return EvidenceDefinition
	}
	if examplePattern.MatchString(content) {
		return EvidenceExample
	}
	return EvidenceAssertion
}

// evidenceConfidence derives confidence from the retrieval distance plus
// chunk quality flags and type.
func evidenceConfidence(distance float32, content string, evType EvidenceType) float64 {
	// Cosine distance 0..2 maps to similarity 1..0.
	confidence := 1.0 - float64(distance)/2.0

	// Very short chunks carry less signal.
	if len(content) < 80 {
		confidence *= 0.85
	}
	// Typed evidence is slightly more trustworthy than bare assertions.
	if evType == EvidenceDefinition || evType == EvidenceImplementation {
		confidence = min(1.0, confidence*1.05)
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// contradicts checks a candidate against accepted evidence for opposing
// polarity phrases around a shared vocabulary.
func contradicts(content string, accepted []Evidence) bool {
	lower := strings.ToLower(content)

	for _, prior := range accepted {
		priorLower := strings.ToLower(prior.Content)
		for _, pair := range polarityPairs {
			neg, pos := pair[0], pair[1]
			// The negative phrase must match where the positive alone
			// matches the other side, in either direction.
			if strings.Contains(lower, neg) && containsWithout(priorLower, pos, neg) &&
				sharesVocabulary(lower, priorLower) {
				return true
			}
			if strings.Contains(priorLower, neg) && containsWithout(lower, pos, neg) &&
				sharesVocabulary(lower, priorLower) {
				return true
			}
		}
	}
	return false
}

// containsWithout reports that s contains phrase but not its negation.
func containsWithout(s, phrase, negation string) bool {
	return strings.Contains(s, phrase) && !strings.Contains(s, negation)
}

// sharesVocabulary requires a minimal content-word overlap before two
// chunks can be called contradictory.
func sharesVocabulary(a, b string) bool {
	wordsA := make(map[string]bool)
	for _, w := range strings.Fields(a) {
		if len(w) > 4 && !stopWords[w] {
			wordsA[w] = true
		}
	}
	overlap := 0
	for _, w := range strings.Fields(b) {
		if wordsA[w] {
			overlap++
			if overlap >= 3 {
				return true
			}
		}
	}
	return false
}

// languageFromPath guesses the code language from the file extension.
func languageFromPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".go"):
		return "go"
	case strings.HasSuffix(path, ".py"):
		return "python"
	case strings.HasSuffix(path, ".ts"), strings.HasSuffix(path, ".tsx"):
		return "typescript"
	case strings.HasSuffix(path, ".js"), strings.HasSuffix(path, ".jsx"):
		return "javascript"
	case strings.HasSuffix(path, ".rs"):
		return "rust"
	case strings.HasSuffix(path, ".c"), strings.HasSuffix(path, ".h"):
		return "c"
	case strings.HasSuffix(path, ".cpp"), strings.HasSuffix(path, ".cc"):
		return "cpp"
	case strings.HasSuffix(path, ".java"):
		return "java"
	case strings.HasSuffix(path, ".rb"):
		return "ruby"
	}
	return ""
}

// metaString reads a string metadata value, empty when absent.
func metaString(meta vectorstore.Metadata, key string) string {
	if v, ok := meta[key]; ok {
		if s, isStr := v.AsString(); isStr {
			return s
		}
	}
	return ""
}

// metaInt reads an integer metadata value, 0 when absent.
func metaInt(meta vectorstore.Metadata, key string) int {
	if v, ok := meta[key]; ok {
		if n, isInt := v.AsInt(); isInt {
			return int(n)
		}
	}
	return 0
}
