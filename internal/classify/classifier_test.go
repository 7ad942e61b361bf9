package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pearlhq/pearl/internal/backend"
)

func classify(t *testing.T, content string) Classification {
	t.Helper()
	c := New(nil)
	return c.Classify([]backend.Message{{Role: "user", Content: content}})
}

func TestComplexityThresholds(t *testing.T) {
	assert.Equal(t, ComplexityLow, complexityFor(0))
	assert.Equal(t, ComplexityLow, complexityFor(0.12))
	assert.Equal(t, ComplexityMedium, complexityFor(0.1201))
	assert.Equal(t, ComplexityMedium, complexityFor(0.25))
	assert.Equal(t, ComplexityHigh, complexityFor(0.2501))
	assert.Equal(t, ComplexityHigh, complexityFor(0.9))
}

func TestTypeSelectionPrecedence(t *testing.T) {
	// Conversational flow wins over everything.
	assert.Equal(t, TypeChat, typeFor(map[string]float64{
		dimConversational: 0.6,
		dimCode:           0.9,
	}))

	// Code beats creative and analysis.
	assert.Equal(t, TypeCode, typeFor(map[string]float64{
		dimCode:       0.31,
		dimCreativity: 0.9,
		dimReasoning:  0.9,
	}))

	// Technical depth alone can select code.
	assert.Equal(t, TypeCode, typeFor(map[string]float64{dimTechnical: 0.41}))

	assert.Equal(t, TypeCreative, typeFor(map[string]float64{dimCreativity: 0.41}))
	assert.Equal(t, TypeAnalysis, typeFor(map[string]float64{dimReasoning: 0.31}))
	assert.Equal(t, TypeAnalysis, typeFor(map[string]float64{dimQuestion: 0.41}))
	assert.Equal(t, TypeGeneral, typeFor(map[string]float64{}))

	// Boundary values do not trigger: thresholds are strict.
	assert.Equal(t, TypeGeneral, typeFor(map[string]float64{
		dimConversational: 0.5,
		dimCode:           0.3,
		dimTechnical:      0.4,
		dimCreativity:     0.4,
		dimReasoning:      0.3,
		dimQuestion:       0.4,
	}))
}

func TestGreetingClassifiesAsChat(t *testing.T) {
	got := classify(t, "Hi there, how are you?")
	assert.Equal(t, TypeChat, got.Type)
	assert.Equal(t, ComplexityLow, got.Complexity)
	assert.False(t, got.Sensitive)
	assert.False(t, got.RequiresTools)
}

func TestCodeSnippetClassifiesAsCode(t *testing.T) {
	got := classify(t, "Why does this panic?\n```go\nfunc main() {\n\tvar p *int\n\treturn *p\n}\n```\nstack trace attached")
	assert.Equal(t, TypeCode, got.Type)
}

func TestCreativePromptClassifiesAsCreative(t *testing.T) {
	got := classify(t, "Write a story about a lighthouse keeper. Make it fictional and atmospheric.")
	assert.Equal(t, TypeCreative, got.Type)
}

func TestReasoningPromptClassifiesAsAnalysis(t *testing.T) {
	got := classify(t, "Explain step by step why the sky is blue, and therefore derive the reason sunsets are red. Prove it.")
	assert.Equal(t, TypeAnalysis, got.Type)
}

func TestSensitiveDetection(t *testing.T) {
	got := classify(t, "My password is hunter2 and here is my ssn")
	assert.True(t, got.Sensitive)

	got = classify(t, "What is the capital of France?")
	assert.False(t, got.Sensitive)
}

func TestToolsDetection(t *testing.T) {
	got := classify(t, "Search the web for the current weather in Lisbon")
	assert.True(t, got.RequiresTools)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcdefg"))
}

func TestEstimatedTokensUsesLatestUserMessage(t *testing.T) {
	c := New(nil)
	got := c.Classify([]backend.Message{
		{Role: "user", Content: strings.Repeat("a", 350)},
		{Role: "assistant", Content: strings.Repeat("b", 7000)},
		{Role: "user", Content: strings.Repeat("c", 35)},
	})
	assert.Equal(t, 10, got.EstimatedTokens)
}

func TestWeightedScoreGrowsWithSignal(t *testing.T) {
	low := classify(t, "hello")
	high := classify(t, strings.Repeat("Explain step by step why this distributed database algorithm has high latency. Compare the trade-offs. ", 10))
	assert.Greater(t, high.WeightedScore, low.WeightedScore)
	assert.Equal(t, ComplexityHigh, high.Complexity)
}

func TestConfidenceBounds(t *testing.T) {
	assert.Equal(t, 0.0, confidenceFor(nil))
	assert.InDelta(t, 0.0, confidenceFor(map[string]float64{"a": 0.5, "b": 0.5}), 1e-9)

	// One dominant dimension among many yields near-max confidence.
	scores := map[string]float64{"a": 1}
	for _, name := range []string{"b", "c", "d", "e", "f", "g", "h"} {
		scores[name] = 0
	}
	assert.InDelta(t, 1.0, confidenceFor(scores), 0.26)
}

func TestDimensionWeightsSumToOne(t *testing.T) {
	var sum float64
	for _, dim := range dimensions {
		sum += dim.weight
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestCustomKeywordForcesType(t *testing.T) {
	c := New(map[string]string{"pearlctl": TypeCode})

	got := c.Classify([]backend.Message{{Role: "user", Content: "tell me about pearlctl please"}})
	assert.Equal(t, TypeCode, got.Type)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, 1.0, got.DimensionScores[dimCustom])

	got = c.Classify([]backend.Message{{Role: "user", Content: "unrelated"}})
	assert.Equal(t, 0.0, got.DimensionScores[dimCustom])
}

func TestCustomKeywordTiebreakIsDeterministic(t *testing.T) {
	c := New(map[string]string{
		"alpha": TypeCode,
		"beta":  TypeCreative,
	})
	messages := []backend.Message{{Role: "user", Content: "alpha beta"}}

	// Both keywords match; the lexicographically first wins, every time.
	for i := 0; i < 200; i++ {
		got := c.Classify(messages)
		assert.Equal(t, TypeCode, got.Type)
	}
}
