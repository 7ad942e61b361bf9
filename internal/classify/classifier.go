package classify

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/pearlhq/pearl/internal/backend"
)

// Complexity levels.
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// Request types.
const (
	TypeGeneral  = "general"
	TypeCode     = "code"
	TypeCreative = "creative"
	TypeAnalysis = "analysis"
	TypeChat     = "chat"
)

// Classification is the per-request routing signal produced from the
// message list.
type Classification struct {
	Complexity      string             `json:"complexity"`
	Type            string             `json:"type"`
	Sensitive       bool               `json:"sensitive"`
	EstimatedTokens int                `json:"estimated_tokens"`
	RequiresTools   bool               `json:"requires_tools"`
	WeightedScore   float64            `json:"weighted_score"`
	DimensionScores map[string]float64 `json:"dimension_scores"`
	Confidence      float64            `json:"confidence"`
}

// Dimension names. Weights sum to 1.0.
const (
	dimReasoning      = "reasoning_markers"
	dimCode           = "code_presence"
	dimTechnical      = "technical_depth"
	dimDomain         = "domain_specificity"
	dimQuestion       = "question_complexity"
	dimContextLength  = "context_length"
	dimMultilingual   = "multilingual_content"
	dimStructured     = "structured_output"
	dimTools          = "tool_requirements"
	dimTemporal       = "temporal_awareness"
	dimCreativity     = "creativity_markers"
	dimConversational = "conversational_flow"
	dimSensitivity    = "sensitivity_level"
	dimAmbiguity      = "ambiguity"
	dimCustom         = "custom_keywords"
)

// weightedPattern scores one sub-signal: match count saturates at threshold.
type weightedPattern struct {
	re        *regexp.Regexp
	threshold float64
}

type dimension struct {
	name     string
	weight   float64
	patterns []weightedPattern
}

// contextLengthSaturation is the conversation size (in characters) at which
// the context-length dimension saturates to 1.0.
const contextLengthSaturation = 4000

// Pattern registries are compiled once at package init. All matching is done
// against lowercased text.
var dimensions = []dimension{
	{
		name:   dimReasoning,
		weight: 0.18,
		patterns: []weightedPattern{
			{re: regexp.MustCompile(`\b(why|because|therefore|thus|hence|reason(ing)?|implies?|conclude|prove|derive)\b`), threshold: 3},
			{re: regexp.MustCompile(`\b(step[- ]by[- ]step|think through|walk (me )?through|break (this|it) down|chain of thought)\b`), threshold: 1},
			{re: regexp.MustCompile(`\b(explain|justify|evaluate|assess|reason about)\b`), threshold: 2},
		},
	},
	{
		name:   dimCode,
		weight: 0.15,
		patterns: []weightedPattern{
			{re: regexp.MustCompile("```"), threshold: 2},
			{re: regexp.MustCompile(`\b(func|def|class|return|import|const|var|struct|interface|public|private|void)\b`), threshold: 4},
			{re: regexp.MustCompile(`\b(bug|debug|stack trace|exception|compile|refactor|unit test|segfault|nil pointer|null pointer)\b`), threshold: 2},
			{re: regexp.MustCompile(`\.(go|py|js|ts|rs|java|c|cpp|rb|sql)\b`), threshold: 2},
		},
	},
	{
		name:   dimTechnical,
		weight: 0.12,
		patterns: []weightedPattern{
			{re: regexp.MustCompile(`\b(algorithm|complexity|database|index(es|ing)?|cache|concurrenc|latency|throughput|protocol|encryption|compiler|kernel)\w*\b`), threshold: 3},
			{re: regexp.MustCompile(`\b(architecture|distributed|scalab|microservice|kubernetes|container|deployment|infrastructure)\w*\b`), threshold: 2},
		},
	},
	{
		name:   dimDomain,
		weight: 0.10,
		patterns: []weightedPattern{
			{re: regexp.MustCompile(`\b(statute|liability|plaintiff|contract law|jurisdiction|diagnosis|prognosis|dosage|pathology|derivative|amortization|liquidity|arbitrage)\b`), threshold: 2},
			{re: regexp.MustCompile(`\b(hypothesis|peer[- ]review|methodology|quantum|thermodynamic|genome|enzyme)\w*\b`), threshold: 2},
		},
	},
	{
		name:   dimQuestion,
		weight: 0.08,
		patterns: []weightedPattern{
			{re: regexp.MustCompile(`\?`), threshold: 3},
			{re: regexp.MustCompile(`\b(compare|contrast|trade[- ]?offs?|pros and cons|implications?|alternatives?|versus|vs\.?)\b`), threshold: 2},
		},
	},
	{
		name:   dimContextLength,
		weight: 0.08,
		// Scored by length, not patterns; see scoreDimension.
	},
	{
		name:   dimMultilingual,
		weight: 0.06,
		patterns: []weightedPattern{
			{re: regexp.MustCompile(`[\p{Han}\p{Hiragana}\p{Katakana}\p{Hangul}\p{Cyrillic}\p{Arabic}\p{Devanagari}]`), threshold: 10},
			{re: regexp.MustCompile(`\b(translate|translation|in (spanish|french|german|japanese|chinese|korean|russian|arabic|hindi))\b`), threshold: 1},
		},
	},
	{
		name:   dimStructured,
		weight: 0.06,
		patterns: []weightedPattern{
			{re: regexp.MustCompile(`\b(json|yaml|csv|xml|markdown table|as a table|bullet(ed)? list|numbered list|format(ted)? as)\b`), threshold: 1},
			{re: regexp.MustCompile(`\b(schema|template|structure[d]? (output|response|format))\b`), threshold: 1},
		},
	},
	{
		name:   dimTools,
		weight: 0.05,
		patterns: []weightedPattern{
			{re: regexp.MustCompile(`\b(search (the web|online|for)|browse|look up|fetch|scrape|call (the|an) api|run (the|this|a) (code|command|script)|execute)\b`), threshold: 1},
			{re: regexp.MustCompile(`\b(current (weather|price|time)|stock price|live data|real[- ]time data)\b`), threshold: 1},
		},
	},
	{
		name:   dimTemporal,
		weight: 0.04,
		patterns: []weightedPattern{
			{re: regexp.MustCompile(`\b(today|tonight|yesterday|tomorrow|this (week|month|year)|right now|currently|latest|most recent|up[- ]to[- ]date)\b`), threshold: 2},
		},
	},
	{
		name:   dimCreativity,
		weight: 0.03,
		patterns: []weightedPattern{
			{re: regexp.MustCompile(`\b(write (a|me a) (story|poem|song|script|novel|haiku)|imagine|fictional|creative|brainstorm|once upon a time|world[- ]building)\b`), threshold: 1},
		},
	},
	{
		name:   dimConversational,
		weight: 0.02,
		patterns: []weightedPattern{
			{re: regexp.MustCompile(`\b(hi|hello|hey|good (morning|afternoon|evening)|thanks|thank you|how are you|what'?s up|nice to meet)\b`), threshold: 1},
		},
	},
	{
		name:   dimSensitivity,
		weight: 0.02,
		patterns: []weightedPattern{
			{re: regexp.MustCompile(`\b(password|passphrase|private key|api[- ]key|secret|ssn|social security|credit card|bank account|medical record|salary|confidential)\b`), threshold: 1},
		},
	},
	{
		name:   dimAmbiguity,
		weight: 0.01,
		patterns: []weightedPattern{
			{re: regexp.MustCompile(`\b(something|anything|stuff|things?|whatever|somehow|kind of|sort of|maybe)\b`), threshold: 4},
		},
	},
	{
		name:   dimCustom,
		weight: 0.01,
		// Scored from configured keywords; see Classifier.Classify.
	},
}

// Classifier scores requests across the fixed dimension set. Custom
// keywords force the classification type when present in the input.
type Classifier struct {
	custom []customKeyword
}

type customKeyword struct {
	keyword string
	forced  string
}

// New creates a classifier. customKeywords maps a lowercase keyword to the
// type it forces (one of the Type* constants). Keywords are matched in
// lexicographic order; when several match, the first wins.
func New(customKeywords map[string]string) *Classifier {
	custom := make([]customKeyword, 0, len(customKeywords))
	for keyword, forced := range customKeywords {
		custom = append(custom, customKeyword{keyword: strings.ToLower(keyword), forced: forced})
	}
	sort.Slice(custom, func(i, j int) bool { return custom[i].keyword < custom[j].keyword })
	return &Classifier{custom: custom}
}

func scorePatterns(text string, patterns []weightedPattern) float64 {
	if len(patterns) == 0 {
		return 0
	}
	var sum float64
	for _, p := range patterns {
		count := float64(len(p.re.FindAllStringIndex(text, -1)))
		sum += math.Min(count/p.threshold, 1)
	}
	return sum / float64(len(patterns))
}

func complexityFor(weightedScore float64) string {
	switch {
	case weightedScore <= 0.12:
		return ComplexityLow
	case weightedScore <= 0.25:
		return ComplexityMedium
	default:
		return ComplexityHigh
	}
}

// typeFor picks the request type by fixed precedence; first match wins.
func typeFor(scores map[string]float64) string {
	switch {
	case scores[dimConversational] > 0.5:
		return TypeChat
	case scores[dimCode] > 0.3 || scores[dimTechnical] > 0.4:
		return TypeCode
	case scores[dimCreativity] > 0.4:
		return TypeCreative
	case scores[dimReasoning] > 0.3 || scores[dimQuestion] > 0.4:
		return TypeAnalysis
	default:
		return TypeGeneral
	}
}

// confidenceFor spreads confidence by how much the dominant dimension
// stands out from the mean.
func confidenceFor(scores map[string]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var max, sum float64
	for _, s := range scores {
		if s > max {
			max = s
		}
		sum += s
	}
	mean := sum / float64(len(scores))
	return math.Min(1, 2*(max-mean))
}

func latestUserMessage(messages []backend.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// EstimateTokens approximates token count at 3.5 characters per token.
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(len(text)) / 3.5))
}

// Classify scores the conversation and derives the routing signal.
func (c *Classifier) Classify(messages []backend.Message) Classification {
	var builder strings.Builder
	for _, msg := range messages {
		builder.WriteString(msg.Content)
		builder.WriteString("\n")
	}
	text := strings.ToLower(builder.String())

	scores := make(map[string]float64, len(dimensions))
	var weighted float64
	for _, dim := range dimensions {
		var score float64
		switch dim.name {
		case dimContextLength:
			score = math.Min(float64(len(text))/contextLengthSaturation, 1)
		case dimCustom:
			score = c.customScore(text)
		default:
			score = scorePatterns(text, dim.patterns)
		}
		scores[dim.name] = score
		weighted += score * dim.weight
	}

	classification := Classification{
		Complexity:      complexityFor(weighted),
		Type:            typeFor(scores),
		Sensitive:       scores[dimSensitivity] > 0.5,
		EstimatedTokens: EstimateTokens(latestUserMessage(messages)),
		RequiresTools:   scores[dimTools] > 0.5,
		WeightedScore:   weighted,
		DimensionScores: scores,
		Confidence:      confidenceFor(scores),
	}

	// A configured keyword match forces the type outright.
	if forced, ok := c.matchCustom(text); ok {
		classification.Type = forced
		classification.Confidence = 1
	}

	return classification
}

func (c *Classifier) customScore(text string) float64 {
	if _, ok := c.matchCustom(text); ok {
		return 1
	}
	return 0
}

func (c *Classifier) matchCustom(text string) (string, bool) {
	for _, ck := range c.custom {
		if strings.Contains(text, ck.keyword) {
			return ck.forced, true
		}
	}
	return "", false
}
