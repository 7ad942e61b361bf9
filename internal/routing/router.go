package routing

import (
	"github.com/pearlhq/pearl/internal/backend"
	"github.com/pearlhq/pearl/internal/classify"
	"github.com/pearlhq/pearl/internal/config"
	"github.com/pearlhq/pearl/internal/logger"
)

// Decision is the routing outcome for one request.
type Decision struct {
	Model          string
	Rule           string
	Fallbacks      []string
	Classification classify.Classification
	AgentOverride  bool
}

// Router selects the target model for a request: agent override first,
// then classification through the rule engine, with the configured fallback
// chain attached to the outcome.
type Router struct {
	engine     *Engine
	classifier *classify.Classifier
	overrides  map[string]string
	fallbacks  map[string][]string
	logger     *logger.Logger
}

// NewRouter builds a router from the routing configuration.
func NewRouter(cfg config.RoutingConfig, log *logger.Logger) (*Router, error) {
	engine, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}

	return &Router{
		engine:     engine,
		classifier: classify.New(cfg.CustomKeywords),
		overrides:  cfg.AgentOverrides,
		fallbacks:  cfg.Fallbacks,
		logger:     log.WithComponent("router"),
	}, nil
}

// FallbacksFor returns the configured fallback chain for a model, if any.
func (r *Router) FallbacksFor(model string) []string {
	return r.fallbacks[model]
}

// Route decides the model for the given agent and conversation. The
// classification is computed even under an agent override so callers can
// log it.
func (r *Router) Route(agentID string, messages []backend.Message) Decision {
	classification := r.classifier.Classify(messages)

	if model, ok := r.overrides[agentID]; ok && model != "" {
		r.logger.Debug("agent override applied", "agent_id", agentID, "model", model)
		return Decision{
			Model:          model,
			Fallbacks:      r.fallbacks[model],
			Classification: classification,
			AgentOverride:  true,
		}
	}

	model, rule := r.engine.Select(classification)
	r.logger.Debug("routing decision",
		"agent_id", agentID,
		"model", model,
		"rule", rule,
		"complexity", classification.Complexity,
		"type", classification.Type,
	)

	return Decision{
		Model:          model,
		Rule:           rule,
		Fallbacks:      r.fallbacks[model],
		Classification: classification,
	}
}
