// Package orchestrator coordinates the per-request pipeline: extraction
// enqueue, sunrise recovery, memory augmentation, routing, and backend
// streaming with fallback.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pearlhq/pearl/internal/backend"
	"github.com/pearlhq/pearl/internal/classify"
	"github.com/pearlhq/pearl/internal/embedding"
	"github.com/pearlhq/pearl/internal/logger"
	"github.com/pearlhq/pearl/internal/memory"
	"github.com/pearlhq/pearl/internal/routing"
	"github.com/pearlhq/pearl/internal/store"
	"github.com/pearlhq/pearl/internal/sunrise"
	"github.com/pearlhq/pearl/internal/transcript"
)

// Model identifiers that ask the gateway to pick the model itself.
func isAutoModel(model string) bool {
	return model == "" || model == "auto" || model == "pearl"
}

// NewSessionID generates a session id with a time-monotonic prefix.
func NewSessionID() string {
	return fmt.Sprintf("sess_%d_%s", time.Now().UnixNano(), uuid.New().String()[:8])
}

// Request is one incoming chat request plus its identity context.
type Request struct {
	AgentID      string
	SessionID    string
	ForceSunrise bool
	Chat         backend.ChatRequest
}

// Completion is delivered on Result.Done after the stream ends.
type Completion struct {
	Model        string
	ResponseText string
	FinishReason string
	Usage        *backend.Usage
	Warning      string
	Err          error
}

// Result carries the stream and the routing metadata of one request. Done
// receives exactly one Completion after Events closes.
type Result struct {
	Events    <-chan backend.StreamEvent
	Done      <-chan Completion
	SessionID string

	Model            string
	Rule             string
	Fallbacks        []string
	AgentOverride    bool
	Classification   classify.Classification
	InjectedMemories []string
	SummaryInjected  bool
}

// Params wires an Orchestrator. Sunrise and Validator are optional.
type Params struct {
	Router    *routing.Router
	Registry  *backend.Registry
	Augmenter *memory.Augmenter
	Extractor *memory.Extractor
	Validator *memory.Validator
	Sunrise   *sunrise.Service
	Log       *transcript.Log
	Store     *store.Store
	Provider  embedding.Provider

	ExtractionEnabled    bool
	ExtractFromAssistant bool
	QueueSize            int

	RetrieveOptions memory.RetrieveOptions

	Logger *logger.Logger
}

// Orchestrator runs the request pipeline and owns the extraction worker.
type Orchestrator struct {
	router    *routing.Router
	registry  *backend.Registry
	augmenter *memory.Augmenter
	validator *memory.Validator
	sunrise   *sunrise.Service
	log       *transcript.Log
	store     *store.Store
	worker    *extractionWorker

	extractionEnabled    bool
	extractFromAssistant bool
	retrieveOpts         memory.RetrieveOptions

	logger *logger.Logger
}

// New creates the orchestrator and starts its extraction worker.
func New(params Params) *Orchestrator {
	o := &Orchestrator{
		router:               params.Router,
		registry:             params.Registry,
		augmenter:            params.Augmenter,
		validator:            params.Validator,
		sunrise:              params.Sunrise,
		log:                  params.Log,
		store:                params.Store,
		extractionEnabled:    params.ExtractionEnabled,
		extractFromAssistant: params.ExtractFromAssistant,
		retrieveOpts:         params.RetrieveOptions,
		logger:               params.Logger.WithComponent("orchestrator"),
	}

	o.worker = newExtractionWorker(params.QueueSize, params.Extractor, params.Provider, params.Store, params.Logger)
	go o.worker.run()

	return o
}

// Shutdown stops accepting extraction work, drains the queue, then closes
// the store. The store must close last: draining writes to it.
func (o *Orchestrator) Shutdown() error {
	o.worker.stop()
	return o.store.Close()
}

// Handle runs pipeline steps in order and begins streaming. Augmentation and
// routing failures propagate; extraction-enqueue failures never do.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Result, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = NewSessionID()
	}

	lastUser := lastUserMessage(req.Chat.Messages)
	userMessageID := uuid.New().String()

	if o.extractionEnabled && lastUser != "" {
		o.worker.enqueue(extractionItem{
			agentID:   req.AgentID,
			sessionID: sessionID,
			messageID: userMessageID,
			text:      lastUser,
		})
	}

	messages := req.Chat.Messages
	summaryInjected := false
	if o.sunrise != nil {
		recovery := o.sunrise.HandleRequest(ctx, req.AgentID, sessionID, req.ForceSunrise, messages)
		messages = recovery.Messages
		summaryInjected = recovery.SummaryInjected
	}

	augmented, err := o.augmenter.Augment(ctx, req.AgentID, sessionID, messages, o.retrieveOpts)
	if err != nil {
		return nil, fmt.Errorf("augmentation failed: %w", err)
	}
	messages = augmented.Messages

	var decision routing.Decision
	if isAutoModel(req.Chat.Model) {
		decision = o.router.Route(req.AgentID, messages)
	} else {
		decision = routing.Decision{
			Model:     req.Chat.Model,
			Fallbacks: o.router.FallbacksFor(req.Chat.Model),
		}
	}

	chatReq := req.Chat
	chatReq.Model = decision.Model
	chatReq.Messages = messages
	if chatReq.Metadata == nil {
		chatReq.Metadata = map[string]string{}
	}
	chatReq.Metadata["agent_id"] = req.AgentID

	events := make(chan backend.StreamEvent)
	done := make(chan Completion, 1)

	go o.stream(ctx, req, sessionID, chatReq, decision, lastUser, userMessageID, events, done)

	return &Result{
		Events:           events,
		Done:             done,
		SessionID:        sessionID,
		Model:            decision.Model,
		Rule:             decision.Rule,
		Fallbacks:        decision.Fallbacks,
		AgentOverride:    decision.AgentOverride,
		Classification:   decision.Classification,
		InjectedMemories: augmented.InjectedMemories,
		SummaryInjected:  summaryInjected,
	}, nil
}

// stream relays chunks from the chosen backend, walking the fallback chain
// when a model fails before yielding anything. Chunks already relayed are
// never replayed; a mid-stream failure after output surfaces as an error.
func (o *Orchestrator) stream(
	ctx context.Context,
	req Request,
	sessionID string,
	chatReq backend.ChatRequest,
	decision routing.Decision,
	lastUser, userMessageID string,
	events chan<- backend.StreamEvent,
	done chan<- Completion,
) {
	defer close(events)

	models := append([]string{decision.Model}, decision.Fallbacks...)

	var (
		response     strings.Builder
		finishReason string
		usage        *backend.Usage
		finalModel   = decision.Model
		streamErr    error
	)

	for i, model := range models {
		if i > 0 {
			o.logger.Warn("falling back to next model",
				"agent_id", req.AgentID,
				"failed_model", finalModel,
				"next_model", model,
				"error", streamErr,
			)
			chatReq.Model = model
		}
		finalModel = model
		streamErr = nil

		adapter, err := o.registry.Resolve(model)
		if err != nil {
			streamErr = err
			continue
		}

		upstream, err := adapter.Chat(ctx, chatReq)
		if err != nil {
			streamErr = err
			continue
		}

		yielded := false
		for event := range upstream {
			if event.Err != nil {
				streamErr = event.Err
				break
			}
			yielded = true

			for _, choice := range event.Chunk.Choices {
				response.WriteString(choice.Delta.Content)
				if choice.FinishReason != nil {
					finishReason = *choice.FinishReason
				}
			}
			if event.Chunk.Usage != nil {
				usage = event.Chunk.Usage
			}

			select {
			case events <- event:
			case <-ctx.Done():
				o.finish(ctx, req, sessionID, lastUser, userMessageID, Completion{
					Model: finalModel,
					Err:   ctx.Err(),
				}, done)
				return
			}
		}

		if streamErr == nil {
			break
		}
		if yielded {
			// Output already reached the caller; a fresh stream would
			// duplicate it. Surface the error instead.
			break
		}
	}

	if streamErr != nil {
		select {
		case events <- backend.StreamEvent{Err: streamErr}:
		case <-ctx.Done():
		}
	}

	o.finish(ctx, req, sessionID, lastUser, userMessageID, Completion{
		Model:        finalModel,
		ResponseText: response.String(),
		FinishReason: finishReason,
		Usage:        usage,
		Err:          streamErr,
	}, done)
}

// finish runs the post-stream steps: transcript append, assistant
// extraction, persistence validation. All failures here are logged only.
func (o *Orchestrator) finish(ctx context.Context, req Request, sessionID, lastUser, userMessageID string, completion Completion, done chan<- Completion) {
	if completion.Err == nil && completion.ResponseText != "" {
		records := make([]transcript.Record, 0, 2)
		if lastUser != "" {
			records = append(records, transcript.Record{
				Role:      "user",
				Content:   lastUser,
				MessageID: userMessageID,
			})
		}
		records = append(records, transcript.Record{
			Role:    "assistant",
			Content: completion.ResponseText,
		})
		if err := o.log.Append(req.AgentID, sessionID, records...); err != nil {
			o.logger.Warn("transcript append failed", "agent_id", req.AgentID, "error", err)
		}

		if o.extractionEnabled && o.extractFromAssistant {
			o.worker.enqueue(extractionItem{
				agentID:   req.AgentID,
				sessionID: sessionID,
				text:      completion.ResponseText,
			})
		}

		if o.validator != nil {
			validateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			warning, err := o.validator.Validate(validateCtx, req.AgentID, sessionID, completion.ResponseText, 0)
			cancel()
			if err != nil {
				o.logger.Warn("persistence validation failed", "agent_id", req.AgentID, "error", err)
			}
			completion.Warning = warning
		}
	}

	done <- completion
}

func lastUserMessage(messages []backend.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
