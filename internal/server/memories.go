package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pearlhq/pearl/internal/apierrors"
	"github.com/pearlhq/pearl/internal/store"
)

// agentHeader names the requesting agent on management calls; delete uses it
// for the ownership check.
const agentHeader = "X-Pearl-Agent"

const maxListLimit = 200

func (s *Server) handleListMemories(c *gin.Context) {
	opts := store.QueryOptions{
		AgentID: c.Query("agent"),
		Search:  c.Query("search"),
		Tag:     c.Query("tag"),
	}

	if t := c.Query("type"); t != "" {
		memType := store.MemoryType(t)
		if !store.ValidTypes[memType] {
			apierrors.AbortWithBadRequest(c, "invalid memory type", map[string]interface{}{"type": t})
			return
		}
		opts.Type = memType
	}

	opts.Limit = parseIntQuery(c, "limit", 50)
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	opts.Offset = parseIntQuery(c, "offset", 0)

	memories, err := s.store.Query(c.Request.Context(), opts)
	if err != nil {
		s.logger.Error("memory query failed", "error", err)
		apierrors.AbortWithInternal(c, "failed to list memories", nil)
		return
	}
	if memories == nil {
		memories = []store.Memory{}
	}

	c.JSON(http.StatusOK, gin.H{
		"memories": memories,
		"count":    len(memories),
	})
}

type createMemoryRequest struct {
	Agent      string   `json:"agent"`
	Content    string   `json:"content"`
	Type       string   `json:"type"`
	Tags       []string `json:"tags"`
	Confidence *float64 `json:"confidence"`
	TTLSeconds int64    `json:"ttl_seconds"`
}

func (s *Server) handleCreateMemory(c *gin.Context) {
	var req createMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"reason": err.Error()})
		return
	}
	if req.Agent == "" || req.Content == "" {
		apierrors.AbortWithBadRequest(c, "agent and content are required", nil)
		return
	}

	memType := store.MemoryType(req.Type)
	if !store.ValidTypes[memType] {
		apierrors.AbortWithBadRequest(c, "invalid memory type", map[string]interface{}{"type": req.Type})
		return
	}

	confidence := 1.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}

	memory := &store.Memory{
		AgentID:    req.Agent,
		Type:       memType,
		Content:    req.Content,
		Tags:       req.Tags,
		Confidence: confidence,
		Scope:      store.ScopeAgent,
	}
	if req.TTLSeconds > 0 {
		expires := time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
		memory.ExpiresAt = &expires
	}

	// Embedding failure only costs retrievability, never the write.
	if s.provider != nil {
		if vec, err := s.provider.Embed(c.Request.Context(), req.Content); err != nil {
			s.logger.Warn("embedding failed for managed memory", "agent_id", req.Agent, "error", err)
		} else {
			memory.Embedding = vec
		}
	}

	if err := s.store.Create(c.Request.Context(), memory); err != nil {
		s.logger.Error("memory create failed", "agent_id", req.Agent, "error", err)
		apierrors.AbortWithInternal(c, "failed to create memory", nil)
		return
	}

	c.JSON(http.StatusCreated, memory)
}

func (s *Server) handleDeleteMemory(c *gin.Context) {
	id := c.Param("id")

	memory, err := s.store.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		apierrors.AbortWithNotFound(c, "memory not found", nil)
		return
	}
	if err != nil {
		s.logger.Error("memory lookup failed", "memory_id", id, "error", err)
		apierrors.AbortWithInternal(c, "failed to read memory", nil)
		return
	}

	if requester := c.GetHeader(agentHeader); requester != "" && requester != memory.AgentID {
		apierrors.AbortWithForbidden(c, "memory belongs to another agent", nil)
		return
	}

	if err := s.store.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierrors.AbortWithNotFound(c, "memory not found", nil)
			return
		}
		s.logger.Error("memory delete failed", "memory_id", id, "error", err)
		apierrors.AbortWithInternal(c, "failed to delete memory", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleMemoryStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		s.logger.Error("stats query failed", "error", err)
		apierrors.AbortWithInternal(c, "failed to read stats", nil)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func parseIntQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
