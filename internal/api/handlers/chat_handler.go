package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"github.com/markdave123-py/sapling/internal/core"
	"github.com/markdave123-py/sapling/internal/logger"
	"github.com/markdave123-py/sapling/internal/models"
)

const defaultSearchLimit = 5

// ChatHandler answers questions over the ready sources of a space.
type ChatHandler struct {
	dbclient core.DbClient
	embedder core.QueryEmbedder
	llm      core.LLMProvider
	log      *zap.Logger
}

func NewChatHandler(db core.DbClient, emb core.QueryEmbedder, llm core.LLMProvider, log *zap.Logger) *ChatHandler {
	return &ChatHandler{dbclient: db, embedder: emb, llm: llm, log: logger.OrNop(log).Named("chat")}
}

type ChatRequest struct {
	Query     string  `json:"query"`
	Limit     int     `json:"limit"`
	Threshold float64 `json:"threshold"` // minimum similarity; 0 keeps every chunk
}

func (r ChatRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Query, validation.Required, validation.Length(1, 2000)),
		validation.Field(&r.Limit, validation.Min(0), validation.Max(20)),
		validation.Field(&r.Threshold, validation.Min(0.0), validation.Max(1.0)),
	)
}

type searchResponse struct {
	Chunks []models.ScoredChunk `json:"chunks"`
}

type askResponse struct {
	Answer string               `json:"answer"`
	Chunks []models.ScoredChunk `json:"chunks"`
}

// Search returns the chunks nearest to the query.
func (h *ChatHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	chunks, ok := h.retrieve(w, r, &req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Chunks: chunks})
}

// Ask retrieves the nearest chunks and has the model answer from them only.
func (h *ChatHandler) Ask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ChatRequest
	chunks, ok := h.retrieve(w, r, &req)
	if !ok {
		return
	}

	// Build context prompt
	var sb strings.Builder
	for _, ch := range chunks {
		fmt.Fprintf(&sb, "[%s]\n%s\n---\n", ch.SourceTitle, ch.Content)
	}

	systemPrompt := "You are a study assistant answering based only on the given source excerpts. If unsure, say 'I cannot find this in your sources.'"
	userPrompt := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", sb.String(), req.Query)

	answer, err := h.llm.Generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		h.log.Error("generation failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "answer generation failed")
		return
	}
	writeJSON(w, http.StatusOK, askResponse{Answer: answer, Chunks: chunks})
}

func (h *ChatHandler) retrieve(w http.ResponseWriter, r *http.Request, req *ChatRequest) ([]models.ScoredChunk, bool) {
	ctx := r.Context()
	space, ok := ownedSpace(w, r, h.dbclient, h.log, chi.URLParam(r, "spaceID"))
	if !ok {
		return nil, false
	}

	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return nil, false
	}
	if err := req.Validate(); err != nil {
		writeValidation(w, err)
		return nil, false
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultSearchLimit
	}

	vec, err := h.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		h.log.Error("query embedding failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "embedding failed")
		return nil, false
	}

	chunks, err := h.dbclient.SearchSpaceChunks(ctx, space.ID, vec, limit, req.Threshold)
	if err != nil {
		writeStoreError(w, h.log, err)
		return nil, false
	}
	if chunks == nil {
		chunks = []models.ScoredChunk{}
	}
	return chunks, true
}
