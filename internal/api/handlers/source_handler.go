package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/sapling/internal/config"
	"github.com/markdave123-py/sapling/internal/core"
	"github.com/markdave123-py/sapling/internal/core/ingestion_engine"
	"github.com/markdave123-py/sapling/internal/logger"
	"github.com/markdave123-py/sapling/internal/models"
)

// extTypes fills in the content type when the client sends none or a generic one.
var extTypes = map[string]string{
	".pdf":      ingestion_engine.MimePDF,
	".txt":      ingestion_engine.MimePlain,
	".md":       ingestion_engine.MimeMarkdown,
	".markdown": ingestion_engine.MimeMarkdown,
	".html":     ingestion_engine.MimeHTML,
	".htm":      ingestion_engine.MimeHTML,
	".docx":     ingestion_engine.MimeDocx,
	".odt":      ingestion_engine.MimeODT,
}

type SourceHandler struct {
	dbclient     core.DbClient
	objectclient core.ObjectClient
	ingestor     ingestion_engine.Ingestor
	maxUpload    int64
	log          *zap.Logger
}

func NewSourceHandler(dbclient core.DbClient, objectclient core.ObjectClient, ing ingestion_engine.Ingestor, cfg *config.Config, log *zap.Logger) *SourceHandler {
	return &SourceHandler{
		dbclient:     dbclient,
		objectclient: objectclient,
		ingestor:     ing,
		maxUpload:    cfg.MaxUploadBytes,
		log:          logger.OrNop(log).Named("sources"),
	}
}

type createSourceRequest struct {
	SourceType string `json:"source_type"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	Content    string `json:"content"`
}

func (r createSourceRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.SourceType, validation.Required,
			validation.In(string(models.SourceKindURL), string(models.SourceKindText))),
		validation.Field(&r.Title, validation.Length(0, 500)),
		validation.Field(&r.URL, validation.When(r.SourceType == string(models.SourceKindURL),
			validation.Required, validation.By(httpURL))),
		validation.Field(&r.Content, validation.When(r.SourceType == string(models.SourceKindText),
			validation.Required)),
	)
}

func httpURL(value interface{}) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an http(s) URL")
	}
	return nil
}

// CreateSource accepts a multipart file upload or a JSON url/text source, stores it
// in processing state and queues ingestion.
func (h *SourceHandler) CreateSource(w http.ResponseWriter, r *http.Request) {
	space, ok := ownedSpace(w, r, h.dbclient, h.log, chi.URLParam(r, "spaceID"))
	if !ok {
		return
	}

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var src *models.Source
	if mt == "multipart/form-data" {
		src, ok = h.createFileSource(w, r, space)
		if !ok {
			return
		}
	} else {
		var req createSourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request")
			return
		}
		if err := req.Validate(); err != nil {
			writeValidation(w, err)
			return
		}
		src = newSourceFromRequest(space.ID, req)
		if err := h.dbclient.CreateSource(r.Context(), src); err != nil {
			writeStoreError(w, h.log, err)
			return
		}
	}

	h.trigger(src.ID)
	writeJSON(w, http.StatusCreated, src)
}

func newSourceFromRequest(spaceID string, req createSourceRequest) *models.Source {
	src := &models.Source{
		SpaceID: spaceID,
		Title:   strings.TrimSpace(req.Title),
		Kind:    models.SourceKind(req.SourceType),
		Status:  models.StatusProcessing,
	}
	switch src.Kind {
	case models.SourceKindURL:
		src.SourceURL = req.URL
		if src.Title == "" {
			src.Title = req.URL
		}
	case models.SourceKindText:
		content := req.Content
		src.Content = &content
		if src.Title == "" {
			src.Title = "Untitled note"
		}
	}
	return src
}

func (h *SourceHandler) createFileSource(w http.ResponseWriter, r *http.Request, space *models.Space) (*models.Source, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file")
		return nil, false
	}
	defer file.Close()

	if header.Size > h.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d bytes", h.maxUpload))
		return nil, false
	}

	cleanFilename := filepath.Base(header.Filename)
	ext := strings.ToLower(filepath.Ext(cleanFilename))
	contentType := uploadContentType(header.Header.Get("Content-Type"), ext)
	if !ingestion_engine.SupportedContentType(contentType) {
		writeError(w, http.StatusUnsupportedMediaType, "Unsupported file type: "+contentType)
		return nil, false
	}

	uid, _ := userID(w, r)
	key := fmt.Sprintf("%s/%s/%s%s", uid, space.ID, uuid.NewString(), ext)

	uploadctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	path, err := h.objectclient.Upload(uploadctx, key, file, contentType)
	if err != nil {
		h.log.Error("upload failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusBadGateway, "upload failed")
		return nil, false
	}

	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		title = cleanFilename
	}
	src := &models.Source{
		SpaceID:  space.ID,
		Title:    title,
		Kind:     models.SourceKindFile,
		FilePath: path,
		FileType: contentType,
		FileSize: header.Size,
		Status:   models.StatusProcessing,
		Metadata: models.Metadata{models.MetaContentType: contentType},
	}
	if err := h.dbclient.CreateSource(uploadctx, src); err != nil {
		// Don't leave an orphaned object behind.
		if rmErr := h.objectclient.Remove(context.WithoutCancel(uploadctx), path); rmErr != nil {
			h.log.Warn("failed to remove orphaned upload", zap.String("key", path), zap.Error(rmErr))
		}
		writeStoreError(w, h.log, err)
		return nil, false
	}
	return src, true
}

func uploadContentType(declared, ext string) string {
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil || mt == "" || mt == "application/octet-stream" {
		if t, ok := extTypes[ext]; ok {
			return t
		}
		return "application/octet-stream"
	}
	return mt
}

func (h *SourceHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	space, ok := ownedSpace(w, r, h.dbclient, h.log, chi.URLParam(r, "spaceID"))
	if !ok {
		return
	}
	sources, err := h.dbclient.ListSourcesBySpace(r.Context(), space.ID)
	if err != nil {
		writeStoreError(w, h.log, err)
		return
	}
	if sources == nil {
		sources = []models.Source{}
	}
	writeJSON(w, http.StatusOK, sources)
}

type sourceResponse struct {
	Source  *models.Source        `json:"source"`
	Summary *models.SourceSummary `json:"summary"`
}

// GetSource is the status polling endpoint.
func (h *SourceHandler) GetSource(w http.ResponseWriter, r *http.Request) {
	src, ok := h.ownedSource(w, r)
	if !ok {
		return
	}
	summary, err := h.dbclient.GetSourceSummary(r.Context(), src.ID)
	if err != nil {
		writeStoreError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sourceResponse{Source: src, Summary: summary})
}

// ProcessSource queues ingestion, or runs it inline with ?wait=true.
func (h *SourceHandler) ProcessSource(w http.ResponseWriter, r *http.Request) {
	src, ok := h.ownedSource(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		res := h.ingestor.RunIngestion(r.Context(), src.ID)
		switch {
		case res.AlreadyProcessed:
			writeJSON(w, http.StatusOK, map[string]string{"message": res.Message})
		case res.Success:
			writeJSON(w, http.StatusOK, res)
		case errors.Is(res.Err, core.ErrSourceBusy):
			writeJSON(w, http.StatusConflict, res)
		default:
			writeJSON(w, http.StatusUnprocessableEntity, res)
		}
		return
	}

	if src.Status == models.StatusReady {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Already processed"})
		return
	}
	if err := h.ingestor.Trigger(src.ID); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// ReprocessSource resets the source to processing and queues a fresh run.
func (h *SourceHandler) ReprocessSource(w http.ResponseWriter, r *http.Request) {
	src, ok := h.ownedSource(w, r)
	if !ok {
		return
	}
	if err := h.dbclient.ResetSourceStatus(r.Context(), src.ID); err != nil {
		writeStoreError(w, h.log, err)
		return
	}
	if err := h.ingestor.Trigger(src.ID); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// DeleteSource removes the stored file, then the source with its chunks and summary.
func (h *SourceHandler) DeleteSource(w http.ResponseWriter, r *http.Request) {
	src, ok := h.ownedSource(w, r)
	if !ok {
		return
	}
	if src.FilePath != "" {
		if err := h.objectclient.Remove(r.Context(), src.FilePath); err != nil {
			h.log.Warn("failed to remove source file", zap.String("source_id", src.ID), zap.Error(err))
		}
	}
	if err := h.dbclient.DeleteSource(r.Context(), src.ID); err != nil {
		writeStoreError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SourceHandler) ownedSource(w http.ResponseWriter, r *http.Request) (*models.Source, bool) {
	src, err := h.dbclient.GetSourceByID(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		writeStoreError(w, h.log, err)
		return nil, false
	}
	if _, ok := ownedSpace(w, r, h.dbclient, h.log, src.SpaceID); !ok {
		return nil, false
	}
	return src, true
}

// trigger queues ingestion. A full queue leaves the source in processing for a
// later /process call or the stale sweep.
func (h *SourceHandler) trigger(sourceID string) {
	if err := h.ingestor.Trigger(sourceID); err != nil {
		h.log.Warn("could not queue ingestion", zap.String("source_id", sourceID), zap.Error(err))
	}
}
