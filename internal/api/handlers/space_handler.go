package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"github.com/markdave123-py/sapling/internal/core"
	"github.com/markdave123-py/sapling/internal/logger"
	"github.com/markdave123-py/sapling/internal/models"
)

// SpaceHandler exposes the minimum space surface sources need: create and ownership lookups.
type SpaceHandler struct {
	dbclient core.DbClient
	log      *zap.Logger
}

func NewSpaceHandler(dbclient core.DbClient, log *zap.Logger) *SpaceHandler {
	return &SpaceHandler{dbclient: dbclient, log: logger.OrNop(log)}
}

type createSpaceRequest struct {
	Name string `json:"name"`
}

func (r createSpaceRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 200)),
	)
}

func (h *SpaceHandler) CreateSpace(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req createSpaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := req.Validate(); err != nil {
		writeValidation(w, err)
		return
	}

	space := &models.Space{UserID: uid, Name: req.Name}
	if err := h.dbclient.CreateSpace(r.Context(), space); err != nil {
		writeStoreError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, space)
}

func (h *SpaceHandler) GetSpace(w http.ResponseWriter, r *http.Request) {
	if space, ok := ownedSpace(w, r, h.dbclient, h.log, chi.URLParam(r, "spaceID")); ok {
		writeJSON(w, http.StatusOK, space)
	}
}

// ownedSpace loads the space and checks it belongs to the caller.
func ownedSpace(w http.ResponseWriter, r *http.Request, dbclient core.DbClient, log *zap.Logger, spaceID string) (*models.Space, bool) {
	uid, ok := userID(w, r)
	if !ok {
		return nil, false
	}
	space, err := dbclient.GetSpaceByID(r.Context(), spaceID)
	if err != nil {
		writeStoreError(w, log, err)
		return nil, false
	}
	if space.UserID != uid {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return space, true
}
