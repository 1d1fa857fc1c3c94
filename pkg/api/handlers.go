// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/united-manufacturing-hub/petsync/pkg/cse/protocol"
	"github.com/united-manufacturing-hub/petsync/pkg/cse/sync"
	"github.com/united-manufacturing-hub/petsync/pkg/persistence"
)

const (
	maxBodyBytes = 16 << 20

	// mergePatchContentType marks a PUT body as a patch over the current record.
	mergePatchContentType = "application/merge-patch+json"
	idempotencyKeyHeader  = "Idempotency-Key"
)

func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	return body, nil
}

func (h *handler) push(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		HandleInvalidInputError(c, err)

		return
	}

	var req protocol.PushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		HandleInvalidInputError(c, fmt.Errorf("malformed push request: %w", err))

		return
	}

	if len(req.Ops) > h.cfg.PushMaxOps {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   fmt.Sprintf("batch of %d ops exceeds the limit of %d", len(req.Ops), h.cfg.PushMaxOps),
			"status":  http.StatusRequestEntityTooLarge,
			"message": "Split the batch and push again.",
		})

		return
	}

	ops := protocol.DecodeOperations(req.Ops)
	result := h.engine.Push(c.Request.Context(), OwnerFrom(c), req.DeviceID, ops)

	c.JSON(http.StatusOK, result)
}

type pullRequest struct {
	Since int64 `form:"since" binding:"min=0"`
	Limit int   `form:"limit" binding:"min=0"`
}

func (h *handler) pull(c *gin.Context) {
	var req pullRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		HandleInvalidInputError(c, err)

		return
	}

	result, err := h.engine.Pull(c.Request.Context(), OwnerFrom(c), req.Since, req.Limit)
	if err != nil {
		HandleInternalServerError(c, err)

		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *handler) status(c *gin.Context) {
	result, err := h.engine.Status(c.Request.Context(), OwnerFrom(c))
	if err != nil {
		HandleInternalServerError(c, err)

		return
	}

	c.JSON(http.StatusOK, result)
}

type entityRequest struct {
	Type string `uri:"type" binding:"required"`
	ID   string `uri:"id"`
}

type entityResponse struct {
	EntityType string             `json:"entity_type"`
	EntityID   string             `json:"entity_id"`
	Record     persistence.Record `json:"record"`
	Version    int64              `json:"version"`
	Deleted    bool               `json:"deleted"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

func toEntityResponse(state persistence.EntityState) entityResponse {
	return entityResponse{
		EntityType: state.Key.EntityType,
		EntityID:   state.Key.EntityID,
		Record:     state.Record,
		Version:    state.Version,
		Deleted:    state.Deleted,
		UpdatedAt:  state.UpdatedAt,
	}
}

type mutationResponse struct {
	OpID     string                    `json:"op_id"`
	Replayed bool                      `json:"replayed"`
	Change   *persistence.ChangeRecord `json:"change,omitempty"`
}

func etag(version int64) string {
	return strconv.Quote(strconv.FormatInt(version, 10))
}

// baseVersion reads the base version from If-Match, accepting "3", W/"3" and 3.
func baseVersion(c *gin.Context) (*int64, error) {
	raw := strings.TrimSpace(c.GetHeader("If-Match"))
	if raw == "" {
		return nil, nil
	}

	raw = strings.Trim(strings.TrimPrefix(raw, "W/"), `"`)

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid If-Match header %q: %w", raw, err)
	}

	return &v, nil
}

func (h *handler) mutation(c *gin.Context, req entityRequest, changeType persistence.ChangeType) (sync.Mutation, error) {
	base, err := baseVersion(c)
	if err != nil {
		return sync.Mutation{}, err
	}

	opID := c.GetHeader(idempotencyKeyHeader)
	if opID == "" {
		opID = uuid.NewString()
	}

	return sync.Mutation{
		Key: persistence.EntityKey{
			OwnerID:    OwnerFrom(c),
			EntityType: req.Type,
			EntityID:   req.ID,
		},
		OpID:        opID,
		ChangeType:  changeType,
		BaseVersion: base,
		DeviceID:    c.GetHeader("X-Device-ID"),
	}, nil
}

func (h *handler) respondMutation(c *gin.Context, m sync.Mutation) {
	out, err := h.engine.Mutate(c.Request.Context(), m)
	if err != nil {
		handleRejection(c, err)

		return
	}

	if out.Change != nil {
		c.Header("ETag", etag(out.Change.Version))
	}

	c.JSON(http.StatusOK, mutationResponse{OpID: m.OpID, Replayed: out.Replayed, Change: out.Change})
}

func (h *handler) putEntity(c *gin.Context) {
	var req entityRequest
	if err := c.ShouldBindUri(&req); err != nil {
		HandleInvalidInputError(c, err)

		return
	}

	m, err := h.mutation(c, req, persistence.ChangeUpsert)
	if err != nil {
		HandleInvalidInputError(c, err)

		return
	}

	body, err := readBody(c)
	if err != nil {
		HandleInvalidInputError(c, err)

		return
	}

	if protocol.IsNull(body) {
		HandleInvalidInputError(c, errors.New("request body must be a JSON object"))

		return
	}

	if m.Record, err = persistence.UnmarshalRecord(body); err != nil {
		HandleInvalidInputError(c, errors.New("request body must be a JSON object"))

		return
	}

	m.Patch = strings.HasPrefix(c.ContentType(), mergePatchContentType)

	h.respondMutation(c, m)
}

func (h *handler) deleteEntity(c *gin.Context) {
	var req entityRequest
	if err := c.ShouldBindUri(&req); err != nil {
		HandleInvalidInputError(c, err)

		return
	}

	m, err := h.mutation(c, req, persistence.ChangeDelete)
	if err != nil {
		HandleInvalidInputError(c, err)

		return
	}

	h.respondMutation(c, m)
}

func (h *handler) getEntity(c *gin.Context) {
	var req entityRequest
	if err := c.ShouldBindUri(&req); err != nil {
		HandleInvalidInputError(c, err)

		return
	}

	includeDeleted := c.Query("include_deleted") == "true"

	state, err := h.engine.Get(c.Request.Context(), persistence.EntityKey{
		OwnerID:    OwnerFrom(c),
		EntityType: req.Type,
		EntityID:   req.ID,
	})
	if errors.Is(err, persistence.ErrNotFound) || (err == nil && state.Deleted && !includeDeleted) {
		HandleNotFound(c, "entity")

		return
	}

	if err != nil {
		handleRejection(c, err)

		return
	}

	c.Header("ETag", etag(state.Version))
	c.JSON(http.StatusOK, toEntityResponse(state))
}

func (h *handler) listEntities(c *gin.Context) {
	var req entityRequest
	if err := c.ShouldBindUri(&req); err != nil {
		HandleInvalidInputError(c, err)

		return
	}

	states, err := h.engine.List(c.Request.Context(), OwnerFrom(c), req.Type, c.Query("include_deleted") == "true")
	if err != nil {
		handleRejection(c, err)

		return
	}

	entities := make([]entityResponse, 0, len(states))
	for _, state := range states {
		entities = append(entities, toEntityResponse(state))
	}

	c.JSON(http.StatusOK, gin.H{"entities": entities})
}
