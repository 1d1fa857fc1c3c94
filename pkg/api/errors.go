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
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/petsync/pkg/cse/protocol"
	"github.com/united-manufacturing-hub/petsync/pkg/cse/sync"
)

// HandleInternalServerError answers 500. The error is logged, not returned.
func HandleInternalServerError(c *gin.Context, err error) {
	if c == nil {
		panic("HandleInternalServerError: c is nil")
	}

	if err == nil {
		err = errors.New("unknown error")
	}

	zap.S().Errorw("Internal server error",
		"error", err,
		"request_id", c.GetString(requestIDKey),
	)

	c.JSON(http.StatusInternalServerError, gin.H{
		"error":      "internal error",
		"status":     http.StatusInternalServerError,
		"message":    "The server had an internal error. Please mention the request id when contacting support.",
		"request_id": c.GetString(requestIDKey),
	})
}

// HandleInvalidInputError answers 400.
func HandleInvalidInputError(c *gin.Context, err error) {
	if c == nil {
		panic("HandleInvalidInputError: c is nil")
	}

	if err == nil {
		err = errors.New("unknown error")
	}

	zap.S().Debugw("Invalid input error", "error", err, "request_id", c.GetString(requestIDKey))

	c.JSON(http.StatusBadRequest, gin.H{
		"error":   err.Error(),
		"status":  http.StatusBadRequest,
		"message": "You have provided a wrong input. Please check your parameters.",
	})
}

// HandleNotFound answers 404.
func HandleNotFound(c *gin.Context, what string) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   what + " not found",
		"status":  http.StatusNotFound,
		"message": "The requested " + what + " was not found.",
	})
}

var reasonStatus = map[protocol.Reason]int{
	protocol.ReasonInvalidOp:             http.StatusBadRequest,
	protocol.ReasonInvalidOpID:           http.StatusBadRequest,
	protocol.ReasonInvalidEntityID:       http.StatusBadRequest,
	protocol.ReasonUnsupportedEntityType: http.StatusNotFound,
	protocol.ReasonUnsupportedChangeType: http.StatusMethodNotAllowed,
	protocol.ReasonConflict:              http.StatusConflict,
}

// handleRejection maps a rejected direct entity write or read to a status code.
func handleRejection(c *gin.Context, err error) {
	var rej *sync.RejectError
	if !errors.As(err, &rej) || rej.Reason == protocol.ReasonServerError {
		HandleInternalServerError(c, err)

		return
	}

	status, ok := reasonStatus[rej.Reason]
	if !ok {
		status = http.StatusBadRequest
	}

	body := gin.H{
		"error":   rej.Error(),
		"status":  status,
		"message": "The operation was rejected.",
		"reason":  rej.Reason,
	}

	if rej.CurrentVersion != nil {
		body["current_version"] = *rej.CurrentVersion
	}

	c.JSON(status, body)
}
