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

// Package api exposes the sync engine over HTTP.
//
// Routes (all below /api/v1 require authentication):
//
//	POST   /api/v1/sync/push
//	GET    /api/v1/sync/pull?since=&limit=
//	GET    /api/v1/sync/status
//	PUT    /api/v1/entities/:type/:id
//	DELETE /api/v1/entities/:type/:id
//	GET    /api/v1/entities/:type/:id
//	GET    /api/v1/entities/:type
//
// Direct entity writes go through the same engine path as pushed operations,
// so they show up in every client's pull.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/petsync/pkg/cse/sync"
	"github.com/united-manufacturing-hub/petsync/pkg/logger"
	"github.com/united-manufacturing-hub/petsync/pkg/metrics"
)

const (
	requestIDKey    = "petsync.request_id"
	requestIDHeader = "X-Request-ID"

	// DefaultPushMaxOps bounds the operations of one push request.
	DefaultPushMaxOps = 500
)

// Config configures the HTTP layer.
type Config struct {
	// PushMaxOps is the largest accepted push batch. Larger batches get 413.
	PushMaxOps int
}

type handler struct {
	engine *sync.Engine
	cfg    Config
	log    *zap.SugaredLogger
}

// NewRouter builds the gin engine. auth resolves the owner of every /api/v1 request.
func NewRouter(engine *sync.Engine, auth gin.HandlerFunc, cfg Config) *gin.Engine {
	if engine == nil {
		panic("engine must not be nil")
	}

	if auth == nil {
		panic("auth must not be nil")
	}

	if cfg.PushMaxOps <= 0 {
		cfg.PushMaxOps = DefaultPushMaxOps
	}

	h := &handler{engine: engine, cfg: cfg, log: logger.For(logger.ComponentAPI)}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs to stdout.
	//   - RFC3339 with UTC time format.
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))
	router.Use(requestID(), gzip.Gzip(gzip.DefaultCompression), observeLatency())

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	v1 := router.Group("/api/v1", auth)
	{
		v1.POST("/sync/push", h.push)
		v1.GET("/sync/pull", h.pull)
		v1.GET("/sync/status", h.status)

		v1.GET("/entities/:type", h.listEntities)
		v1.GET("/entities/:type/:id", h.getEntity)
		v1.PUT("/entities/:type/:id", h.putEntity)
		v1.DELETE("/entities/:type/:id", h.deleteEntity)
	}

	return router
}

// requestID reuses an incoming X-Request-ID or assigns a new one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func observeLatency() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.ObserveRequestTime(metrics.ComponentAPI, time.Since(start))
	}
}
