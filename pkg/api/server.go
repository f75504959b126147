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

// Package api serves the session handshake, the push socket and the internal
// broadcast endpoint the writer calls after committing.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/logger"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/mapservice"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/pubsub"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/sentry"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/session"
)

// Subscriber is the part of the hub the push socket needs.
type Subscriber interface {
	Subscribe(event string, args map[string]any, l pubsub.Listener) (pubsub.Handle, error)
	Unsubscribe(h pubsub.Handle)
}

// Confirmer handles writer broadcasts.
type Confirmer interface {
	Confirm(ctx context.Context, b mapservice.Broadcast) (mapservice.ConfirmResult, error)
}

type Config struct {
	ListenAddr string
	// InternalToken guards the broadcast endpoint when set.
	InternalToken string
}

type Server struct {
	router    *gin.Engine
	server    *http.Server
	sessions  *session.Store
	hub       Subscriber
	confirmer Confirmer
	log       *zap.SugaredLogger
	sockets   *socketRegistry
	token     string
}

func NewServer(cfg Config, sessions *session.Store, hub Subscriber, confirmer Confirmer) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Access log and panic recovery, both through the global zap logger.
	router.Use(ginzap.Ginzap(logger.GetLogger(), time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger.GetLogger(), true))

	s := &Server{
		router:    router,
		sessions:  sessions,
		hub:       hub,
		confirmer: confirmer,
		log:       logger.For(logger.ComponentAPI),
		sockets:   newSocketRegistry(),
		token:     cfg.InternalToken,
	}

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	v1 := router.Group("/api/v1")
	{
		handshake := v1.Group("/session", gzip.Gzip(gzip.DefaultCompression))
		handshake.POST("", s.handshake)
		handshake.DELETE("/:token", s.disconnect)

		// no gzip on the upgrade route, the socket writes its own frames
		v1.GET("/ws", s.serveSocket)
	}

	internal := router.Group("/internal/v1", s.requireInternalToken)
	{
		internal.POST("/broadcast", s.broadcast)
	}

	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens in the background.
func (s *Server) Start() {
	go func() {
		s.log.Infof("Listening on %s", s.server.Addr)

		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeError, s.log)
		}
	}()
}

// Shutdown stops accepting requests and closes every push socket.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.sockets.closeAll()

	return err
}

// SocketCount reports the open push sockets.
func (s *Server) SocketCount() int {
	return s.sockets.len()
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// abortWithSessionError answers 401 and asks the client to handshake again.
func abortWithSessionError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{
		Error:   "session",
		Message: err.Error() + ", re-handshake required",
	})
}

func abortWithError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, errorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
	})
}
