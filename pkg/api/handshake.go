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
	"time"

	"github.com/gin-gonic/gin"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/hash"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/session"
)

type handshakeRequest struct {
	// Token resumes an existing session. Unknown or expired tokens get a new session.
	Token   string `json:"token"`
	MapID   string `json:"mapId" binding:"required"`
	Variant string `json:"variant" binding:"required"`
}

type handshakeResponse struct {
	Token   string        `json:"token"`
	Expiry  time.Time     `json:"expiry"`
	MapRef  models.MapRef `json:"mapRef"`
	Resumed bool          `json:"resumed"`
}

func (s *Server) handshake(c *gin.Context) {
	var req handshakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	variant, err := models.ParseVariant(req.Variant)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	ref := models.MapRef{ID: req.MapID, Variant: variant}

	if req.Token != "" {
		if sess, err := s.sessions.Get(req.Token); err == nil {
			sess.SetCurrentMap(ref)

			expiry, err := s.sessions.Touch(req.Token)
			if err == nil {
				c.JSON(http.StatusOK, handshakeResponse{Token: sess.Token(), Expiry: expiry, MapRef: ref, Resumed: true})
				return
			}
		}

		s.log.Debugf("Session %s cannot be resumed, creating a new one", hash.Fingerprint(req.Token))
	}

	sess, err := s.sessions.Create(c.Request.Context(), ref)
	if err != nil {
		if errors.Is(err, session.ErrInvalidMapRef) {
			abortWithError(c, http.StatusBadRequest, err)
			return
		}
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusCreated, handshakeResponse{Token: sess.Token(), Expiry: sess.Expiry(), MapRef: ref})
}

func (s *Server) disconnect(c *gin.Context) {
	token := c.Param("token")

	if err := s.sessions.Remove(token); err != nil {
		if session.IsSessionError(err) {
			abortWithSessionError(c, err)
			return
		}
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	s.sockets.closeSession(token)

	c.Status(http.StatusNoContent)
}
