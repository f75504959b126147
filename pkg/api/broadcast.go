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
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/mapservice"
)

var errUnauthorized = errors.New("missing or invalid bearer token")

// requireInternalToken checks the bearer token when one is configured.
func (s *Server) requireInternalToken(c *gin.Context) {
	if s.token == "" {
		c.Next()
		return
	}

	presented, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
		abortWithError(c, http.StatusUnauthorized, errUnauthorized)
		return
	}

	c.Next()
}

func (s *Server) broadcast(c *gin.Context) {
	var b mapservice.Broadcast
	if err := c.ShouldBindJSON(&b); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	result, err := s.confirmer.Confirm(c.Request.Context(), b)
	if err != nil {
		if errors.Is(err, mapservice.ErrInvalidBroadcast) {
			abortWithError(c, http.StatusBadRequest, err)
			return
		}

		// the events were published, only queue bookkeeping failed
		s.log.Warnf("Broadcast %s processed with errors: %v", b.Operation, err)
	}

	c.JSON(http.StatusOK, result)
}
