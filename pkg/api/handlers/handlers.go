/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wso2/api-platform/realtime-client/pkg/api/middleware"
	"github.com/wso2/api-platform/realtime-client/pkg/client"
	"github.com/wso2/api-platform/realtime-client/pkg/syncqueue"
	"go.uber.org/zap"
)

// Client is the subset of the realtime client exposed over the admin API
type Client interface {
	Status() client.Status
	Requests() []syncqueue.Info
	Request(id string) (syncqueue.Info, bool)
	CancelRequest(id string) bool
	ReportConnectivityHint(online bool)
	Resume()
}

// HintRequest is the body of POST /connectivity/hint
type HintRequest struct {
	Online *bool `json:"online" binding:"required"`
}

// RequestList is the body of GET /requests
type RequestList struct {
	Count    int              `json:"count"`
	Requests []syncqueue.Info `json:"requests"`
}

// AdminServer implements the admin API handlers
type AdminServer struct {
	client Client
	logger *zap.Logger
}

// NewAdminServer creates the handler set
func NewAdminServer(c Client, logger *zap.Logger) *AdminServer {
	return &AdminServer{client: c, logger: logger}
}

// RegisterRoutes mounts every admin route on router
func (s *AdminServer) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", s.Health)
	router.GET("/status", s.GetStatus)
	router.GET("/requests", s.ListRequests)
	router.GET("/requests/:id", s.GetRequest)
	router.DELETE("/requests/:id", s.CancelRequest)
	router.POST("/connectivity/hint", s.ReportHint)
	router.POST("/connection/resume", s.Resume)
}

// Health handles GET /health
func (s *AdminServer) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// GetStatus handles GET /status
func (s *AdminServer) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.client.Status())
}

// ListRequests handles GET /requests
func (s *AdminServer) ListRequests(c *gin.Context) {
	reqs := s.client.Requests()
	c.JSON(http.StatusOK, RequestList{Count: len(reqs), Requests: reqs})
}

// GetRequest handles GET /requests/:id
func (s *AdminServer) GetRequest(c *gin.Context) {
	id := c.Param("id")
	info, ok := s.client.Request(id)
	if !ok {
		c.JSON(http.StatusNotFound, middleware.ErrorResponse{
			Status:  "error",
			Message: "Request not found: " + id,
		})
		return
	}
	c.JSON(http.StatusOK, info)
}

// CancelRequest handles DELETE /requests/:id
func (s *AdminServer) CancelRequest(c *gin.Context) {
	log := middleware.GetLogger(c, s.logger)
	id := c.Param("id")

	if !s.client.CancelRequest(id) {
		c.JSON(http.StatusNotFound, middleware.ErrorResponse{
			Status:  "error",
			Message: "Request not found: " + id,
		})
		return
	}

	log.Info("Request cancelled via admin API", zap.String("request_id", id))
	c.Status(http.StatusNoContent)
}

// ReportHint handles POST /connectivity/hint
func (s *AdminServer) ReportHint(c *gin.Context) {
	log := middleware.GetLogger(c, s.logger)

	var req HintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn("Invalid connectivity hint", zap.Error(err))
		c.JSON(http.StatusBadRequest, middleware.ErrorResponse{
			Status:  "error",
			Message: "Invalid request body: " + err.Error(),
		})
		return
	}

	s.client.ReportConnectivityHint(*req.Online)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// Resume handles POST /connection/resume
func (s *AdminServer) Resume(c *gin.Context) {
	s.client.Resume()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
