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

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wso2/api-platform/realtime-client/pkg/config"
	"go.uber.org/zap"
)

// HealthFunc reports whether the client is running
type HealthFunc func() bool

// Server exposes the client's registry on /metrics and its liveness on
// /health. /health answers 503 while healthy reports false.
type Server struct {
	port       int
	httpServer *http.Server
	listener   net.Listener
	log        *zap.Logger
}

// NewServer builds the scrape endpoint. A nil healthy always reports up.
func NewServer(cfg *config.MetricsConfig, healthy HealthFunc, log *zap.Logger) *Server {
	if healthy == nil {
		healthy = func() bool { return true }
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Init(), promhttp.HandlerOpts{
		ErrorLog:          zap.NewStdLog(log.Named("promhttp")),
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !healthy() {
			http.Error(w, "client stopped", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		port: cfg.Port,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			ErrorLog:          zap.NewStdLog(log),
		},
		log: log,
	}
}

// Start binds the listener and serves in the background. Port 0 picks a
// free port, see Addr.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("metrics server failed to bind: %w", err)
	}
	s.listener = ln
	s.log.Info("Serving client metrics", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Stop drains in-flight scrapes
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Stopping metrics server", zap.Int("port", s.port))
	return s.httpServer.Shutdown(ctx)
}
