// Copyright 2026 fanjia1024
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

package http

import (
	"github.com/cloudwego/hertz/pkg/app/server"
)

// Register 挂载全部路由
func Register(s *server.Hertz, h *Handler) {
	s.GET("/healthz", h.HealthCheck)
	s.GET("/metrics", h.Metrics)

	api := s.Group("/api")

	documents := api.Group("/documents")
	{
		documents.POST("", h.CreateDocument)
		documents.GET("", h.ListDocuments)
		documents.GET("/:id", h.GetDocument)
		documents.DELETE("/:id", h.DeleteDocument)
		documents.POST("/:id/process", h.ProcessDocument)
		documents.POST("/:id/cancel", h.CancelProcessing)
		documents.GET("/:id/text", h.DocumentText)
	}

	api.POST("/search", h.Search)
}
