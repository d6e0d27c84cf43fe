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
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	appcore "rag-core/internal/app"
	"rag-core/internal/pipeline/common"
	"rag-core/internal/pipeline/query"
	"rag-core/pkg/metrics"
)

// Handler HTTP 处理器：文档管理 + 检索
type Handler struct {
	docs  appcore.DocumentService
	query *query.Engine
}

// NewHandler 创建 HTTP 处理器；query 可为 nil（检索接口返回 503）
func NewHandler(docs appcore.DocumentService, queryEngine *query.Engine) *Handler {
	return &Handler{docs: docs, query: queryEngine}
}

// CreateDocument 注册文档元数据
// POST /api/documents
func (h *Handler) CreateDocument(c context.Context, ctx *app.RequestContext) {
	var req appcore.CreateDocumentRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体解析失败: " + err.Error()})
		return
	}
	doc, err := h.docs.CreateDocument(c, &req)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, doc)
}

// ListDocuments 文档列表
// GET /api/documents?org_id=&collection_id=&status=&search=&offset=&limit=
func (h *Handler) ListDocuments(c context.Context, ctx *app.RequestContext) {
	req := &appcore.ListDocumentsRequest{
		OrgID:        string(ctx.Query("org_id")),
		CollectionID: string(ctx.Query("collection_id")),
		Search:       string(ctx.Query("search")),
	}
	if s := string(ctx.Query("status")); s != "" {
		req.Status = strings.Split(s, ",")
	}
	if v := string(ctx.Query("offset")); v != "" {
		req.Offset, _ = strconv.Atoi(v)
	}
	if v := string(ctx.Query("limit")); v != "" {
		req.Limit, _ = strconv.Atoi(v)
	}

	docs, total, err := h.docs.ListDocuments(c, req)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"documents": docs,
		"total":     total,
	})
}

// GetDocument 文档详情（含处理进度与日志）
// GET /api/documents/:id
func (h *Handler) GetDocument(c context.Context, ctx *app.RequestContext) {
	doc, err := h.docs.GetDocument(c, ctx.Param("id"))
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, doc)
}

// DeleteDocument 删除文档及其全部切片
// DELETE /api/documents/:id
func (h *Handler) DeleteDocument(c context.Context, ctx *app.RequestContext) {
	if err := h.docs.DeleteDocument(c, ctx.Param("id")); err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "deleted"})
}

type processRequest struct {
	Force bool `json:"force"`
}

// ProcessDocument 触发文档处理
// POST /api/documents/:id/process
func (h *Handler) ProcessDocument(c context.Context, ctx *app.RequestContext) {
	var req processRequest
	if len(ctx.Request.Body()) > 0 {
		if err := ctx.BindJSON(&req); err != nil {
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体解析失败: " + err.Error()})
			return
		}
	}

	taskID, err := h.docs.ProcessDocument(c, ctx.Param("id"), req.Force)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	resp := map[string]interface{}{"status": "accepted"}
	if taskID != "" {
		resp["task_id"] = taskID
	}
	ctx.JSON(consts.StatusAccepted, resp)
}

// CancelProcessing 取消处理中的文档
// POST /api/documents/:id/cancel
func (h *Handler) CancelProcessing(c context.Context, ctx *app.RequestContext) {
	if !h.docs.CancelProcessing(c, ctx.Param("id")) {
		ctx.JSON(consts.StatusConflict, map[string]string{"error": "文档不在本进程处理中"})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"status": "cancelling"})
}

// DocumentText 文档切片文本，按切片顺序
// GET /api/documents/:id/text
func (h *Handler) DocumentText(c context.Context, ctx *app.RequestContext) {
	chunks, err := h.docs.DocumentText(c, ctx.Param("id"))
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	type chunkText struct {
		Index   int    `json:"index"`
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	out := make([]chunkText, len(chunks))
	for i, ch := range chunks {
		out[i] = chunkText{Index: ch.Index, Type: string(ch.Type), Content: ch.Content}
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{"chunks": out})
}

// Search 向量检索
// POST /api/search
func (h *Handler) Search(c context.Context, ctx *app.RequestContext) {
	if h.query == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "检索引擎未配置"})
		return
	}
	var req query.Request
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体解析失败: " + err.Error()})
		return
	}
	resp, err := h.query.Search(c, &req)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"results":         resp.Results,
		"candidate_count": resp.CandidateCount,
		"match_count":     resp.MatchCount,
		"applied_filters": resp.AppliedFilters,
		"elapsed_ms":      resp.Elapsed.Milliseconds(),
	})
}

// HealthCheck 健康检查
// GET /healthz
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// Metrics Prometheus 指标
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// writeError 按错误类型映射 HTTP 状态码
func (h *Handler) writeError(c context.Context, ctx *app.RequestContext, err error) {
	if ve, ok := common.GetValidationError(err); ok {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": ve.Message,
			"field": ve.Field,
		})
		return
	}

	status := consts.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrDocumentNotFound), errors.Is(err, common.ErrChunkNotFound):
		status = consts.StatusNotFound
	case errors.Is(err, common.ErrAlreadyProcessing), errors.Is(err, common.ErrAlreadyCompleted):
		status = consts.StatusConflict
	case errors.Is(err, common.ErrUnsupportedMediaType):
		status = consts.StatusUnprocessableEntity
	case errors.Is(err, common.ErrInvalidInput):
		status = consts.StatusBadRequest
	}
	if status == consts.StatusInternalServerError {
		hlog.CtxErrorf(c, "request failed: %v", err)
	}
	ctx.JSON(status, map[string]string{"error": err.Error()})
}
