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
	"encoding/json"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"

	appcore "rag-core/internal/app"
	"rag-core/internal/model/embedding"
	"rag-core/internal/pipeline/common"
	"rag-core/internal/pipeline/query"
	"rag-core/internal/storage/chunkstore"
	"rag-core/internal/storage/metadata"
	"rag-core/internal/taskqueue"
	"rag-core/pkg/log"
)

type testEnv struct {
	server   *server.Hertz
	meta     metadata.Store
	chunks   chunkstore.Store
	embedder embedding.Embedder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	meta := metadata.NewMemoryStore()
	chunks := chunkstore.NewMemoryStore()
	embedder, err := embedding.New(embedding.Config{Provider: "local", Dimension: 64})
	if err != nil {
		t.Fatalf("embedding.New: %v", err)
	}
	logger, _ := log.NewLogger(nil)

	b := &appcore.Bootstrap{
		Logger:        logger,
		MetadataStore: meta,
		ChunkStore:    chunks,
		Embedder:      embedder,
		Queue:         taskqueue.NewMemoryQueue(),
	}
	docService := appcore.NewDocumentService(b)

	engine, err := query.NewEngine(query.Config{Chunks: chunks, Embedder: embedder})
	if err != nil {
		t.Fatalf("query.NewEngine: %v", err)
	}

	s := server.Default(server.WithHostPorts(":0"))
	Register(s, NewHandler(docService, engine))

	return &testEnv{server: s, meta: meta, chunks: chunks, embedder: embedder}
}

func performJSON(t *testing.T, s *server.Hertz, method, path string, payload interface{}) *ut.ResponseRecorder {
	t.Helper()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	return ut.PerformRequest(s.Engine, method, path, &ut.Body{Body: bytes.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
}

func createTestDocument(t *testing.T, s *server.Hertz, name string) string {
	t.Helper()
	w := performJSON(t, s, "POST", "/api/documents", map[string]interface{}{
		"name":       name,
		"media_type": "text/plain",
		"size":       128,
	})
	if got := w.Result().StatusCode(); got != 201 {
		t.Fatalf("create status = %d, want 201: %s", got, w.Result().Body())
	}
	var doc appcore.DocumentInfo
	if err := json.Unmarshal(w.Result().Body(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.ID == "" {
		t.Fatal("empty document id")
	}
	return doc.ID
}

func TestHandler_CreateAndGetDocument(t *testing.T) {
	env := newTestEnv(t)
	id := createTestDocument(t, env.server, "说明书.txt")

	w := performJSON(t, env.server, "GET", "/api/documents/"+id, nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("get status = %d, want 200", got)
	}
	var doc appcore.DocumentInfo
	if err := json.Unmarshal(w.Result().Body(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Status != string(metadata.StatusUploaded) {
		t.Errorf("status = %s, want uploaded", doc.Status)
	}
	if doc.Name != "说明书.txt" {
		t.Errorf("name = %s", doc.Name)
	}

	w = performJSON(t, env.server, "GET", "/api/documents/missing", nil)
	if got := w.Result().StatusCode(); got != 404 {
		t.Errorf("missing doc status = %d, want 404", got)
	}
}

func TestHandler_CreateDocument_Validation(t *testing.T) {
	env := newTestEnv(t)

	w := performJSON(t, env.server, "POST", "/api/documents", map[string]interface{}{
		"media_type": "text/plain",
	})
	if got := w.Result().StatusCode(); got != 400 {
		t.Fatalf("status = %d, want 400", got)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Result().Body(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["field"] != "name" {
		t.Errorf("field = %s, want name", resp["field"])
	}
}

func TestHandler_ListDocuments(t *testing.T) {
	env := newTestEnv(t)
	createTestDocument(t, env.server, "one.txt")
	createTestDocument(t, env.server, "two.txt")

	w := performJSON(t, env.server, "GET", "/api/documents", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d, want 200", got)
	}
	var resp struct {
		Documents []*appcore.DocumentInfo `json:"documents"`
		Total     int64                   `json:"total"`
	}
	if err := json.Unmarshal(w.Result().Body(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Total != 2 || len(resp.Documents) != 2 {
		t.Errorf("total = %d, documents = %d, want 2/2", resp.Total, len(resp.Documents))
	}

	w = performJSON(t, env.server, "GET", "/api/documents?status=completed", nil)
	if err := json.Unmarshal(w.Result().Body(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Total != 0 {
		t.Errorf("completed total = %d, want 0", resp.Total)
	}
}

func TestHandler_ProcessDocument_Enqueues(t *testing.T) {
	env := newTestEnv(t)
	id := createTestDocument(t, env.server, "queued.txt")

	w := performJSON(t, env.server, "POST", "/api/documents/"+id+"/process", map[string]interface{}{"force": false})
	if got := w.Result().StatusCode(); got != 202 {
		t.Fatalf("status = %d, want 202: %s", got, w.Result().Body())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Result().Body(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["task_id"] == nil || resp["task_id"] == "" {
		t.Error("expected task_id")
	}

	w = performJSON(t, env.server, "POST", "/api/documents/missing/process", nil)
	if got := w.Result().StatusCode(); got != 404 {
		t.Errorf("missing doc status = %d, want 404", got)
	}
}

func TestHandler_DeleteDocument(t *testing.T) {
	env := newTestEnv(t)
	id := createTestDocument(t, env.server, "gone.txt")

	w := performJSON(t, env.server, "DELETE", "/api/documents/"+id, nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("delete status = %d, want 200", got)
	}
	w = performJSON(t, env.server, "GET", "/api/documents/"+id, nil)
	if got := w.Result().StatusCode(); got != 404 {
		t.Errorf("get after delete = %d, want 404", got)
	}
}

func TestHandler_Search(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	contents := []string{
		"contact us at support@example.com",
		"installation guide for the desktop client",
	}
	for i, content := range contents {
		vecs, err := env.embedder.Embed(ctx, []string{content})
		if err != nil {
			t.Fatalf("Embed: %v", err)
		}
		_, err = env.chunks.Upsert(ctx, &chunkstore.Chunk{
			ID:           "c" + string(rune('1'+i)),
			DocumentID:   "doc1",
			CollectionID: "default",
			Index:        i,
			Content:      content,
			Type:         common.ChunkTypeContent,
			Fingerprint:  content,
			Embedding:    vecs[0],
			DocCreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	w := performJSON(t, env.server, "POST", "/api/search", map[string]interface{}{
		"query":         "contact support",
		"collection_id": "default",
		"threshold":     0.5,
	})
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d, want 200: %s", got, w.Result().Body())
	}
	var resp struct {
		Results        []*query.Result `json:"results"`
		CandidateCount int             `json:"candidate_count"`
	}
	if err := json.Unmarshal(w.Result().Body(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Results) == 0 {
		t.Fatal("expected results")
	}

	// 越界 limit 映射为 400
	w = performJSON(t, env.server, "POST", "/api/search", map[string]interface{}{
		"query": "contact support",
		"limit": 100,
	})
	if got := w.Result().StatusCode(); got != 400 {
		t.Errorf("invalid limit status = %d, want 400", got)
	}
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	w := performJSON(t, env.server, "GET", "/healthz", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Errorf("healthz = %d, want 200", got)
	}

	w = performJSON(t, env.server, "GET", "/metrics", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Errorf("metrics = %d, want 200", got)
	}
	if !bytes.Contains(w.Result().Body(), []byte("ragcore_")) {
		t.Error("expected ragcore_ metrics in output")
	}
}
