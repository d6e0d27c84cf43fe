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

package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-core/internal/pipeline/common"
	"rag-core/internal/storage/chunkstore"
	"rag-core/internal/storage/metadata"
	"rag-core/internal/taskqueue"
	"rag-core/pkg/log"
)

func newTestService(t *testing.T, queue taskqueue.Queue) (DocumentService, metadata.Store, chunkstore.Store) {
	t.Helper()
	logger, err := log.NewLogger(nil)
	require.NoError(t, err)
	meta := metadata.NewMemoryStore()
	chunks := chunkstore.NewMemoryStore()
	svc := NewDocumentService(&Bootstrap{
		Logger:        logger,
		MetadataStore: meta,
		ChunkStore:    chunks,
		Queue:         queue,
	})
	return svc, meta, chunks
}

func TestDocumentService_CreateDocument(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	doc, err := svc.CreateDocument(ctx, &CreateDocumentRequest{
		Name:      "report.pdf",
		MediaType: "application/pdf",
		Size:      2048,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "default", doc.CollectionID)
	assert.Equal(t, string(metadata.StatusUploaded), doc.Status)
	assert.Equal(t, 0, doc.Progress)

	_, err = svc.CreateDocument(ctx, &CreateDocumentRequest{MediaType: "text/plain"})
	ve, ok := common.GetValidationError(err)
	require.True(t, ok)
	assert.Equal(t, "name", ve.Field)

	_, err = svc.CreateDocument(ctx, &CreateDocumentRequest{Name: "x.txt"})
	ve, ok = common.GetValidationError(err)
	require.True(t, ok)
	assert.Equal(t, "media_type", ve.Field)

	_, err = svc.CreateDocument(ctx, &CreateDocumentRequest{
		Name: "y.txt", MediaType: "text/plain", Category: "gossip",
	})
	ve, ok = common.GetValidationError(err)
	require.True(t, ok)
	assert.Equal(t, "category", ve.Field)
}

func TestDocumentService_CreateDocument_Attributes(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	doc, err := svc.CreateDocument(ctx, &CreateDocumentRequest{
		Name:      "safety.pdf",
		MediaType: "application/pdf",
		Category:  "safety",
		Language:  "zh",
		Tags:      []string{"msds", "2026"},
	})
	require.NoError(t, err)
	assert.Equal(t, "safety", doc.Metadata["category"])
	assert.Equal(t, "zh", doc.Metadata["language"])
	assert.Equal(t, []string{"msds", "2026"}, doc.Metadata["tags"])
}

func TestDocumentService_ListDocuments(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		_, err := svc.CreateDocument(ctx, &CreateDocumentRequest{
			Name: name, MediaType: "text/plain", CollectionID: "kb1",
		})
		require.NoError(t, err)
	}

	docs, total, err := svc.ListDocuments(ctx, &ListDocumentsRequest{CollectionID: "kb1"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, docs, 3)

	docs, total, err = svc.ListDocuments(ctx, &ListDocumentsRequest{CollectionID: "kb1", Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, docs, 2)

	_, total, err = svc.ListDocuments(ctx, &ListDocumentsRequest{Status: []string{"completed"}})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestDocumentService_ProcessDocument_Queue(t *testing.T) {
	queue := taskqueue.NewMemoryQueue()
	svc, _, _ := newTestService(t, queue)
	ctx := context.Background()

	doc, err := svc.CreateDocument(ctx, &CreateDocumentRequest{Name: "q.txt", MediaType: "text/plain"})
	require.NoError(t, err)

	taskID, err := svc.ProcessDocument(ctx, doc.ID, false)
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)

	task, err := queue.ClaimOne(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, doc.ID, task.DocumentID)
	assert.False(t, task.Force)

	_, err = svc.ProcessDocument(ctx, "missing", false)
	assert.ErrorIs(t, err, common.ErrDocumentNotFound)
}

func TestDocumentService_ProcessDocument_InlineConflicts(t *testing.T) {
	svc, meta, _ := newTestService(t, nil)
	ctx := context.Background()

	doc, err := svc.CreateDocument(ctx, &CreateDocumentRequest{Name: "c.txt", MediaType: "text/plain"})
	require.NoError(t, err)

	require.NoError(t, meta.SetStatus(ctx, doc.ID, metadata.StatusProcessing, 30))
	_, err = svc.ProcessDocument(ctx, doc.ID, false)
	assert.ErrorIs(t, err, common.ErrAlreadyProcessing)

	require.NoError(t, meta.SetStatus(ctx, doc.ID, metadata.StatusCompleted, 100))
	_, err = svc.ProcessDocument(ctx, doc.ID, false)
	assert.ErrorIs(t, err, common.ErrAlreadyCompleted)
}

func TestDocumentService_DeleteDocument_RemovesChunks(t *testing.T) {
	svc, _, chunks := newTestService(t, nil)
	ctx := context.Background()

	doc, err := svc.CreateDocument(ctx, &CreateDocumentRequest{Name: "d.txt", MediaType: "text/plain"})
	require.NoError(t, err)

	_, err = chunks.Upsert(ctx, &chunkstore.Chunk{
		ID:           "c1",
		DocumentID:   doc.ID,
		CollectionID: "default",
		Content:      "正文内容",
		Fingerprint:  "fp-1",
		Embedding:    []float64{1, 0},
		DocCreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteDocument(ctx, doc.ID))

	_, err = svc.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, common.ErrDocumentNotFound)
	left, err := chunks.GetByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, left)

	assert.ErrorIs(t, svc.DeleteDocument(ctx, "missing"), common.ErrDocumentNotFound)
}
