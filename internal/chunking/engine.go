package chunking

import (
	"strings"

	"github.com/google/uuid"

	"rag-core/internal/dedup"
	"rag-core/internal/pipeline/common"
)

// Options 切片配置
type Options struct {
	ChunkSize          int  // 目标切片大小（字节），默认 1000
	Overlap            int  // 相邻切片重叠（字节），默认 200
	PreserveParagraphs bool // true 时按段落边界切片，false 时按字符窗口切片
}

// Engine 文档切片引擎：按段落分割、合并到目标大小、带重叠。
// 每个切片在创建时完成类型分类与指纹计算。
type Engine struct {
	chunkSize          int
	overlap            int
	preserveParagraphs bool
}

// NewEngine 创建切片引擎
func NewEngine(opts Options) *Engine {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	overlap := opts.Overlap
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 2
	}
	return &Engine{
		chunkSize:          chunkSize,
		overlap:            overlap,
		preserveParagraphs: opts.PreserveParagraphs,
	}
}

// Split 将文档内容切片。空内容返回空切片集而非错误。
func (e *Engine) Split(documentID string, content string) ([]common.Chunk, error) {
	if strings.TrimSpace(content) == "" {
		return []common.Chunk{}, nil
	}

	var chunks []common.Chunk
	if e.preserveParagraphs {
		paragraphs := splitByParagraph(content)
		chunks = e.mergeParagraphs(paragraphs, documentID)
	} else {
		chunks = e.splitByWindow(content, documentID)
	}

	return chunks, nil
}

// splitByParagraph 按空行分割段落；段落内保留换行，
// 列表等行级结构对类型判定可见
func splitByParagraph(content string) []string {
	lines := strings.Split(content, "\n")

	var paragraphs []string
	var current strings.Builder

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			if current.Len() > 0 {
				paragraphs = append(paragraphs, current.String())
				current.Reset()
			}
			continue
		}

		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(trimmed)
	}

	if current.Len() > 0 {
		paragraphs = append(paragraphs, current.String())
	}

	return paragraphs
}

// mergeParagraphs 合并段落到目标大小，段落边界处保留重叠
func (e *Engine) mergeParagraphs(paragraphs []string, documentID string) []common.Chunk {
	var chunks []common.Chunk
	var current []string
	currentLen := 0
	chunkIndex := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		content := strings.Join(current, "\n\n")
		chunks = append(chunks, e.newChunk(content, documentID, chunkIndex))
		chunkIndex++

		// 新切片以尾部段落作为重叠开头（累计不超过 overlap 字节）
		var carry []string
		carryLen := 0
		for i := len(current) - 1; i >= 0; i-- {
			if carryLen+len(current[i]) > e.overlap {
				break
			}
			carry = append([]string{current[i]}, carry...)
			carryLen += len(current[i])
		}
		current = carry
		currentLen = carryLen
	}

	for _, paragraph := range paragraphs {
		if len(paragraph) > e.chunkSize {
			// 超长段落不从中间切开，独立成一个超限切片
			flush()
			current = nil
			currentLen = 0
			chunks = append(chunks, e.newChunk(paragraph, documentID, chunkIndex))
			chunkIndex++
			continue
		}

		if currentLen > 0 && currentLen+len(paragraph) > e.chunkSize {
			flush()
		}

		current = append(current, paragraph)
		currentLen += len(paragraph)
	}

	if len(current) > 0 {
		content := strings.Join(current, "\n\n")
		chunks = append(chunks, e.newChunk(content, documentID, chunkIndex))
	}

	return chunks
}

// splitByWindow 不保留段落边界，整篇按字符窗口切片
func (e *Engine) splitByWindow(content string, documentID string) []common.Chunk {
	collapsed := strings.Join(strings.Fields(content), " ")

	var chunks []common.Chunk
	for i, w := range e.windowSplit(collapsed) {
		chunks = append(chunks, e.newChunk(w, documentID, i))
	}
	return chunks
}

// windowSplit 滑动窗口切割，步长 chunkSize-overlap
func (e *Engine) windowSplit(text string) []string {
	step := e.chunkSize - e.overlap
	if step <= 0 {
		step = e.chunkSize
	}

	var parts []string
	for i := 0; i < len(text); i += step {
		end := i + e.chunkSize
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[i:end])
		if end == len(text) {
			break
		}
	}
	return parts
}

func (e *Engine) newChunk(content string, documentID string, index int) common.Chunk {
	return common.Chunk{
		ID:          uuid.New().String(),
		DocumentID:  documentID,
		Index:       index,
		Content:     content,
		Type:        Classify(content, index),
		TokenCount:  len(strings.Fields(content)),
		Fingerprint: dedup.Fingerprint(content),
		Metadata:    make(map[string]interface{}),
	}
}
