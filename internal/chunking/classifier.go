package chunking

import (
	"regexp"
	"strings"

	"rag-core/internal/pipeline/common"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`(\+?\d[\d\s\-]{7,}\d)`)
	listPattern  = regexp.MustCompile(`^\s*([-*•]|\d+[.)、])\s+`)
)

var contactKeywords = []string{
	"联系", "电话", "邮箱", "地址",
	"contact", "email", "phone", "tel", "address",
}

var visionKeywords = []string{
	"图片", "图像", "插图", "截图",
	"image", "figure", "diagram", "screenshot", "photo", "chart",
}

// Classify 启发式判定切片类型。
// 判定顺序固定：contact → list → vision → header → content，
// 命中多个特征时取靠前的类型。
func Classify(content string, index int) common.ChunkType {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return common.ChunkTypeContent
	}
	lower := strings.ToLower(trimmed)

	if isContact(trimmed, lower) {
		return common.ChunkTypeContact
	}
	if isList(trimmed) {
		return common.ChunkTypeList
	}
	if isVision(lower) {
		return common.ChunkTypeVision
	}
	if isHeader(trimmed, index) {
		return common.ChunkTypeHeader
	}
	return common.ChunkTypeContent
}

// isContact 同时包含联系关键词与邮箱/电话模式才算联系方式
func isContact(content, lower string) bool {
	hasKeyword := false
	for _, kw := range contactKeywords {
		if strings.Contains(lower, kw) {
			hasKeyword = true
			break
		}
	}
	if !hasKeyword {
		return false
	}
	return emailPattern.MatchString(content) || phonePattern.MatchString(content)
}

// isList 多数行以列表标记开头
func isList(content string) bool {
	lines := strings.Split(content, "\n")
	if len(lines) < 2 {
		return false
	}

	marked := 0
	total := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		total++
		if listPattern.MatchString(line) {
			marked++
		}
	}
	return total >= 2 && marked*2 > total
}

func isVision(lower string) bool {
	for _, kw := range visionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// isHeader 短文本、无结束标点、位于文档开头附近
func isHeader(content string, index int) bool {
	if len(content) > 80 || strings.Contains(content, "\n") {
		return false
	}
	if strings.ContainsAny(content[len(content)-1:], ".。!！?？;；,，") {
		return false
	}
	return index == 0 || strings.HasPrefix(content, "#")
}
