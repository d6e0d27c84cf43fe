package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// Normalize 归一化文本：去除首尾空白并折叠连续空白为单个空格。
// 归一化只用于指纹计算，不改变存储的原始内容。
func Normalize(content string) string {
	return strings.Join(strings.Fields(content), " ")
}

// Fingerprint 计算归一化文本的 SHA-256 指纹（十六进制）
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(Normalize(content)))
	return hex.EncodeToString(sum[:])
}

// Tracker 记录一次处理过程中已见过的指纹，用于批内去重统计
type Tracker struct {
	mu   sync.Mutex
	seen map[string]struct{}
	hits int
}

// NewTracker 创建 Tracker
func NewTracker() *Tracker {
	return &Tracker{
		seen: make(map[string]struct{}),
	}
}

// Observe 记录指纹；返回 true 表示首次出现
func (t *Tracker) Observe(fingerprint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.seen[fingerprint]; ok {
		t.hits++
		return false
	}
	t.seen[fingerprint] = struct{}{}
	return true
}

// Hits 返回重复命中次数
func (t *Tracker) Hits() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hits
}
