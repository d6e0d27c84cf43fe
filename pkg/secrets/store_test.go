package secrets

import (
	"context"
	"strings"
	"testing"
)

func TestNewStore(t *testing.T) {
	tests := []struct {
		name        string
		provider    string
		wantErr     bool
		errContains string
	}{
		{name: "memory", provider: "memory", wantErr: false},
		{name: "env", provider: "env", wantErr: false},
		{name: "default is env", provider: "", wantErr: false},
		{name: "unknown provider", provider: "unknown", wantErr: true, errContains: "不支持的 secret provider"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewStore(Config{Provider: tc.provider})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				if tc.errContains != "" && !strings.Contains(err.Error(), tc.errContains) {
					t.Fatalf("error = %q, want contains %q", err.Error(), tc.errContains)
				}
				if store != nil {
					t.Fatalf("store should be nil when error occurs")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if store == nil {
				t.Fatalf("store should not be nil")
			}
		})
	}
}

func TestEnvStore_KeyNormalization(t *testing.T) {
	ctx := context.Background()
	s := NewEnvStore()

	// 小写 key 规整为带前缀的大写形式
	t.Setenv("RAGCORE_OPENAI_API_KEY", "sk-prefixed")
	got, err := s.Get(ctx, "openai_api_key")
	if err != nil || got != "sk-prefixed" {
		t.Fatalf("get normalized key: %q, %v", got, err)
	}

	// 没有带前缀的变量时回退原始 key
	t.Setenv("legacy_token", "raw-value")
	got, err = s.Get(ctx, "legacy_token")
	if err != nil || got != "raw-value" {
		t.Fatalf("fallback to raw key: %q, %v", got, err)
	}

	if _, err := s.Get(ctx, "definitely_missing_key"); err == nil {
		t.Error("missing key should error")
	}
}

func TestMemoryAndEnvStoreBasicContract(t *testing.T) {
	ctx := context.Background()
	stores := []Store{NewMemoryStore(), NewEnvStore()}

	for _, s := range stores {
		if err := s.Set(ctx, "secret_test_key", "value"); err != nil {
			t.Fatalf("set secret failed: %v", err)
		}
		got, err := s.Get(ctx, "secret_test_key")
		if err != nil {
			t.Fatalf("get secret failed: %v", err)
		}
		if got != "value" {
			t.Fatalf("get secret = %q, want value", got)
		}
		if err := s.Delete(ctx, "secret_test_key"); err != nil {
			t.Fatalf("delete secret failed: %v", err)
		}
		_, err = s.Get(ctx, "secret_test_key")
		if err == nil {
			t.Fatalf("expected error after delete")
		}
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if got := Resolve(ctx, s, "missing", "fallback"); got != "fallback" {
		t.Fatalf("resolve missing = %q, want fallback", got)
	}

	_ = s.Set(ctx, "api_key", "sk-test")
	if got := Resolve(ctx, s, "api_key", "fallback"); got != "sk-test" {
		t.Fatalf("resolve = %q, want sk-test", got)
	}

	if got := Resolve(ctx, nil, "api_key", "fallback"); got != "fallback" {
		t.Fatalf("resolve with nil store = %q, want fallback", got)
	}
}
