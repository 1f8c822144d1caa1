package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// TemplatePoolKey returns the cache key for a template's question pool (answer keys included).
func (r *CacheKeyStruct) TemplatePoolKey(templateID string) string {
	return fmt.Sprintf("template:%s:pool", templateID)
}

// RateLimitKey returns the fixed-window counter key for a principal in the given minute.
func (r *CacheKeyStruct) RateLimitKey(principal string, window int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", principal, window)
}

// SweepLockKey returns the key guarding a single timeout sweep across replicas.
func (r *CacheKeyStruct) SweepLockKey() string {
	return "sweep:timeout:lock"
}

// TemplateMonitorChannel returns the pub/sub channel carrying a template's session events.
func (r *CacheKeyStruct) TemplateMonitorChannel(templateID string) string {
	return fmt.Sprintf("template:%s:monitor", templateID)
}

var CacheKey = NewCacheKeyStruct()
