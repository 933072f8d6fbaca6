package model

import (
	"strconv"
	"strings"
)

const cacheKeyRoot = "ticks"

// CacheKey identifies one FIFO window in the history cache.
// Index ticks use one key per series; option ticks one key per (series, token).
type CacheKey struct {
	Series   string
	Type     DataType
	Token    int64
	HasToken bool
}

// IndexKey returns the cache key holding a series' index ticks.
func IndexKey(series string) CacheKey {
	return CacheKey{Series: series, Type: IndexTick}
}

// OptionKey returns the cache key holding one option token's ticks.
func OptionKey(series string, token int64) CacheKey {
	return CacheKey{Series: series, Type: OptionTick, Token: token, HasToken: true}
}

// String renders the storage key, e.g. "ticks:NIFTY:optiontick:26001".
func (k CacheKey) String() string {
	s := cacheKeyRoot + ":" + k.Series + ":" + string(k.Type)
	if k.HasToken {
		s += ":" + strconv.FormatInt(k.Token, 10)
	}
	return s
}

// Prefix is the key prefix shared by every subkey of (series, type).
func (k CacheKey) Prefix() string {
	return cacheKeyRoot + ":" + k.Series + ":" + string(k.Type) + ":"
}

// SeriesPrefix is the key prefix shared by every key of a series.
func SeriesPrefix(series string) string {
	return cacheKeyRoot + ":" + series + ":"
}

// ParseSubkey extracts the token from a full key carrying the given prefix.
func ParseSubkey(prefix, key string) (int64, bool) {
	if !strings.HasPrefix(key, prefix) {
		return 0, false
	}
	tok, err := strconv.ParseInt(key[len(prefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return tok, true
}

// OwnsKey reports whether key is one of series' cache keys. A plain prefix
// test is not enough: series "A" must not claim keys of series "A:B".
func OwnsKey(series, key string) bool {
	prefix := SeriesPrefix(series)
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	rest := key[len(prefix):]
	if rest == string(IndexTick) {
		return true
	}
	_, ok := ParseSubkey(string(OptionTick)+":", rest)
	return ok
}
