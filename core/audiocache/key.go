package audiocache

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key derives the cache key of a spoken line. It only depends on its
// arguments, so it is stable across restarts.
func Key(provider, voiceName, languageCode, text string) string {
	digest := xxhash.Sum64String(strings.Join([]string{
		provider,
		voiceName,
		strings.ToLower(languageCode),
		strings.TrimSpace(text),
	}, "\x00"))
	return provider + ":" + strconv.FormatUint(digest, 16)
}
