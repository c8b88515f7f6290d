package handler

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

type CacheConfig struct {
	MaxAge     time.Duration
	Public     bool
	Immutable  bool
	MustRevali bool
}

// SetCacheHeaders writes Cache-Control and Expires for config.
func SetCacheHeaders(h http.Header, config CacheConfig) {
	var cacheControl strings.Builder
	if config.Public {
		cacheControl.WriteString("public, ")
	} else {
		cacheControl.WriteString("private, ")
	}
	cacheControl.WriteString(fmt.Sprintf("max-age=%d", int(config.MaxAge.Seconds())))
	if config.Immutable {
		cacheControl.WriteString(", immutable")
	}
	if config.MustRevali {
		cacheControl.WriteString(", must-revalidate")
	}
	h.Set("Cache-Control", cacheControl.String())
	h.Set("Expires", time.Now().Add(config.MaxAge).UTC().Format(http.TimeFormat))
}
