package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Version is the WhatsApp web protocol version triple.
type Version [3]uint32

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// FallbackVersion is used whenever the remote lookup fails. Session creation
// never blocks on the lookup beyond its timeout.
var FallbackVersion = Version{2, 3000, 1023223821}

// VersionResolver supplies protocol version metadata for new sockets.
type VersionResolver interface {
	Resolve(ctx context.Context) Version
}

// StaticVersionResolver always returns a fixed version. The zero value
// resolves to FallbackVersion.
type StaticVersionResolver struct {
	Version Version
}

func (r StaticVersionResolver) Resolve(ctx context.Context) Version {
	if r.Version == (Version{}) {
		return FallbackVersion
	}
	return r.Version
}

// HTTPVersionResolver fetches the current version from a JSON endpoint of the
// form {"version": [2, 3000, ...]}.
type HTTPVersionResolver struct {
	url     string
	timeout time.Duration
	client  *http.Client
	log     zerolog.Logger
}

func NewHTTPVersionResolver(url string, timeout time.Duration, log zerolog.Logger) *HTTPVersionResolver {
	return &HTTPVersionResolver{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "version-resolver").Logger(),
	}
}

func (r *HTTPVersionResolver) Resolve(ctx context.Context) Version {
	if r.url == "" {
		return FallbackVersion
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		r.log.Warn().Err(err).Msg("version lookup failed, using fallback")
		return FallbackVersion
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Warn().Err(err).Msg("version lookup failed, using fallback")
		return FallbackVersion
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.log.Warn().Int("status", resp.StatusCode).Msg("version lookup failed, using fallback")
		return FallbackVersion
	}

	var body struct {
		Version []uint32 `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || len(body.Version) != 3 {
		r.log.Warn().Err(err).Msg("version response malformed, using fallback")
		return FallbackVersion
	}

	v := Version{body.Version[0], body.Version[1], body.Version[2]}
	r.log.Debug().Str("version", v.String()).Msg("resolved protocol version")
	return v
}
