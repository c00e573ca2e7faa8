package esi

import (
	"context"
	"net/http"

	"github.com/evehangar/hangar/internal/esicache"
)

// Fetch retrieves one endpoint and returns the raw JSON body. Fresh cached
// responses are served without touching the network.
func (c *Client) Fetch(ctx context.Context, endpoint string, opts *RequestOptions) ([]byte, error) {
	res, err := c.FetchWithMeta(ctx, endpoint, opts)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// FetchWithMeta is Fetch with the caching metadata attached. When the
// caller supplies its own ETag the cache fast path is skipped so the
// conditional request actually reaches the server.
func (c *Client) FetchWithMeta(ctx context.Context, endpoint string, opts *RequestOptions) (*Result, error) {
	o := RequestOptions{}
	if opts != nil {
		o = *opts
	}

	if o.method() == http.MethodGet && o.ETag == "" {
		key := esicache.MakeKey(o.CharacterID, endpoint, o.Language)
		if e, ok := c.cache.Get(key); ok {
			return &Result{
				Data:        e.Data,
				ExpiresAt:   e.ExpiresAt,
				ETag:        e.ETag,
				NotModified: true,
			}, nil
		}
	}

	res, err := c.execute(ctx, endpoint, o)
	if err != nil {
		return nil, asError(err)
	}
	return res, nil
}
