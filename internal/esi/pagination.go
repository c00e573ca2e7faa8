package esi

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// FetchPaginated retrieves every page of an X-Pages endpoint sequentially
// and returns the concatenated array elements.
func (c *Client) FetchPaginated(ctx context.Context, endpoint string, opts *RequestOptions) ([][]byte, error) {
	res, err := c.FetchPaginatedWithMeta(ctx, endpoint, opts)
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// FetchPaginatedWithMeta is FetchPaginated with the metadata of the last
// page that reported any attached.
func (c *Client) FetchPaginatedWithMeta(ctx context.Context, endpoint string, opts *RequestOptions) (*PaginatedResult, error) {
	o := RequestOptions{}
	if opts != nil {
		o = *opts
	}

	out := &PaginatedResult{NotModified: true}
	page, totalPages := 1, 1
	for page <= totalPages {
		res, err := c.execute(ctx, pageEndpoint(endpoint, page), o)
		if err != nil {
			return nil, asError(err)
		}
		rows, err := decodePage(res.Data)
		if err != nil {
			return nil, &Error{Message: "decode page " + strconv.Itoa(page) + ": " + err.Error()}
		}
		out.Records = append(out.Records, rows...)
		// The newest page count wins; an index shrinking mid-stream stops
		// the walk early instead of chasing pages that no longer exist.
		if res.Pages > 0 {
			totalPages = res.Pages
		}
		if res.ExpiresAt != 0 {
			out.ExpiresAt = res.ExpiresAt
		}
		if res.ETag != "" {
			out.ETag = res.ETag
		}
		if !res.NotModified {
			out.NotModified = false
		}
		page++
	}

	if out.ExpiresAt == 0 {
		return nil, &Error{Message: "Paginated response missing expiry metadata"}
	}
	return out, nil
}

// FetchPaginatedWithProgress fetches page 1 to learn the page count, then
// fans the remaining pages out across a bounded worker group. Pages land in
// page order regardless of completion order; onProgress calls are
// serialized and monotonic in Current.
func (c *Client) FetchPaginatedWithProgress(ctx context.Context, endpoint string, opts *RequestOptions, onProgress ProgressFunc) (*PaginatedResult, error) {
	o := RequestOptions{}
	if opts != nil {
		o = *opts
	}

	first, err := c.execute(ctx, pageEndpoint(endpoint, 1), o)
	if err != nil {
		return nil, asError(err)
	}
	total := first.Pages
	if total < 1 {
		total = 1
	}

	pages := make([][][]byte, total+1)
	metas := make([]*Result, total+1)
	rows, err := decodePage(first.Data)
	if err != nil {
		return nil, &Error{Message: "decode page 1: " + err.Error()}
	}
	pages[1], metas[1] = rows, first

	// completed is advanced and reported under one lock so the callback
	// sees a strictly increasing Current regardless of completion order.
	var progressMu sync.Mutex
	completed := 0
	pageDone := func() {
		progressMu.Lock()
		completed++
		if onProgress != nil {
			onProgress(Progress{Current: completed, Total: total})
		}
		progressMu.Unlock()
	}
	pageDone()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrentPages)
	for p := 2; p <= total; p++ {
		g.Go(func() error {
			res, err := c.execute(gctx, pageEndpoint(endpoint, p), o)
			if err != nil {
				return err
			}
			rows, err := decodePage(res.Data)
			if err != nil {
				return &Error{Message: "decode page " + strconv.Itoa(p) + ": " + err.Error()}
			}
			pages[p], metas[p] = rows, res
			pageDone()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, asError(err)
	}

	out := &PaginatedResult{NotModified: true}
	for p := 1; p <= total; p++ {
		out.Records = append(out.Records, pages[p]...)
		if m := metas[p]; m != nil {
			if m.ExpiresAt != 0 {
				out.ExpiresAt = m.ExpiresAt
			}
			if m.ETag != "" {
				out.ETag = m.ETag
			}
			if !m.NotModified {
				out.NotModified = false
			}
		}
	}
	if out.ExpiresAt == 0 {
		return nil, &Error{Message: "Paginated response missing expiry metadata"}
	}
	return out, nil
}

// pageEndpoint appends the page query parameter.
func pageEndpoint(endpoint string, page int) string {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "page=" + strconv.Itoa(page)
}

// decodePage splits a JSON array body into its raw elements.
func decodePage(data []byte) ([][]byte, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	out := make([][]byte, len(rows))
	for i, r := range rows {
		out[i] = []byte(r)
	}
	return out, nil
}
