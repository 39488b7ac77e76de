package workspace

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// HTTPResolver fetches token artifacts from the support-desk download
// endpoint: GET {base}/{token}. The server side treats tokens as
// single-use download grants, so no extra auth is attached.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: artifactFetchTimeout},
	}
}

func (r *HTTPResolver) Fetch(ctx context.Context, token string) (io.ReadCloser, error) {
	if r.baseURL == "" {
		return nil, fmt.Errorf("no artifact download endpoint configured")
	}
	u := r.baseURL + "/" + url.PathEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("artifact download returned %d", resp.StatusCode)
	}
	return resp.Body, nil
}

var _ Resolver = (*HTTPResolver)(nil)
