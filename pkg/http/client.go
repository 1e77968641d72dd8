// Package http wraps the standard HTTP client with the transport tuning,
// size probing and error classification the download core relies on.
package http

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/downpour-dl/downpour/internal/logging"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultIdleTimeout    = 90 * time.Second
	keepAlivePeriod       = 30 * time.Second
	maxIdleConns          = 100
	tlsHandshakeTimeout   = 10 * time.Second
	expectContinueTimeout = 1 * time.Second
	maxConnsPerHost       = 16

	DefaultUserAgent = "downpour/1.0"
)

type Client struct {
	*http.Client

	userAgent string
}

// NewClient creates a new HTTP client with custom transport settings.
func NewClient() *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   defaultConnectTimeout,
			KeepAlive: keepAlivePeriod,
		}).DialContext,
		MaxIdleConns:          maxIdleConns,
		IdleConnTimeout:       defaultIdleTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		DisableCompression:    true,
		MaxConnsPerHost:       maxConnsPerHost,
	}

	return &Client{
		Client:    &http.Client{Transport: transport},
		userAgent: DefaultUserAgent,
	}
}

// ProbeSize learns the total size of the resource at urlStr via a HEAD
// request, falling back to a plain GET when the server refuses HEAD.
// It returns -1 when the size cannot be determined.
func (c *Client) ProbeSize(ctx context.Context, urlStr string, headers map[string]string) (int64, error) {
	log := logging.Get("http")

	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	size, err := c.probeHead(ctx, urlStr, headers)
	if err == nil {
		return size, nil
	}

	if !IsFallbackError(err) {
		return -1, err
	}

	log.Debug().Str("url", urlStr).Msg("HEAD probe refused, falling back to GET")

	return c.probeGet(ctx, urlStr, headers)
}

func (c *Client) probeHead(ctx context.Context, urlStr string, headers map[string]string) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodHead, urlStr, headers, nil)
	if err != nil {
		return -1, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return -1, ClassifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return -1, ClassifyHTTPError(resp.StatusCode)
	}

	return resp.ContentLength, nil
}

func (c *Client) probeGet(ctx context.Context, urlStr string, headers map[string]string) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, urlStr, headers, nil)
	if err != nil {
		return -1, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return -1, ClassifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return -1, ClassifyHTTPError(resp.StatusCode)
	}

	return resp.ContentLength, nil
}

// Open starts the real transfer and hands the caller the live response.
// The response body stays bound to ctx, so cancelling ctx aborts the
// stream mid-read. The caller owns closing the body.
func (c *Client) Open(ctx context.Context, method, urlStr string, headers map[string]string, body []byte) (*http.Response, error) {
	if method == "" {
		method = http.MethodGet
	}

	req, err := c.newRequest(ctx, method, urlStr, headers, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, ClassifyError(err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, fmt.Errorf("%w (status %d)", ClassifyHTTPError(resp.StatusCode), resp.StatusCode)
	}

	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, urlStr string, headers map[string]string, body []byte) (*http.Request, error) {
	var reader *bytes.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, urlStr, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, urlStr, http.NoBody)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestCreation, err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req, nil
}
