// Package dropbox fetches the content behind Dropbox shared links.
package dropbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultTokenURL = "https://api.dropboxapi.com/oauth2/token"
	DefaultFileURL  = "https://content.dropboxapi.com/2/sharing/get_shared_link_file"

	defaultTimeout = 120 * time.Second
	errorBodyLimit = 4 << 10
)

type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string

	TokenURL string
	FileURL  string

	// Timeout bounds connecting, waiting for response headers and every
	// individual body read. It does not cap the total transfer time.
	Timeout time.Duration

	Transport http.RoundTripper
}

// Response is a streamed shared-link body. Callers must close Body.
type Response struct {
	StatusCode    int
	ContentType   string
	ContentLength int64
	Body          io.ReadCloser
}

// StatusError is returned for any non-2xx answer from the content endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("dropbox: http %d", e.Code)
	}
	return fmt.Sprintf("dropbox: http %d: %s", e.Code, e.Body)
}

// HasStatus reports whether err is a *StatusError carrying code.
func HasStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

type Client struct {
	tokens  oauth2.TokenSource
	http    *http.Client
	fileURL string
	timeout time.Duration
}

func New(cfg Config) *Client {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.FileURL == "" {
		cfg.FileURL = DefaultFileURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Transport == nil {
		cfg.Transport = newTransport(cfg.Timeout)
	}

	httpClient := &http.Client{Transport: cfg.Transport}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{
		Transport: cfg.Transport,
		Timeout:   30 * time.Second,
	})

	return &Client{
		tokens:  oauthCfg.TokenSource(tokenCtx, &oauth2.Token{RefreshToken: cfg.RefreshToken}),
		http:    httpClient,
		fileURL: cfg.FileURL,
		timeout: cfg.Timeout,
	}
}

func newTransport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Fetch requests the file behind a shared link. On a 2xx answer the body is
// left open for streaming; anything else comes back as *StatusError.
func (c *Client) Fetch(ctx context.Context, link string) (*Response, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("dropbox token: %w", err)
	}

	arg, err := apiArg(map[string]string{"url": link})
	if err != nil {
		return nil, fmt.Errorf("encode api arg: %w", err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.fileURL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	token.SetAuthHeader(req)
	req.Header.Set("Dropbox-API-Arg", arg)

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dropbox request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return &Response{
		StatusCode:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		Body:          newIdleReader(resp.Body, c.timeout, cancel),
	}, nil
}
