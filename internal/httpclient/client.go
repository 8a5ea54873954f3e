// Package httpclient provides the hardened HTTP client used for calls to the
// extraction collaborator.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/graphloom/loom/errors"
)

// Client wraps http.Client with scheme allow-listing, bounded redirects, and
// optional private-IP blocking for URLs that come from user input.
type Client struct {
	*http.Client
	allowedSchemes []string
	blockPrivateIP bool
	maxRedirects   int
}

// Options customizes client hardening.
type Options struct {
	AllowedSchemes []string // Default: ["http", "https"]
	MaxRedirects   int      // Default: 10
	BlockPrivateIP bool     // Default: false (the extraction service is usually on-net)
}

// New creates a hardened HTTP client with the given request timeout.
func New(timeout time.Duration, opts Options) *Client {
	if opts.AllowedSchemes == nil {
		opts.AllowedSchemes = []string{"http", "https"}
	}
	if opts.MaxRedirects == 0 {
		opts.MaxRedirects = 10
	}

	c := &Client{
		Client: &http.Client{
			Timeout: timeout,
		},
		allowedSchemes: opts.AllowedSchemes,
		blockPrivateIP: opts.BlockPrivateIP,
		maxRedirects:   opts.MaxRedirects,
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		if err := c.ValidateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	c.Transport = &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if c.blockPrivateIP {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, ip := range ips {
					if isPrivateIP(ip) {
						return nil, errors.Newf("private IP address blocked: %s", ip)
					}
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return c
}

// ValidateURL checks a URL before a request is made with it.
func (c *Client) ValidateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range c.allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Newf("scheme %q not allowed (allowed: %v)", scheme, c.allowedSchemes)
	}

	// http://evil.com@localhost/ style credential/URL confusion
	if strings.Contains(u.String(), "@") {
		return errors.New("URL contains @ character")
	}

	return nil
}

// isPrivateIP reports whether ip is loopback, link-local, or RFC1918.
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate()
}
