package client

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithIdentity sets the organization, user and tier sent with every request.
func WithIdentity(orgID, userID, tier string) Option {
	return func(c *Client) {
		c.orgID = orgID
		c.userID = userID
		c.tier = tier
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithPollInterval sets the starting interval of Wait. It doubles up to
// maxInterval while the job is still running.
func WithPollInterval(interval, maxInterval time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = interval
		c.maxPollInterval = maxInterval
	}
}
