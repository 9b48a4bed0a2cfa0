package jira

import (
	"context"
	"fmt"
	"net/http"

	jira "github.com/andygrunwald/go-jira"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Bulk submission endpoints.
const (
	devInfoPath     = "rest/devinfo/0.10/bulk"
	buildsPath      = "rest/builds/0.1/bulk"
	deploymentsPath = "rest/deployments/0.1/bulk"
	securityPath    = "rest/security/1.0/bulk"
)

const maxSubmitRetries = 3

// Client submits backfilled data to the Jira site's dev-status APIs.
type Client struct {
	client *jira.Client
	logger *zap.Logger
}

// NewClient creates a Jira client for baseURL.
func NewClient(baseURL, username, apiToken string, logger *zap.Logger) (*Client, error) {
	tp := jira.BasicAuthTransport{
		Username: username,
		Password: apiToken,
	}

	client, err := jira.NewClient(tp.Client(), baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create jira client: %w", err)
	}

	return &Client{
		client: client,
		logger: logger,
	}, nil
}

// SubmitDevInfo pushes commits, branches and pull requests via the devinfo
// bulk API. Returns the final HTTP status code.
func (c *Client) SubmitDevInfo(ctx context.Context, payload *DevInfoPayload) (int, error) {
	return c.submit(ctx, devInfoPath, payload)
}

// SubmitBuilds pushes workflow runs via the builds bulk API.
func (c *Client) SubmitBuilds(ctx context.Context, payload *BuildsPayload) (int, error) {
	return c.submit(ctx, buildsPath, payload)
}

// SubmitDeployments pushes deployments via the deployments bulk API.
func (c *Client) SubmitDeployments(ctx context.Context, payload *DeploymentsPayload) (int, error) {
	return c.submit(ctx, deploymentsPath, payload)
}

// SubmitVulnerabilities pushes security alerts via the security bulk API.
func (c *Client) SubmitVulnerabilities(ctx context.Context, payload *VulnerabilitiesPayload) (int, error) {
	return c.submit(ctx, securityPath, payload)
}

// submit POSTs payload to path, retrying server errors with exponential
// backoff. 4xx responses are not retried; they will not get better.
func (c *Client) submit(ctx context.Context, path string, payload any) (int, error) {
	var status int
	operation := func() error {
		req, err := c.client.NewRequestWithContext(ctx, http.MethodPost, path, payload)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		resp, err := c.client.Do(req, nil)
		if resp != nil {
			status = resp.StatusCode
		}
		if err != nil {
			if resp != nil && resp.StatusCode >= http.StatusInternalServerError {
				c.logger.Warn("jira submission failed, retrying",
					zap.String("path", path),
					zap.Int("status", resp.StatusCode),
				)
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxSubmitRetries), ctx))
	if err != nil {
		return status, fmt.Errorf("failed to submit to %s: %w", path, err)
	}

	c.logger.Debug("submitted payload to jira",
		zap.String("path", path),
		zap.Int("status", status),
	)
	return status, nil
}
