package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	apperrors "github.com/3leaps/coursepipe/internal/errors"
	"github.com/3leaps/coursepipe/internal/server/handlers"
	"github.com/3leaps/coursepipe/pkg/jobregistry"
	"github.com/3leaps/coursepipe/pkg/manifest"
)

// apiClient talks to a running coursepipe server.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{},
	}
}

// serverURL resolves --server, falling back to the configured listen address.
func serverURL(cmd *cobra.Command) (string, error) {
	if s, _ := cmd.Flags().GetString("server"); strings.TrimSpace(s) != "" {
		return s, nil
	}
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return "", err
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)), nil
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// send issues a request, with in as its JSON body when non-nil, and turns
// error envelopes into errors. The caller closes the body of a successful
// response.
func (c *apiClient) send(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Server unreachable", err)
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope apperrors.HTTPErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Error.Code == "" {
		return nil, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	code := ExitFailure
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusBadRequest:
		code = foundry.ExitInvalidArgument
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		code = foundry.ExitExternalServiceUnavailable
	}
	return nil, exitError(code, envelope.Error.Code, fmt.Errorf("%s", envelope.Error.Message))
}

func (c *apiClient) list(ctx context.Context, jobType string) ([]jobregistry.Snapshot, error) {
	path := "/api/jobs"
	if jobType != "" {
		path += "?type=" + url.QueryEscape(jobType)
	}
	var out handlers.JobList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *apiClient) get(ctx context.Context, id string) (jobregistry.Snapshot, error) {
	var snap jobregistry.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &snap)
	return snap, err
}

func (c *apiClient) cancel(ctx context.Context, id string) (jobregistry.Snapshot, error) {
	var snap jobregistry.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/cancel", nil, &snap)
	return snap, err
}

func (c *apiClient) submit(ctx context.Context, m *manifest.Manifest) (jobregistry.Snapshot, error) {
	var snap jobregistry.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/jobs", m, &snap)
	return snap, err
}

func (c *apiClient) remove(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(id), nil, nil)
}

// events opens the job's event stream. The stream has no overall deadline.
func (c *apiClient) events(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// resolveJobID accepts a full id or a unique prefix.
func resolveJobID(ctx context.Context, c *apiClient, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	jobs, err := c.list(ctx, "")
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if j.ID == input {
			return input, nil
		}
		if strings.HasPrefix(j.ID, input) {
			matches = append(matches, j.ID)
		}
	}
	if len(matches) == 0 {
		return "", exitError(foundry.ExitInvalidArgument, "job not found", fmt.Errorf("%s", input))
	}
	if len(matches) > 1 {
		return "", exitError(foundry.ExitInvalidArgument, "job id prefix is ambiguous",
			fmt.Errorf("%d matches; use the full job id", len(matches)))
	}
	return matches[0], nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 20 {
		return jobID
	}
	return jobID[:20]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
