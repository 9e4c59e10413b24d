// Package notary submits artifacts to Apple's notarization service,
// polls for the verdict and staples the returned ticket.
package notary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sanying/sign-pipeline/pkg/retry"
	"github.com/sanying/sign-pipeline/pkg/runner"
)

// Status of a notarization submission. Transitions only move forward;
// Accepted, Rejected and Invalid are terminal.
type Status string

const (
	StatusSubmitted  Status = "Submitted"
	StatusInProgress Status = "In Progress"
	StatusAccepted   Status = "Accepted"
	StatusRejected   Status = "Rejected"
	StatusInvalid    Status = "Invalid"
	StatusUnknown    Status = "Unknown"
)

// Terminal reports whether no further status change can occur.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusInvalid
}

// Submission is one artifact handed to the service.
type Submission struct {
	ID     string
	Status Status
}

// RejectedError is a terminal rejection. It carries the service's
// detailed log and must never be retried.
type RejectedError struct {
	ID     string
	Status Status
	Log    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("notarization %s was %s: %s", e.ID, strings.ToLower(string(e.Status)), e.Log)
}

// WaitTimeoutError reports a submission still pending at the polling
// ceiling.
type WaitTimeoutError struct {
	ID      string
	Ceiling time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("notarization %s still pending after %s", e.ID, e.Ceiling)
}

// Client talks to the service through notarytool and stapler.
type Client struct {
	Run      runner.Runner
	AppleID  string
	TeamID   string
	Password string
	Log      *slog.Logger

	PollInterval  time.Duration
	MaxWait       time.Duration
	UploadTimeout time.Duration

	netPolicy retry.Policy
}

func NewClient(run runner.Runner, appleID, teamID, password string, log *slog.Logger) *Client {
	return &Client{
		Run:           run,
		AppleID:       appleID,
		TeamID:        teamID,
		Password:      password,
		Log:           log,
		PollInterval:  30 * time.Second,
		MaxWait:       30 * time.Minute,
		UploadTimeout: 10 * time.Minute,
		netPolicy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   10 * time.Second,
			Multiplier:  2,
			Classify:    classifyNotary,
		},
	}
}

func classifyNotary(err error) retry.Class {
	var timeoutErr *runner.TimeoutError
	if errors.As(err, &timeoutErr) {
		return retry.Retryable
	}
	var toolErr *runner.ToolError
	if errors.As(err, &toolErr) {
		stderr := strings.ToLower(toolErr.Stderr)
		for _, marker := range []string{"network", "timed out", "connection", "could not connect", "temporarily"} {
			if strings.Contains(stderr, marker) {
				return retry.Retryable
			}
		}
	}
	return retry.Fatal
}

func (c *Client) credentials() []string {
	return []string{
		"--apple-id", c.AppleID,
		"--team-id", c.TeamID,
		"--password", c.Password,
	}
}

// Submit uploads the artifact and returns the submission id the service
// assigned. The upload itself is retried on network trouble.
func (c *Client) Submit(ctx context.Context, artifact string) (*Submission, error) {
	args := append([]string{"notarytool", "submit", artifact, "--no-wait"}, c.credentials()...)

	var out string
	err := retry.Do(ctx, c.netPolicy, func() error {
		res, err := c.Run.Run(ctx, c.UploadTimeout, "xcrun", args...)
		if err != nil {
			c.Log.Warn("notarization upload failed", "artifact", artifact, "error", err)
			return err
		}
		out = res.Stdout
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit %s for notarization: %w", artifact, err)
	}

	id := parseSubmissionID(out)
	if id == "" {
		return nil, fmt.Errorf("no submission id in notarytool output: %s", strings.TrimSpace(out))
	}
	c.Log.Info("artifact submitted for notarization", "artifact", artifact, "id", id)
	return &Submission{ID: id, Status: StatusSubmitted}, nil
}

// parseSubmissionID pulls the first "id: <uuid>" line out of notarytool's
// plain output.
func parseSubmissionID(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "id:"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

// notaryLog is the JSON document notarytool log returns once processing
// has finished.
type notaryLog struct {
	JobID         string `json:"jobId"`
	Status        string `json:"status"`
	StatusSummary string `json:"statusSummary"`
	StatusCode    int    `json:"statusCode"`
}

// Wait polls until the submission reaches a terminal state or the ceiling
// elapses. On breach one final check runs before the timeout is reported.
// Cancellation is observed before every sleep, so an abort takes effect
// within one polling interval.
func (c *Client) Wait(ctx context.Context, id string) error {
	deadline := time.Now().Add(c.MaxWait)
	finalCheck := false

	for {
		status, remoteLog, err := c.poll(ctx, id)
		if err != nil {
			return err
		}
		switch status {
		case StatusAccepted:
			c.Log.Info("notarization accepted", "id", id)
			return nil
		case StatusRejected, StatusInvalid:
			return &RejectedError{ID: id, Status: status, Log: remoteLog}
		}

		if time.Now().After(deadline) {
			if finalCheck {
				return &WaitTimeoutError{ID: id, Ceiling: c.MaxWait}
			}
			finalCheck = true
			continue
		}

		c.Log.Info("notarization in progress", "id", id)
		if err := retry.Sleep(ctx, c.PollInterval); err != nil {
			return err
		}
	}
}

// poll fetches the processing log for the submission. Until the service
// has finished, notarytool reports the log as not yet available; that is
// an in-progress answer, not an error.
func (c *Client) poll(ctx context.Context, id string) (Status, string, error) {
	args := append([]string{"notarytool", "log", id}, c.credentials()...)

	var raw string
	err := retry.Do(ctx, c.netPolicy, func() error {
		res, err := c.Run.Run(ctx, 2*time.Minute, "xcrun", args...)
		if err != nil {
			var toolErr *runner.ToolError
			if errors.As(err, &toolErr) && submissionPending(toolErr.Stderr) {
				raw = ""
				return nil
			}
			return err
		}
		raw = res.Stdout
		return nil
	})
	if err != nil {
		return StatusUnknown, "", fmt.Errorf("failed to poll notarization %s: %w", id, err)
	}
	if raw == "" {
		return StatusInProgress, "", nil
	}

	var doc notaryLog
	if jsonErr := json.Unmarshal([]byte(raw), &doc); jsonErr != nil {
		return StatusUnknown, "", fmt.Errorf("unparseable notarization log for %s: %w", id, jsonErr)
	}
	return mapStatus(doc.Status), raw, nil
}

func submissionPending(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "not yet available") ||
		strings.Contains(s, "does not exist") ||
		strings.Contains(s, "in progress")
}

func mapStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accepted", "success":
		return StatusAccepted
	case "invalid":
		return StatusInvalid
	case "rejected", "failed":
		return StatusRejected
	case "in progress", "":
		return StatusInProgress
	default:
		return StatusUnknown
	}
}

// Staple attaches the notarization ticket to the artifact and validates
// the result.
func (c *Client) Staple(ctx context.Context, artifact string) error {
	if _, err := c.Run.Run(ctx, 2*time.Minute, "xcrun", "stapler", "staple", artifact); err != nil {
		return fmt.Errorf("failed to staple %s: %w", artifact, err)
	}
	if err := c.Validate(ctx, artifact); err != nil {
		return err
	}
	c.Log.Info("notarization ticket stapled", "artifact", artifact)
	return nil
}

// Validate checks that a ticket is stapled to the artifact. The pipeline
// also uses this as the done-probe for notarization steps.
func (c *Client) Validate(ctx context.Context, artifact string) error {
	if _, err := c.Run.Run(ctx, 2*time.Minute, "xcrun", "stapler", "validate", artifact); err != nil {
		return fmt.Errorf("no valid notarization ticket on %s: %w", artifact, err)
	}
	return nil
}

// Notarize is the submit, wait, staple sequence for one artifact.
func (c *Client) Notarize(ctx context.Context, artifact string) error {
	sub, err := c.Submit(ctx, artifact)
	if err != nil {
		return err
	}
	if err := c.Wait(ctx, sub.ID); err != nil {
		return err
	}
	return c.Staple(ctx, artifact)
}
