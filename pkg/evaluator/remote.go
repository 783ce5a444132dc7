package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Aximande/phospho/pkg/lab"
	"github.com/Aximande/phospho/pkg/logging"
	"github.com/Aximande/phospho/pkg/models"
	"github.com/Aximande/phospho/pkg/retry"
	"github.com/Aximande/phospho/pkg/tracing"
)

// Request is the body sent to a remote evaluation service
type Request struct {
	JobID    string                 `json:"job_id"`
	Kind     lab.JobKind            `json:"kind"`
	Metadata map[string]interface{} `json:"metadata"`
	Message  lab.Message            `json:"message"`
}

// Response is what the evaluation service answers
type Response struct {
	Value      interface{}            `json:"value"`
	ResultType models.ResultType      `json:"result_type,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Remote delegates evaluation to an HTTP service. One Remote serves every
// job kind: the kind is part of the path (POST {baseURL}/v1/evaluate/{kind}).
type Remote struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      retry.Config
	logger     *logging.Logger
}

// NewRemote creates a remote evaluator with the default retry policy
func NewRemote(baseURL, apiKey string, timeout time.Duration, logger *logging.Logger) *Remote {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	r := &Remote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry.DefaultConfig(),
		logger:     logger,
	}
	r.retry.OnRetry = func(attempt int, err error, backoff time.Duration) {
		r.logger.Warn("evaluator call failed, retrying", logging.Fields{
			"attempt": attempt,
			"backoff": backoff.String(),
			"error":   err,
		})
	}
	return r
}

// SetRetryConfig overrides the retry policy
func (r *Remote) SetRetryConfig(cfg retry.Config) {
	if cfg.OnRetry == nil {
		cfg.OnRetry = r.retry.OnRetry
	}
	r.retry = cfg
}

// Evaluate implements lab.Evaluator
func (r *Remote) Evaluate(ctx context.Context, msg lab.Message, job *lab.Job) (lab.Outcome, error) {
	data, err := json.Marshal(Request{
		JobID:    job.ID,
		Kind:     job.Kind,
		Metadata: job.Metadata(),
		Message:  msg,
	})
	if err != nil {
		return lab.Outcome{}, fmt.Errorf("failed to marshal evaluation request: %w", err)
	}

	var resp Response
	err = retry.Do(ctx, r.retry, func(ctx context.Context) error {
		return r.post(ctx, fmt.Sprintf("%s/v1/evaluate/%s", r.baseURL, job.Kind), data, &resp)
	})
	if err != nil {
		return lab.Outcome{}, err
	}
	return lab.Outcome{Value: resp.Value, ResultType: resp.ResultType, Metadata: resp.Metadata}, nil
}

func (r *Remote) post(ctx context.Context, url string, data []byte, out *Response) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call evaluator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("evaluator returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
		return err
	}

	*out = Response{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("failed to decode evaluator response: %w", err))
	}
	return nil
}
