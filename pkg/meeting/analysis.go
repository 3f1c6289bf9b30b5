package meeting

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// AnalysisTask is one prompt-based task to run over the transcript.
// The transcript is appended to the prompt as the user message.
type AnalysisTask struct {
	// Name identifies the task in its result, e.g. "summary".
	Name string

	// Prompt is the system instruction for the task.
	Prompt string

	// Enabled selects whether the task runs. Nil means enabled, so a
	// task config that never mentions the flag runs by default.
	Enabled *bool
}

func (t AnalysisTask) enabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// AnalysisResult is the outcome of one task. Exactly one of Output and
// Err is meaningful.
type AnalysisResult struct {
	Task       string
	Output     string
	TokensUsed int
	Duration   time.Duration
	Err        error
}

// AnalyzerStats tracks inference activity.
type AnalyzerStats struct {
	RunsStarted     int64
	TasksRun        int64
	TasksFailed     int64
	TokensUsed      int64
	LastRunDuration time.Duration
}

// AnalyzerOptions configures an Analyzer.
type AnalyzerOptions struct {
	// Endpoint is the inference HTTP endpoint.
	Endpoint string

	// APIKey is sent as a bearer token.
	APIKey string

	// Model is the model identifier in each request.
	Model string

	// Temperature for sampling. Default: 0.3.
	Temperature float64

	// MaxTokens caps each completion. Default: 2048.
	MaxTokens int

	// MaxConcurrency bounds parallel inference calls. Default: 4.
	MaxConcurrency int

	// HTTPClient performs the requests. Default: 60s timeout client.
	HTTPClient *http.Client

	Logger Logger
}

// Analyzer runs prompt-based analysis tasks over a meeting transcript
// against a chat-completions style inference endpoint. Tasks run
// concurrently; a failing task records its error in its own result and
// never aborts its siblings. Canceling the context aborts all in-flight
// requests.
//
// The response decoder accepts both common completion shapes: a choices
// array with message content, or a content block array with text parts.
type Analyzer struct {
	opts AnalyzerOptions

	statsMu sync.RWMutex
	stats   AnalyzerStats
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(opts AnalyzerOptions) *Analyzer {
	if opts.Temperature == 0 {
		opts.Temperature = 0.3
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = NewDefaultLogger()
	}
	return &Analyzer{opts: opts}
}

// Run executes all enabled tasks over the transcript and returns one
// result per enabled task, in task order.
func (a *Analyzer) Run(ctx context.Context, transcript string, tasks []AnalysisTask) ([]AnalysisResult, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, ErrEmptyTranscript
	}

	enabled := make([]AnalysisTask, 0, len(tasks))
	for _, t := range tasks {
		if t.enabled() {
			enabled = append(enabled, t)
		}
	}
	if len(enabled) == 0 {
		return nil, ErrNoTasks
	}

	a.statsMu.Lock()
	a.stats.RunsStarted++
	a.statsMu.Unlock()
	runStart := time.Now()

	results := make([]AnalysisResult, len(enabled))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.MaxConcurrency)

	for i, task := range enabled {
		i, task := i, task
		g.Go(func() error {
			start := time.Now()
			output, tokens, err := a.complete(gctx, task.Prompt, transcript)
			results[i] = AnalysisResult{
				Task:       task.Name,
				Output:     output,
				TokensUsed: tokens,
				Duration:   time.Since(start),
				Err:        err,
			}

			a.statsMu.Lock()
			a.stats.TasksRun++
			a.stats.TokensUsed += int64(tokens)
			if err != nil {
				a.stats.TasksFailed++
			}
			a.statsMu.Unlock()

			if err != nil {
				a.opts.Logger.Warn("analysis task failed", "task", task.Name, "error", err)
			}
			// Task errors stay in the result so sibling tasks keep running.
			return nil
		})
	}

	_ = g.Wait()
	a.statsMu.Lock()
	a.stats.LastRunDuration = time.Since(runStart)
	a.statsMu.Unlock()

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// GetStats returns a copy of the analyzer counters.
func (a *Analyzer) GetStats() AnalyzerStats {
	a.statsMu.RLock()
	defer a.statsMu.RUnlock()
	return a.stats
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type inferenceResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		TotalTokens  int `json:"total_tokens"`
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Analyzer) complete(ctx context.Context, prompt, transcript string) (string, int, error) {
	body, err := json.Marshal(chatRequest{
		Model: a.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: transcript},
		},
		Temperature: a.opts.Temperature,
		MaxTokens:   a.opts.MaxTokens,
	})
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.opts.APIKey)
	}

	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, err
	}

	var decoded inferenceResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", 0, &Error{Code: "INFERENCE_DECODE_FAILED", Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if decoded.Error != nil {
			msg = decoded.Error.Message
		}
		return "", 0, &Error{Code: "INFERENCE_FAILED", Message: msg}
	}

	if len(decoded.Choices) > 0 {
		return decoded.Choices[0].Message.Content, decoded.Usage.TotalTokens, nil
	}
	if len(decoded.Content) > 0 {
		var b strings.Builder
		for _, block := range decoded.Content {
			if block.Type == "" || block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return b.String(), decoded.Usage.InputTokens + decoded.Usage.OutputTokens, nil
	}
	return "", 0, &Error{Code: "INFERENCE_EMPTY", Message: "response carried no completion content"}
}
