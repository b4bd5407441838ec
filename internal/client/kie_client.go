package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/makeasinger/kiemusic/internal/config"
)

// ErrTransport marks failures to reach the provider or to read its answer.
// They are retryable, unlike a terminal task status.
var ErrTransport = errors.New("kie transport error")

// APIError is a non-2xx HTTP response from the provider
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("KIE API error (status %d): %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error { return ErrTransport }

// CodeOK is the envelope code the provider uses for accepted requests
const CodeOK = 200

// JobClient defines the provider operations used to submit and track generations
type JobClient interface {
	GenerateMusic(ctx context.Context, req *GenerateMusicRequest) (*GenerateMusicResponse, error)
	ExtendMusic(ctx context.Context, req *ExtendMusicRequest) (*GenerateMusicResponse, error)
	GetMusicDetails(ctx context.Context, taskID string) (*MusicDetailsResponse, error)
}

// KieClient implements JobClient for the KIE music API
type KieClient struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	callbackURL string
	limiter     *rate.Limiter
}

// GenerateMusicRequest is the body of POST /generate
type GenerateMusicRequest struct {
	Prompt       string `json:"prompt"`
	Style        string `json:"style"`
	Title        string `json:"title"`
	CustomMode   bool   `json:"customMode"`
	Instrumental bool   `json:"instrumental"`
	Model        string `json:"model"`
	CallBackURL  string `json:"callBackUrl"`
	NegativeTags string `json:"negativeTags"`
}

// ExtendMusicRequest is the body of POST /generate/extend
type ExtendMusicRequest struct {
	DefaultParamFlag bool    `json:"defaultParamFlag"`
	AudioID          string  `json:"audioId"`
	Prompt           string  `json:"prompt"`
	Style            string  `json:"style"`
	Title            string  `json:"title"`
	ContinueAt       float64 `json:"continueAt"`
	Model            string  `json:"model"`
	CallBackURL      string  `json:"callBackUrl"`
}

// GenerateMusicResponse is the envelope returned when a task is created
type GenerateMusicResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TaskID string `json:"taskId"`
	} `json:"data"`
}

// RemoteStatus is the provider's label for a task
type RemoteStatus string

const (
	RemotePending            RemoteStatus = "PENDING"
	RemoteTextSuccess        RemoteStatus = "TEXT_SUCCESS"
	RemoteFirstSuccess       RemoteStatus = "FIRST_SUCCESS"
	RemoteSuccess            RemoteStatus = "SUCCESS"
	RemoteCreateTaskFailed   RemoteStatus = "CREATE_TASK_FAILED"
	RemoteGenerateFailed     RemoteStatus = "GENERATE_AUDIO_FAILED"
	RemoteCallbackException  RemoteStatus = "CALLBACK_EXCEPTION"
	RemoteSensitiveWordError RemoteStatus = "SENSITIVE_WORD_ERROR"
)

// IsFailure reports whether the task ended with an error
func (s RemoteStatus) IsFailure() bool {
	switch s {
	case RemoteCreateTaskFailed, RemoteGenerateFailed, RemoteCallbackException, RemoteSensitiveWordError:
		return true
	}
	return false
}

// IsSuccess reports whether the provider considers the task finished
func (s RemoteStatus) IsSuccess() bool {
	return s == RemoteSuccess
}

// RemoteTrack is one entry of response.sunoData
type RemoteTrack struct {
	ID             string  `json:"id"`
	AudioURL       string  `json:"audioUrl"`
	StreamAudioURL string  `json:"streamAudioUrl"`
	ImageURL       string  `json:"imageUrl"`
	Prompt         string  `json:"prompt"`
	ModelName      string  `json:"modelName"`
	Title          string  `json:"title"`
	Tags           string  `json:"tags"`
	CreateTime     any     `json:"createTime"`
	Duration       float64 `json:"duration"`
}

// MusicDetails is the data section of a record-info response
type MusicDetails struct {
	TaskID        string       `json:"taskId"`
	ParentMusicID string       `json:"parentMusicId"`
	Param         string       `json:"param"`
	Status        RemoteStatus `json:"status"`
	Type          string       `json:"type"`
	ErrorCode     any          `json:"errorCode"`
	ErrorMessage  *string      `json:"errorMessage"`
	Response      *struct {
		TaskID   string        `json:"taskId"`
		SunoData []RemoteTrack `json:"sunoData"`
	} `json:"response"`
}

// Tracks returns up to the first two tracks, nil where absent
func (d *MusicDetails) Tracks() (*RemoteTrack, *RemoteTrack) {
	if d.Response == nil {
		return nil, nil
	}
	var t1, t2 *RemoteTrack
	if len(d.Response.SunoData) > 0 {
		t1 = &d.Response.SunoData[0]
	}
	if len(d.Response.SunoData) > 1 {
		t2 = &d.Response.SunoData[1]
	}
	return t1, t2
}

// MusicDetailsResponse is the envelope of GET /generate/record-info
type MusicDetailsResponse struct {
	Code int          `json:"code"`
	Msg  string       `json:"msg"`
	Data MusicDetails `json:"data"`
	// Raw is the undecoded data section, kept as the completion snapshot
	Raw json.RawMessage `json:"-"`
}

// NewKieClient creates a new KIE API client. Every request waits on a shared
// token bucket so many concurrent loops cannot flood the provider.
func NewKieClient(cfg *config.KieConfig) *KieClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	return &KieClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		callbackURL: cfg.CallbackURL,
		limiter:     rate.NewLimiter(limit, burst),
	}
}

// GenerateMusic creates a generation task. Model and callback default to the
// configured values.
func (c *KieClient) GenerateMusic(ctx context.Context, req *GenerateMusicRequest) (*GenerateMusicResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.CallBackURL == "" {
		req.CallBackURL = c.callbackURL
	}

	var result GenerateMusicResponse
	if err := c.post(ctx, "/generate", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ExtendMusic creates a task continuing an existing track
func (c *KieClient) ExtendMusic(ctx context.Context, req *ExtendMusicRequest) (*GenerateMusicResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.CallBackURL == "" {
		req.CallBackURL = c.callbackURL
	}

	var result GenerateMusicResponse
	if err := c.post(ctx, "/generate/extend", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetMusicDetails fetches the current state of a task
func (c *KieClient) GetMusicDetails(ctx context.Context, taskID string) (*MusicDetailsResponse, error) {
	endpoint := "/generate/record-info?taskId=" + url.QueryEscape(taskID)

	var envelope struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := c.get(ctx, endpoint, &envelope); err != nil {
		return nil, err
	}

	result := &MusicDetailsResponse{Code: envelope.Code, Msg: envelope.Msg, Raw: envelope.Data}
	if len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		if err := json.Unmarshal(envelope.Data, &result.Data); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal task details: %w", ErrTransport, err)
		}
	}
	return result, nil
}

// post sends a POST request with JSON body
func (c *KieClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *KieClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response. Every failure
// wraps ErrTransport.
func (c *KieClient) doRequest(req *http.Request, result interface{}) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("%w: rate limiter: %w", ErrTransport, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("[KIE API] request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("method", req.Method).Str("url", req.URL.String()).Msg("[KIE API] request failed")
		return fmt.Errorf("%w: failed to send request: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Warn().Err(err).Str("method", req.Method).Str("url", req.URL.String()).Msg("[KIE API] failed to read response")
		return fmt.Errorf("%w: failed to read response: %w", ErrTransport, err)
	}

	log.Debug().Int("status", resp.StatusCode).Str("method", req.Method).Str("url", req.URL.String()).
		Int("bytes", len(respBody)).Msg("[KIE API] response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		log.Warn().Err(err).Str("method", req.Method).Str("url", req.URL.String()).Msg("[KIE API] unmarshal error")
		return fmt.Errorf("%w: failed to unmarshal response: %w", ErrTransport, err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *KieClient) IsConfigured() bool {
	return c.apiKey != ""
}
