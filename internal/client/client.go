// Package client talks to the readycheck API from a member's device. It
// satisfies the backends of the session and presence packages, so the
// same device code runs against a remote service or an in-process
// coordinator.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"readycheck/api/internal/presence"
	"readycheck/api/internal/realtime"
	"readycheck/api/internal/summon"
)

// ErrNetworkUnavailable wraps every failure to reach the service at all.
// Callers treat it as transient.
var ErrNetworkUnavailable = errors.New("network unavailable")

// ErrUnauthorized is returned when the service rejects the bearer token.
var ErrUnauthorized = errors.New("unauthorized")

const (
	defaultRequestTimeout = 10 * time.Second
	maxResponseBytes      = 1 << 20
)

// APIError is a non-2xx answer from the service. It unwraps to the
// matching protocol error, so callers can use errors.Is on summon
// sentinels regardless of transport.
type APIError struct {
	Status   int
	Code     string
	Message  string
	SummonID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "ALREADY_ACTIVE":
		return &summon.AlreadyActiveError{SummonID: e.SummonID}
	case "UNAUTHORIZED":
		return ErrUnauthorized
	case "INVALID_TTL":
		return presence.ErrInvalidTTL
	case "CONFLICT":
		return realtime.ErrConflict
	}
	return codeErrors[e.Code]
}

var codeErrors = map[string]error{
	"ALREADY_RESPONDED": summon.ErrAlreadyResponded,
	"NOT_A_MEMBER":      summon.ErrNotAMember,
	"GROUP_NOT_FOUND":   summon.ErrGroupNotFound,
	"SUMMON_NOT_FOUND":  summon.ErrSummonNotFound,
	"GROUP_EXISTS":      summon.ErrGroupExists,
	"INVALID_GROUP":     summon.ErrInvalidGroup,
	"NO_RESPONDENTS":    summon.ErrNoRespondents,
	"NOT_EXPECTED":      summon.ErrNotExpected,
	"INVALID_RESPONSE":  summon.ErrInvalidResponse,
	"NOT_INITIATOR":     summon.ErrNotInitiator,
	"SUMMON_TERMINAL":   summon.ErrSummonTerminal,
	"NOT_EXPIRED":       summon.ErrNotExpired,
}

type Client struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client. Event streams are long
// lived, so it should not set a global Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithToken authenticates every request with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithRequestTimeout bounds each non-streaming request.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{},
		requestTimeout: defaultRequestTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login obtains a bearer token for memberID.
func (c *Client) Login(ctx context.Context, memberID, name string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]string{"memberId": memberID, "name": name}
	if err := c.do(ctx, http.MethodPost, "/api/session/login", body, &out); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	return out.Token, nil
}

type GroupRequest struct {
	ID        string   `json:"id,omitempty"`
	Name      string   `json:"name,omitempty"`
	MemberIDs []string `json:"memberIds"`
}

func (c *Client) CreateGroup(ctx context.Context, req GroupRequest) (summon.Group, error) {
	var group summon.Group
	if err := c.do(ctx, http.MethodPost, "/api/groups", req, &group); err != nil {
		return summon.Group{}, fmt.Errorf("create group: %w", err)
	}
	return group, nil
}

func (c *Client) GetGroup(ctx context.Context, groupID string) (summon.Group, error) {
	var group summon.Group
	if err := c.do(ctx, http.MethodGet, groupPath(groupID), nil, &group); err != nil {
		return summon.Group{}, err
	}
	return group, nil
}

func (c *Client) StartSummon(ctx context.Context, groupID string) (summon.Summon, error) {
	var out summon.Summon
	if err := c.do(ctx, http.MethodPost, groupPath(groupID)+"/summons", nil, &out); err != nil {
		return summon.Summon{}, fmt.Errorf("start summon: %w", err)
	}
	return out, nil
}

func (c *Client) GetSummon(ctx context.Context, groupID, summonID string) (summon.Summon, error) {
	var out summon.Summon
	if err := c.do(ctx, http.MethodGet, summonPath(groupID, summonID), nil, &out); err != nil {
		return summon.Summon{}, err
	}
	return out, nil
}

// RecordResponse answers for the member the token identifies. The member id
// argument exists to satisfy session.Backend and is not sent.
func (c *Client) RecordResponse(ctx context.Context, groupID, summonID, _ string, status summon.ResponseStatus) (summon.Summon, error) {
	var out summon.Summon
	body := map[string]string{"status": string(status)}
	if err := c.do(ctx, http.MethodPost, summonPath(groupID, summonID)+"/responses", body, &out); err != nil {
		return summon.Summon{}, err
	}
	return out, nil
}

func (c *Client) Cancel(ctx context.Context, groupID, summonID, _ string) (summon.Summon, error) {
	var out summon.Summon
	if err := c.do(ctx, http.MethodPost, summonPath(groupID, summonID)+"/cancel", nil, &out); err != nil {
		return summon.Summon{}, err
	}
	return out, nil
}

func (c *Client) Expire(ctx context.Context, groupID, summonID string) (summon.Summon, error) {
	var out summon.Summon
	if err := c.do(ctx, http.MethodPost, summonPath(groupID, summonID)+"/expire", nil, &out); err != nil {
		return summon.Summon{}, err
	}
	return out, nil
}

func (c *Client) Heartbeat(ctx context.Context, groupID, summonID, _ string, ttl time.Duration) error {
	body := map[string]float64{"ttlSeconds": ttl.Seconds()}
	return c.do(ctx, http.MethodPut, summonPath(groupID, summonID)+"/presence", body, nil)
}

func (c *Client) Leave(ctx context.Context, groupID, summonID, _ string) error {
	return c.do(ctx, http.MethodDelete, summonPath(groupID, summonID)+"/presence", nil, nil)
}

func (c *Client) Presence(ctx context.Context, groupID, summonID string) (map[string]bool, error) {
	var out struct {
		Present map[string]bool `json:"present"`
	}
	if err := c.do(ctx, http.MethodGet, summonPath(groupID, summonID)+"/presence", nil, &out); err != nil {
		return nil, err
	}
	return out.Present, nil
}

// Observe opens the summon's event stream. The first value is the current
// revision. The channel closes when the stream ends, which the service
// does right after the terminal revision, or when ctx ends.
func (c *Client) Observe(ctx context.Context, groupID, summonID string) (<-chan summon.Summon, error) {
	req, err := c.newRequest(ctx, http.MethodGet, summonPath(groupID, summonID)+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	out := make(chan summon.Summon, 1)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		var last int64 = -1
		err := readEvents(resp.Body, func(data []byte) bool {
			var s summon.Summon
			if err := json.Unmarshal(data, &s); err != nil {
				c.logger.Warn("dropping undecodable summon event", "summon_id", summonID, "error", err)
				return true
			}
			if s.Version <= last {
				return true
			}
			last = s.Version
			select {
			case out <- s:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && ctx.Err() == nil {
			c.logger.Info("summon event stream interrupted", "summon_id", summonID, "error", err)
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, target any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(target); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func decodeError(resp *http.Response) error {
	var payload struct {
		Code    string         `json:"code"`
		Error   string         `json:"error"`
		Details map[string]any `json:"details"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(raw, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(raw))
		return apiErr
	}
	apiErr.Code = payload.Code
	apiErr.Message = payload.Error
	if id, ok := payload.Details["summonId"].(string); ok {
		apiErr.SummonID = id
	}
	return apiErr
}

func groupPath(groupID string) string {
	return "/api/groups/" + url.PathEscape(groupID)
}

func summonPath(groupID, summonID string) string {
	return groupPath(groupID) + "/summons/" + url.PathEscape(summonID)
}

func historyPath(groupID string, limit int) string {
	path := groupPath(groupID) + "/summons"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	return path
}

// HistoryItem is one archived round.
type HistoryItem struct {
	SummonID        string            `json:"summonId"`
	InitiatorID     string            `json:"initiatorId"`
	Status          string            `json:"status"`
	Reason          string            `json:"reason"`
	Responses       map[string]string `json:"responses"`
	RespondentCount int               `json:"respondentCount"`
	AcceptedCount   int               `json:"acceptedCount"`
	CreatedAt       time.Time         `json:"createdAt"`
	ResolvedAt      time.Time         `json:"resolvedAt"`
}

func (c *Client) History(ctx context.Context, groupID string, limit int) ([]HistoryItem, error) {
	var out struct {
		Items []HistoryItem `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, historyPath(groupID, limit), nil, &out); err != nil {
		return nil, fmt.Errorf("summon history: %w", err)
	}
	return out.Items, nil
}

// Whoami returns the member id the client's token identifies.
func (c *Client) Whoami(ctx context.Context) (string, error) {
	var out struct {
		Authenticated bool   `json:"authenticated"`
		MemberID      string `json:"memberId"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/session", nil, &out); err != nil {
		return "", err
	}
	if !out.Authenticated {
		return "", ErrUnauthorized
	}
	return out.MemberID, nil
}
