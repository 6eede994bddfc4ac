// Package picker is a client for the photo picker service the user selects
// reference photos in.
package picker

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/gibbonas/MemAgent/pkg/credentials"
)

const (
	DefaultBaseURL      = "https://photospicker.googleapis.com/v1"
	DefaultMaxItems     = 8
	DefaultPollInterval = 3

	unauthorizedMessage = "Photo picker access was denied (401). Sign out and sign in again to grant " +
		"photo selection permission. If you manage this app, ensure the Google Photos " +
		"Picker API is enabled in Google Cloud Console."
	noTokenMessage = "No access token available."
)

var ErrUnauthorized = errors.New("picker: unauthorized")

// UnauthorizedError carries the user-facing explanation for a denied picker
// call.
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string { return e.Message }

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

// StatusError is a non-2xx response other than 401 on create.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("picker %s: status %d: %s", e.Op, e.Status, e.Body)
}

type PollingConfig struct {
	PollInterval string `json:"pollInterval,omitempty"`
	TimeoutIn    string `json:"timeoutIn,omitempty"`
}

type Session struct {
	ID            string        `json:"id"`
	PickerURI     string        `json:"pickerUri"`
	PollingConfig PollingConfig `json:"pollingConfig"`
	ExpireTime    string        `json:"expireTime,omitempty"`
	MediaItemsSet bool          `json:"mediaItemsSet"`
}

type MediaFile struct {
	BaseURL  string `json:"baseUrl"`
	MimeType string `json:"mimeType,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type MediaItem struct {
	ID         string    `json:"id"`
	CreateTime string    `json:"createTime,omitempty"`
	Type       string    `json:"type,omitempty"`
	MediaFile  MediaFile `json:"mediaFile"`
}

type MediaPage struct {
	MediaItems    []MediaItem `json:"mediaItems"`
	NextPageToken string      `json:"nextPageToken,omitempty"`
}

// Service is the subset of the picker the orchestrator drives.
type Service interface {
	CreateSession(ctx context.Context, maxItems int) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	AllPickedMedia(ctx context.Context, id string, limit int) ([]MediaItem, error)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Tokens  credentials.TokenProvider
}

var _ Service = &Client{}

func NewClient(baseURL string, tokens credentials.TokenProvider, timeout time.Duration) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
		Tokens:  tokens,
	}
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c == nil || c.Tokens == nil {
		return "", &UnauthorizedError{Message: noTokenMessage}
	}
	tok, err := c.Tokens.AccessToken(ctx)
	if err != nil || tok == "" {
		if err != nil && !stderrors.Is(err, credentials.ErrNoToken) {
			log.Warn().Err(err).Msg("picker token refresh failed")
		}
		return "", &UnauthorizedError{Message: noTokenMessage}
	}
	return tok, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any, out any) (int, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return 0, err
	}
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, errors.Wrapf(err, "picker %s: encode", op)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return 0, errors.Wrapf(err, "picker %s: request", op)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "picker %s", op)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, errors.Wrapf(err, "picker %s: decode", op)
		}
	}
	return resp.StatusCode, nil
}

// CreateSession opens a picker session allowing up to maxItems selections.
func (c *Client) CreateSession(ctx context.Context, maxItems int) (*Session, error) {
	body := map[string]any{}
	if maxItems > 0 {
		body["pickingConfig"] = map[string]string{"maxItemCount": strconv.Itoa(maxItems)}
	}
	var s Session
	status, err := c.do(ctx, "create session", http.MethodPost, "/sessions", nil, body, &s)
	if status == http.StatusUnauthorized {
		log.Warn().Str("hint", "re-auth or enable picker api").Msg("picker_unauthorized")
		return nil, &UnauthorizedError{Message: unauthorizedMessage}
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("picker_session_id", s.ID).Msg("picker session created")
	return &s, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if _, err := c.do(ctx, "get session", http.MethodGet, "/sessions/"+url.PathEscape(id), nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListMedia lists one page of picked items. pageSize is capped at 100.
func (c *Client) ListMedia(ctx context.Context, id string, pageSize int, pageToken string) (*MediaPage, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	q := url.Values{}
	q.Set("sessionId", id)
	q.Set("pageSize", strconv.Itoa(min(pageSize, 100)))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	var page MediaPage
	if _, err := c.do(ctx, "list media", http.MethodGet, "/mediaItems", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// AllPickedMedia follows pagination until limit items or the last page.
func (c *Client) AllPickedMedia(ctx context.Context, id string, limit int) ([]MediaItem, error) {
	if limit <= 0 {
		limit = 20
	}
	var items []MediaItem
	pageToken := ""
	for len(items) < limit {
		page, err := c.ListMedia(ctx, id, min(50, limit-len(items)), pageToken)
		if err != nil {
			return nil, err
		}
		items = append(items, page.MediaItems...)
		pageToken = page.NextPageToken
		if pageToken == "" || len(page.MediaItems) == 0 {
			break
		}
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// DeleteSession frees a session; a missing session is not an error.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	status, err := c.do(ctx, "delete session", http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil, nil)
	if status == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	log.Info().Str("picker_session_id", id).Msg("picker session deleted")
	return nil
}

// PickerURI makes the picker window close itself after selection.
func PickerURI(raw string) string {
	if raw == "" {
		return ""
	}
	trimmed := strings.TrimRight(raw, "/")
	if strings.HasSuffix(trimmed, "/autoclose") {
		return trimmed
	}
	return trimmed + "/autoclose"
}

var pollIntervalRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)s$`)

// ParsePollInterval reads a duration like "3.5s" as whole seconds, never
// less than one.
func ParsePollInterval(raw string) int {
	m := pollIntervalRe.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return DefaultPollInterval
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return DefaultPollInterval
	}
	return max(int(f), 1)
}

// MediaIDs and BaseURLs split picked items into the parallel slices the
// session state stores. Items without a base URL are skipped.
func MediaIDs(items []MediaItem) (ids []string, urls []string) {
	for _, it := range items {
		if it.MediaFile.BaseURL == "" {
			continue
		}
		ids = append(ids, it.ID)
		urls = append(urls, it.MediaFile.BaseURL)
	}
	return ids, urls
}
