package slackcmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type slackAPI struct {
	http     *http.Client
	baseURL  string
	botToken string
	appToken string
}

func newSlackAPI(httpClient *http.Client, baseURL, botToken, appToken string) *slackAPI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL = strings.TrimSpace(strings.TrimRight(baseURL, "/"))
	if baseURL == "" {
		baseURL = "https://slack.com/api"
	}
	return &slackAPI{
		http:     httpClient,
		baseURL:  baseURL,
		botToken: strings.TrimSpace(botToken),
		appToken: strings.TrimSpace(appToken),
	}
}

type slackAuthTestResult struct {
	TeamID string
	UserID string
	BotID  string
	Team   string
	User   string
}

type slackAuthTestResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	TeamID string `json:"team_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
	BotID  string `json:"bot_id,omitempty"`
	Team   string `json:"team,omitempty"`
	User   string `json:"user,omitempty"`
}

func (api *slackAPI) authTest(ctx context.Context) (slackAuthTestResult, error) {
	if api == nil {
		return slackAuthTestResult{}, fmt.Errorf("slack api is not initialized")
	}
	body, status, _, err := api.postAuthJSON(ctx, api.botToken, "/auth.test", nil)
	if err != nil {
		return slackAuthTestResult{}, err
	}
	if status < 200 || status >= 300 {
		return slackAuthTestResult{}, fmt.Errorf("slack auth.test http %d", status)
	}
	var out slackAuthTestResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return slackAuthTestResult{}, err
	}
	if !out.OK {
		return slackAuthTestResult{}, fmt.Errorf("slack auth.test failed: %s", slackErrorCode(out.Error))
	}
	return slackAuthTestResult{
		TeamID: strings.TrimSpace(out.TeamID),
		UserID: strings.TrimSpace(out.UserID),
		BotID:  strings.TrimSpace(out.BotID),
		Team:   strings.TrimSpace(out.Team),
		User:   strings.TrimSpace(out.User),
	}, nil
}

type slackOpenConnectionResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	URL   string `json:"url,omitempty"`
}

func (api *slackAPI) openSocketURL(ctx context.Context) (string, error) {
	if api == nil {
		return "", fmt.Errorf("slack api is not initialized")
	}
	body, status, _, err := api.postAuthJSON(ctx, api.appToken, "/apps.connections.open", nil)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("slack apps.connections.open http %d", status)
	}
	var out slackOpenConnectionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if !out.OK {
		return "", fmt.Errorf("slack apps.connections.open failed: %s", slackErrorCode(out.Error))
	}
	socketURL := strings.TrimSpace(out.URL)
	if socketURL == "" {
		return "", fmt.Errorf("slack apps.connections.open returned empty url")
	}
	return socketURL, nil
}

func (api *slackAPI) connectSocket(ctx context.Context) (*websocket.Conn, error) {
	socketURL, err := api.openSocketURL(ctx)
	if err != nil {
		return nil, err
	}
	dialer := *websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, socketURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type slackPostMessageRequest struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

type slackPostMessageResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	TS    string `json:"ts,omitempty"`
}

// postMessage sends text into a channel, threading under threadTS when set.
// Returns the ts of the posted message.
func (api *slackAPI) postMessage(ctx context.Context, channelID, text, threadTS string) (string, error) {
	channelID = strings.TrimSpace(channelID)
	text = strings.TrimSpace(text)
	threadTS = strings.TrimSpace(threadTS)
	if channelID == "" {
		return "", fmt.Errorf("channel_id is required")
	}
	if text == "" {
		return "", fmt.Errorf("text is required")
	}
	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		body, status, headers, err := api.postAuthJSON(ctx, api.botToken, "/chat.postMessage", slackPostMessageRequest{
			Channel:  channelID,
			Text:     text,
			ThreadTS: threadTS,
		})
		if err != nil {
			lastErr = err
		} else {
			var out slackPostMessageResponse
			if parseErr := json.Unmarshal(body, &out); parseErr != nil {
				lastErr = parseErr
			} else if status < 200 || status >= 300 {
				lastErr = fmt.Errorf("slack chat.postMessage http %d", status)
			} else if out.OK {
				return strings.TrimSpace(out.TS), nil
			} else {
				lastErr = fmt.Errorf("slack chat.postMessage failed: %s", slackErrorCode(out.Error))
			}
		}

		if attempt >= maxAttempts {
			break
		}
		wait, retryable := slackRetryDelay(status, headers, attempt)
		if !retryable {
			break
		}
		if err := sleepWithContext(ctx, wait); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

type slackRepliesResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	HasMore  bool   `json:"has_more,omitempty"`
	Messages []struct {
		Type  string `json:"type,omitempty"`
		User  string `json:"user,omitempty"`
		BotID string `json:"bot_id,omitempty"`
		Text  string `json:"text,omitempty"`
		TS    string `json:"ts,omitempty"`
	} `json:"messages,omitempty"`
}

type slackThreadReply struct {
	UserID string
	BotID  string
	Text   string
	TS     string
}

// conversationsReplies fetches up to limit messages of a thread, oldest
// first. Used to backfill context when the bot is added mid-thread.
func (api *slackAPI) conversationsReplies(ctx context.Context, channelID, threadTS string, limit int) ([]slackThreadReply, error) {
	channelID = strings.TrimSpace(channelID)
	threadTS = strings.TrimSpace(threadTS)
	if channelID == "" || threadTS == "" {
		return nil, fmt.Errorf("channel_id and thread_ts are required")
	}
	if limit <= 0 {
		limit = 50
	}
	q := url.Values{}
	q.Set("channel", channelID)
	q.Set("ts", threadTS)
	q.Set("limit", strconv.Itoa(limit))
	body, status, _, err := api.getAuth(ctx, api.botToken, "/conversations.replies?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("slack conversations.replies http %d", status)
	}
	var out slackRepliesResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, fmt.Errorf("slack conversations.replies failed: %s", slackErrorCode(out.Error))
	}
	replies := make([]slackThreadReply, 0, len(out.Messages))
	for _, m := range out.Messages {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		replies = append(replies, slackThreadReply{
			UserID: strings.TrimSpace(m.User),
			BotID:  strings.TrimSpace(m.BotID),
			Text:   m.Text,
			TS:     strings.TrimSpace(m.TS),
		})
	}
	return replies, nil
}

type slackUploadURLResponse struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	UploadURL string `json:"upload_url,omitempty"`
	FileID    string `json:"file_id,omitempty"`
}

type slackCompleteUploadRequest struct {
	Files     []slackCompleteUploadFile `json:"files"`
	ChannelID string                    `json:"channel_id,omitempty"`
	ThreadTS  string                    `json:"thread_ts,omitempty"`
}

type slackCompleteUploadFile struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

type slackCompleteUploadResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Files []struct {
		ID        string `json:"id,omitempty"`
		Permalink string `json:"permalink,omitempty"`
	} `json:"files,omitempty"`
}

// uploadImage pushes image bytes into the channel via the external upload
// flow (files.getUploadURLExternal, raw POST, files.completeUploadExternal).
// Returns the file permalink.
func (api *slackAPI) uploadImage(ctx context.Context, channelID, threadTS, filename, title string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("image data is empty")
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		filename = "image.png"
	}

	q := url.Values{}
	q.Set("filename", filename)
	q.Set("length", strconv.Itoa(len(data)))
	body, status, _, err := api.getAuth(ctx, api.botToken, "/files.getUploadURLExternal?"+q.Encode())
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("slack files.getUploadURLExternal http %d", status)
	}
	var ticket slackUploadURLResponse
	if err := json.Unmarshal(body, &ticket); err != nil {
		return "", err
	}
	if !ticket.OK {
		return "", fmt.Errorf("slack files.getUploadURLExternal failed: %s", slackErrorCode(ticket.Error))
	}
	if strings.TrimSpace(ticket.UploadURL) == "" || strings.TrimSpace(ticket.FileID) == "" {
		return "", fmt.Errorf("slack files.getUploadURLExternal returned empty ticket")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ticket.UploadURL, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := api.http.Do(req)
	if err != nil {
		return "", err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("slack upload post http %d", resp.StatusCode)
	}

	completeBody, status, _, err := api.postAuthJSON(ctx, api.botToken, "/files.completeUploadExternal", slackCompleteUploadRequest{
		Files:     []slackCompleteUploadFile{{ID: ticket.FileID, Title: strings.TrimSpace(title)}},
		ChannelID: strings.TrimSpace(channelID),
		ThreadTS:  strings.TrimSpace(threadTS),
	})
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("slack files.completeUploadExternal http %d", status)
	}
	var complete slackCompleteUploadResponse
	if err := json.Unmarshal(completeBody, &complete); err != nil {
		return "", err
	}
	if !complete.OK {
		return "", fmt.Errorf("slack files.completeUploadExternal failed: %s", slackErrorCode(complete.Error))
	}
	if len(complete.Files) == 0 {
		return "", nil
	}
	return strings.TrimSpace(complete.Files[0].Permalink), nil
}

func slackRetryDelay(status int, headers http.Header, attempt int) (time.Duration, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		retryAfter := strings.TrimSpace(headers.Get("Retry-After"))
		if retryAfter == "" {
			return 1 * time.Second, true
		}
		secs, err := strconv.Atoi(retryAfter)
		if err != nil || secs <= 0 {
			return 1 * time.Second, true
		}
		return time.Duration(secs) * time.Second, true
	case status >= 500 && status <= 599:
		switch attempt {
		case 1:
			return 300 * time.Millisecond, true
		case 2:
			return 1 * time.Second, true
		default:
			return 2 * time.Second, true
		}
	default:
		return 0, false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func slackErrorCode(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return "unknown_error"
	}
	return code
}

func (api *slackAPI) postAuthJSON(ctx context.Context, token, path string, payload any) ([]byte, int, http.Header, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, nil, err
		}
		body = bytes.NewReader(raw)
	}
	return api.doAuth(ctx, http.MethodPost, token, path, "application/json", body)
}

func (api *slackAPI) getAuth(ctx context.Context, token, path string) ([]byte, int, http.Header, error) {
	return api.doAuth(ctx, http.MethodGet, token, path, "", nil)
}

func (api *slackAPI) doAuth(ctx context.Context, method, token, path, contentType string, body io.Reader) ([]byte, int, http.Header, error) {
	if api == nil || api.http == nil {
		return nil, 0, nil, fmt.Errorf("slack api is not initialized")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, 0, nil, fmt.Errorf("slack token is required")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, 0, nil, fmt.Errorf("slack api path is required")
	}

	req, err := http.NewRequestWithContext(ctx, method, api.baseURL+path, body)
	if err != nil {
		return nil, 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := api.http.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, resp.StatusCode, resp.Header, readErr
	}
	return raw, resp.StatusCode, resp.Header, nil
}
