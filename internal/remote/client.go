// Package remote is the HTTP JSON client for the hosted persistence
// collaborator. It implements the same contract as the local storage.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/heartline/internal/proto"
	"github.com/petervdpas/heartline/internal/util"
)

var log = logging.Logger("remote")

var ErrNotFound = errors.New("remote: not found")

// StatusError is a non-2xx response the client could not map to a sentinel.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: util.NormalizeURL(baseURL),
		Token:   strings.TrimSpace(token),
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) CreateConstructiveResult(ctx context.Context, first, second string) (proto.ConstructiveResult, error) {
	var res proto.ConstructiveResult
	err := c.do(ctx, http.MethodPost, "/constructive-results", proto.CreateResultRequest{FirstUser: first, SecondUser: second}, &res)
	return res, err
}

func (c *Client) UpdateAnswer(ctx context.Context, id, userID, questionID string, option int) (proto.ConstructiveResult, error) {
	var res proto.ConstructiveResult
	path := "/constructive-results/" + url.PathEscape(id) + "/answers"
	err := c.do(ctx, http.MethodPatch, path, proto.AnswerRequest{UserID: userID, QuestionID: questionID, Option: option}, &res)
	return res, err
}

func (c *Client) GetConstructiveResult(ctx context.Context, id string) (proto.ConstructiveResult, error) {
	var res proto.ConstructiveResult
	err := c.do(ctx, http.MethodGet, "/constructive-results/"+url.PathEscape(id), nil, &res)
	return res, err
}

func (c *Client) CreateDatingCall(ctx context.Context, first, second string, duration int, gameSessionID string) (proto.DatingCall, error) {
	var rec proto.DatingCall
	err := c.do(ctx, http.MethodPost, "/dating-calls", proto.CreateCallRequest{
		FirstParticipant:  first,
		SecondParticipant: second,
		Duration:          duration,
		GameSessionID:     gameSessionID,
	}, &rec)
	return rec, err
}

func (c *Client) GetDatingCall(ctx context.Context, id string) (proto.DatingCall, error) {
	var rec proto.DatingCall
	err := c.do(ctx, http.MethodGet, "/dating-calls/"+url.PathEscape(id), nil, &rec)
	return rec, err
}

// do sends body as JSON and decodes a 2xx response into out. 404 maps to
// ErrNotFound; other failures return a *StatusError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Warnf("REMOTE: %s %s: %s", method, path, resp.Status)
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}
