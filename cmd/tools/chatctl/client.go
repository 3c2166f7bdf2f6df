package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	chathandler "github.com/zhouzirui/persona-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/persona-chat/backend/internal/middleware"
	"github.com/zhouzirui/persona-chat/backend/internal/model/chat"
	"github.com/zhouzirui/persona-chat/backend/internal/model/persona"
	"github.com/zhouzirui/persona-chat/backend/internal/service/quota"
)

// apiClient 调用后端 REST 与 SSE 接口
type apiClient struct {
	baseURL string
	token   string
	guestID string
	http    *http.Client
}

func newAPIClient(baseURL, token, guestID string, httpClient *http.Client) *apiClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		guestID: guestID,
		http:    httpClient,
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.guestID != "" {
		req.Header.Set(middleware.GuestHeader, c.guestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&payload)
		return nil, &apiError{Status: resp.StatusCode, Message: payload.Error}
	}
	return resp, nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) Personas(ctx context.Context) ([]persona.Persona, error) {
	var out []persona.Persona
	err := c.getJSON(ctx, "/api/personas", &out)
	return out, err
}

func (c *apiClient) History(ctx context.Context, personaID string) (chat.Session, error) {
	var out chat.Session
	err := c.getJSON(ctx, "/api/chats/"+url.PathEscape(personaID), &out)
	return out, err
}

func (c *apiClient) Quota(ctx context.Context, personaID string) (quota.Allowance, error) {
	var out quota.Allowance
	err := c.getJSON(ctx, "/api/quota/"+url.PathEscape(personaID), &out)
	return out, err
}

func (c *apiClient) Delete(ctx context.Context, personaID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/chats/"+url.PathEscape(personaID), nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Send 发送一条消息，onDelta 收到每个增量片段，返回最终事件
func (c *apiClient) Send(ctx context.Context, personaID, content string, onDelta func(string)) (chathandler.StreamEvent, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(personaID)+"/messages", map[string]string{"content": content})
	if err != nil {
		return chathandler.StreamEvent{}, err
	}
	defer resp.Body.Close()
	return readEvents(resp.Body, onDelta)
}

// readEvents 解析 data: 行直到 end 事件，返回最后一个 message 或 error 事件及最终状态
func readEvents(r io.Reader, onDelta func(string)) (chathandler.StreamEvent, error) {
	var final chathandler.StreamEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}

		var event chathandler.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &event); err != nil {
			continue
		}

		switch event.Event {
		case "delta":
			if onDelta != nil {
				onDelta(event.Content)
			}
		case "message", "error":
			final = event
		case "end":
			final.Status = event.Status
			return final, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return final, err
	}
	return final, io.ErrUnexpectedEOF
}
