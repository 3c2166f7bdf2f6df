package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/persona-chat/backend/internal/handler"
	"github.com/zhouzirui/persona-chat/backend/internal/middleware"
	"github.com/zhouzirui/persona-chat/backend/internal/model/chat"
	"github.com/zhouzirui/persona-chat/backend/internal/model/persona"
	chatService "github.com/zhouzirui/persona-chat/backend/internal/service/chat"
	"github.com/zhouzirui/persona-chat/backend/internal/service/completion"
	"github.com/zhouzirui/persona-chat/backend/internal/service/quota"
	"github.com/zhouzirui/persona-chat/backend/internal/service/stream"
	"github.com/zhouzirui/persona-chat/backend/internal/store"
)

type echoProvider struct{}

func (echoProvider) Stream(_ context.Context, req completion.Request) (io.ReadCloser, error) {
	var buf bytes.Buffer
	enc := stream.NewEncoder(&buf)
	_ = enc.WriteDelta("you said ")
	_ = enc.WriteDelta(req.Messages[len(req.Messages)-1].Content)
	_ = enc.WriteDone()
	return io.NopCloser(&buf), nil
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	personas := persona.NewMemoryStore(persona.Seed())
	backing := store.NewMemoryStore()
	manager := chatService.NewManager(chatService.Deps{
		Personas: personas,
		Provider: echoProvider{},
		Quota:    quota.NewGate(backing, quota.WithLimits(quota.Limits{Guest: 1, Free: 30})),
		Persist:  backing,
	})
	t.Cleanup(manager.Close)

	srv := httptest.NewServer(handler.NewRouter(personas, manager, nil, middleware.NewAuthenticator("")))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientSendAndHistory(t *testing.T) {
	srv := newServer(t)
	client := newAPIClient(srv.URL, "", "guest-cli", srv.Client())
	ctx := context.Background()

	var deltas []string
	final, err := client.Send(ctx, "gandalf", "hello", func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)
	assert.Equal(t, []string{"you said ", "hello"}, deltas)
	assert.Equal(t, "completed", final.Status)
	require.NotNil(t, final.Message)
	assert.Equal(t, "you said hello", final.Message.Content)

	session, err := client.History(ctx, "gandalf")
	require.NoError(t, err)
	require.Len(t, session.Messages, 2)
	assert.Equal(t, chat.RoleUser, session.Messages[0].Role)

	allowance, err := client.Quota(ctx, "gandalf")
	require.NoError(t, err)
	assert.Equal(t, 0, allowance.Remaining)

	_, err = client.Send(ctx, "gandalf", "again", nil)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 429, apiErr.Status)

	require.NoError(t, client.Delete(ctx, "gandalf"))
	session, err = client.History(ctx, "gandalf")
	require.NoError(t, err)
	assert.Empty(t, session.Messages)
}

func TestClientUnknownPersona(t *testing.T) {
	srv := newServer(t)
	client := newAPIClient(srv.URL, "", "guest-cli", srv.Client())

	_, err := client.History(context.Background(), "nobody")
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.Status)
}

func TestReadEvents(t *testing.T) {
	body := strings.Join([]string{
		`data: {"event":"delta","content":"a"}`,
		``,
		`: comment`,
		`data: not json`,
		`data: {"event":"delta","content":"b"}`,
		`data: {"event":"error","error":"boom"}`,
		`data: {"event":"end","status":"failed"}`,
		``,
	}, "\n")

	var got string
	final, err := readEvents(strings.NewReader(body), func(d string) { got += d })
	require.NoError(t, err)
	assert.Equal(t, "ab", got)
	assert.Equal(t, "boom", final.Error)
	assert.Equal(t, "failed", final.Status)

	_, err = readEvents(strings.NewReader(`data: {"event":"delta","content":"a"}`+"\n"), nil)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRootCommandSend(t *testing.T) {
	srv := newServer(t)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"send", "gandalf", "you", "shall", "pass", "--server", srv.URL, "--guest-id", "guest-cmd"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "you said you shall pass")
}
