package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
	"townpass.dev/locationtracker/internal/bridge"
	"townpass.dev/locationtracker/internal/history"
	"townpass.dev/locationtracker/internal/store/impl/memstore"
	"townpass.dev/locationtracker/internal/util"
)

type fakeController struct {
	mu      sync.Mutex
	running bool
	err     error
}

func (f *fakeController) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.running = true
	return nil
}

func (f *fakeController) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

func (f *fakeController) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func newTestApi(t *testing.T, ctl bridge.Controller, config *ApiConfig) (*httptest.Server, *bridge.Bridge, *history.Cache) {
	t.Helper()
	b := bridge.New(ctl)
	cache := history.NewCache(memstore.NewPrefs())
	api := NewApi(b, cache, config)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, b, cache
}

func post(t *testing.T, srv *httptest.Server, path string, header http.Header) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	body := map[string]interface{}{}
	if strings.HasPrefix(res.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	}
	return res.StatusCode, body
}

func TestFuncCalls(t *testing.T) {
	ctl := &fakeController{}
	srv, _, _ := newTestApi(t, ctl, &ApiConfig{})

	code, body := post(t, srv, "/func/isRunning", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["result"])

	code, body = post(t, srv, "/func/start", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "result")
	assert.Nil(t, body["result"])
	assert.True(t, ctl.IsRunning())

	_, body = post(t, srv, "/func/isRunning", nil)
	assert.Equal(t, true, body["result"])

	code, _ = post(t, srv, "/func/stop", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, ctl.IsRunning())
}

func TestFuncNotImplemented(t *testing.T) {
	srv, _, _ := newTestApi(t, &fakeController{}, &ApiConfig{})
	code, body := post(t, srv, "/func/pause", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not implemented", body["error"])
}

func TestFuncError(t *testing.T) {
	srv, _, _ := newTestApi(t, &fakeController{err: errors.New("boom")}, &ApiConfig{})
	code, body := post(t, srv, "/func/start", nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "boom", body["error"])
}

func TestHistory(t *testing.T) {
	srv, _, cache := newTestApi(t, &fakeController{}, &ApiConfig{})

	res, err := http.Get(srv.URL + "/history")
	require.NoError(t, err)
	var samples []history.LocationSample
	require.NoError(t, json.NewDecoder(res.Body).Decode(&samples))
	res.Body.Close()
	assert.NotNil(t, samples)
	assert.Empty(t, samples)

	at := history.FormatTime(time.Now())
	require.NoError(t, cache.RecordSample(25.0478, 121.517, at))
	res, err = http.Get(srv.URL + "/history")
	require.NoError(t, err)
	defer res.Body.Close()
	require.NoError(t, json.NewDecoder(res.Body).Decode(&samples))
	assert.Equal(t, []history.LocationSample{{Latitude: 25.0478, Longitude: 121.517, CapturedAt: at}}, samples)
}

func TestTokenRequired(t *testing.T) {
	hash, err := util.CryptPwd("s3cret")
	require.NoError(t, err)
	srv, _, _ := newTestApi(t, &fakeController{}, &ApiConfig{TokenHash: hash})

	code, _ := post(t, srv, "/func/isRunning", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = post(t, srv, "/func/isRunning", http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := post(t, srv, "/func/isRunning", http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["result"])

	code, _ = post(t, srv, "/func/isRunning?token=s3cret", nil)
	assert.Equal(t, http.StatusOK, code)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStream(t *testing.T) {
	srv, b, _ := newTestApi(t, &fakeController{}, &ApiConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/stream", nil)
	require.NoError(t, err)
	waitFor(t, b.Listening)

	sample := history.LocationSample{Latitude: 25.0478, Longitude: 121.517, CapturedAt: "2024-03-14T09:26:53.589Z"}
	b.Emit(sample)

	typ, data, err := c.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.JSONEq(t, `{"latitude":25.0478,"longitude":121.517,"capturedAt":"2024-03-14T09:26:53.589Z"}`, string(data))

	b.Emit(sample)
	got := history.LocationSample{}
	require.NoError(t, wsjson.Read(ctx, c, &got))
	assert.Equal(t, sample, got)

	require.NoError(t, c.Close(websocket.StatusNormalClosure, ""))
	waitFor(t, func() bool { return !b.Listening() })
}

func TestStreamReplaced(t *testing.T) {
	srv, b, _ := newTestApi(t, &fakeController{}, &ApiConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"

	first, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer first.Close(websocket.StatusNormalClosure, "")
	waitFor(t, b.Listening)

	got := make(chan struct{})
	b.Listen(bridge.SinkFunc(func(history.LocationSample) error {
		close(got)
		return nil
	}))
	_, _, err = first.Read(ctx)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	// the first stream going away must not cancel the newer subscriber
	time.Sleep(100 * time.Millisecond)
	assert.True(t, b.Listening())
	b.Emit(history.LocationSample{})
	<-got
}
