package rest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/italolelis/filequeue/internal/broadcast"
	"github.com/italolelis/filequeue/internal/queue"
	"github.com/italolelis/filequeue/internal/storage"
	"github.com/italolelis/filequeue/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockQueue struct {
	mu       sync.Mutex
	state    queue.State
	hub      *broadcast.Hub[queue.State]
	base     string
	started  int
	resets   int
	startErr error
}

func newMockQueue(s queue.State) *mockQueue {
	m := &mockQueue{state: s, hub: broadcast.NewHub[queue.State]()}
	m.hub.Publish(s)

	return m
}

func (m *mockQueue) Status() queue.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

func (m *mockQueue) set(s queue.State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()

	m.hub.Publish(s)
}

func (m *mockQueue) Subscribe() (<-chan queue.State, func()) {
	return m.hub.Subscribe()
}

func (m *mockQueue) Start(context.Context) error {
	m.mu.Lock()
	m.started++
	err := m.startErr
	m.mu.Unlock()

	if err == nil {
		m.set(queue.FetchingMetadata{})
	}

	return err
}

func (m *mockQueue) Reset(context.Context) error {
	m.mu.Lock()
	m.resets++
	m.mu.Unlock()

	m.set(queue.Idle{})

	return nil
}

func (m *mockQueue) SetBaseURL(_ context.Context, raw string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw = strings.TrimRight(raw, "/")
	changed := raw != m.base
	m.base = raw

	return changed
}

type mockRecords struct {
	recs      []storage.DownloadRecord
	err       error
	lastLimit int
}

func (m *mockRecords) RecordDownload(context.Context, storage.DownloadRecord) error { return nil }

func (m *mockRecords) ListDownloads(_ context.Context, limit int) ([]storage.DownloadRecord, error) {
	m.lastLimit = limit

	return m.recs, m.err
}

type mockErrorLog []string

func (m mockErrorLog) Entries() []string { return m }

func serve(h http.Handler, method, target, body string, auth ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if len(auth) == 2 {
		req.SetBasicAuth(auth[0], auth[1])
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestHandleStatus(t *testing.T) {
	q := newMockQueue(queue.Failed{Message: "Bad Gateway", Kind: transfer.KindServerError})
	h := NewQueueHandler(q, &mockRecords{}, nil, "", "").Routes()

	rec := serve(h, http.MethodGet, "/status", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"failed","message":"Bad Gateway","kind":"server_error"}`, rec.Body.String())
}

func TestHandleStartAndReset(t *testing.T) {
	q := newMockQueue(queue.Idle{})
	h := NewQueueHandler(q, &mockRecords{}, nil, "", "").Routes()

	rec := serve(h, http.MethodPost, "/start", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"fetching_metadata"}`, rec.Body.String())

	rec = serve(h, http.MethodPost, "/reset", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"idle"}`, rec.Body.String())

	assert.Equal(t, 1, q.started)
	assert.Equal(t, 1, q.resets)
}

func TestHandleStart_Error(t *testing.T) {
	q := newMockQueue(queue.Idle{})
	q.startErr = errors.New("db locked")

	rec := serve(NewQueueHandler(q, &mockRecords{}, nil, "", "").Routes(), http.MethodPost, "/start", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleSetBaseURL(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{"valid", `{"base_url":"http://10.0.2.2:8080/"}`, http.StatusOK, `{"base_url":"http://10.0.2.2:8080","changed":true}`},
		{"unchanged", `{"base_url":"http://10.0.2.2:8080"}`, http.StatusOK, `{"base_url":"http://10.0.2.2:8080","changed":false}`},
		{"blank", `{"base_url":"  "}`, http.StatusBadRequest, ""},
		{"wrong scheme", `{"base_url":"ftp://files"}`, http.StatusBadRequest, ""},
		{"no host", `{"base_url":"http://"}`, http.StatusBadRequest, ""},
		{"bad json", `{`, http.StatusBadRequest, ""},
	}

	h := NewQueueHandler(newMockQueue(queue.Idle{}), &mockRecords{}, nil, "", "").Routes()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, http.MethodPut, "/config/base-url", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestBasicAuthProtectsControlRoutes(t *testing.T) {
	q := newMockQueue(queue.Idle{})
	h := NewQueueHandler(q, &mockRecords{}, nil, "admin", "secret").Routes()

	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodPost, "/start", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodPost, "/start", "", "admin", "wrong").Code)
	assert.Equal(t, http.StatusAccepted, serve(h, http.MethodPost, "/start", "", "admin", "secret").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/status", "").Code, "read routes stay open")
}

func TestHandleDownloads(t *testing.T) {
	records := &mockRecords{recs: []storage.DownloadRecord{{ID: 2, FileName: "b.bin", Size: 10}}}
	h := NewQueueHandler(newMockQueue(queue.Idle{}), records, nil, "", "").Routes()

	rec := serve(h, http.MethodGet, "/downloads?limit=1000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxDownloadsLimit, records.lastLimit)

	var got []storage.DownloadRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "b.bin", got[0].FileName)

	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/downloads?limit=abc", "").Code)

	records.recs = nil
	rec = serve(h, http.MethodGet, "/downloads", "")
	assert.Equal(t, defaultDownloadsLimit, records.lastLimit)
	assert.JSONEq(t, `[]`, rec.Body.String())

	records.err = errors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, serve(h, http.MethodGet, "/downloads", "").Code)
}

func TestHandleLogs(t *testing.T) {
	h := NewQueueHandler(newMockQueue(queue.Idle{}), &mockRecords{}, mockErrorLog{"first", "second"}, "", "").Routes()

	rec := serve(h, http.MethodGet, "/logs", "")
	assert.JSONEq(t, `{"entries":["first","second"]}`, rec.Body.String())

	empty := NewQueueHandler(newMockQueue(queue.Idle{}), &mockRecords{}, nil, "", "").Routes()
	assert.JSONEq(t, `{"entries":[]}`, serve(empty, http.MethodGet, "/logs", "").Body.String())
}

func TestHandleStatusStream(t *testing.T) {
	q := newMockQueue(queue.Idle{})

	server := httptest.NewServer(NewQueueHandler(q, &mockRecords{}, nil, "", "").Routes())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/status/stream", nil)
	require.NoError(t, err)

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	readEvent := func() (string, string) {
		var event, data string

		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)

			line = strings.TrimRight(line, "\n")

			switch {
			case line == "":
				return event, data
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}

	event, data := readEvent()
	assert.Equal(t, "idle", event)
	assert.JSONEq(t, `{"status":"idle"}`, data)

	q.set(queue.Progress{Percent: 35})

	event, data = readEvent()
	assert.Equal(t, "progress", event)
	assert.JSONEq(t, `{"status":"progress","percent":35}`, data)
}
