package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetenv(t *testing.T) {
	os.Setenv("TEST_NODE_ENV", "value")
	defer os.Unsetenv("TEST_NODE_ENV")

	assert.Equal(t, "value", getenv("TEST_NODE_ENV", "default"))
	assert.Equal(t, "default", getenv("TEST_NODE_UNSET", "default"))
}

func TestGetenvDuration(t *testing.T) {
	os.Setenv("TEST_NODE_DURATION", "250ms")
	defer os.Unsetenv("TEST_NODE_DURATION")

	assert.Equal(t, 250*time.Millisecond, getenvDuration("TEST_NODE_DURATION", time.Second))
	assert.Equal(t, time.Second, getenvDuration("TEST_NODE_UNSET_DURATION", time.Second))
}

func TestBlackoutSchedule_AlwaysUpWhenZero(t *testing.T) {
	s := blackoutSchedule{start: time.Now()}
	inBlackout, _ := s.status()
	assert.False(t, inBlackout)
}

func TestBlackoutSchedule_CyclesUpThenDown(t *testing.T) {
	s := blackoutSchedule{up: 20 * time.Millisecond, down: 20 * time.Millisecond, start: time.Now()}

	inBlackout, _ := s.status()
	assert.False(t, inBlackout)

	time.Sleep(25 * time.Millisecond)
	inBlackout, _ = s.status()
	assert.True(t, inBlackout)

	time.Sleep(20 * time.Millisecond)
	inBlackout, _ = s.status()
	assert.False(t, inBlackout)
}

func testNode() *node {
	return newNode("test-node", blackoutSchedule{start: time.Now()}, 0, logrus.NewEntry(logrus.StandardLogger()))
}

func TestHandleStore_AndFetch(t *testing.T) {
	n := testNode()
	mux := http.NewServeMux()
	mux.HandleFunc("/store", n.handleStore)
	mux.HandleFunc("/chunk/", n.handleChunk)

	body, _ := json.Marshal(storeRequest{ChunkID: "c0", Data: base64.StdEncoding.EncodeToString([]byte("payload"))})
	req := httptest.NewRequest(http.MethodPost, "/store", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/chunk/c0", nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var resp chunkResponse
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &resp))
	data, err := base64.StdEncoding.DecodeString(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestHandleStore_RejectsDuringBlackout(t *testing.T) {
	n := newNode("dark-node", blackoutSchedule{up: 0, down: time.Hour, start: time.Now()}, 0, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/store", n.handleStore)

	body, _ := json.Marshal(storeRequest{ChunkID: "c0", Data: "xx"})
	req := httptest.NewRequest(http.MethodPost, "/store", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleStore_RejectsChunkOverSizeBudget(t *testing.T) {
	n := newNode("small-node", blackoutSchedule{start: time.Now()}, 4, logrus.NewEntry(logrus.StandardLogger()))
	mux := http.NewServeMux()
	mux.HandleFunc("/store", n.handleStore)

	body, _ := json.Marshal(storeRequest{ChunkID: "c0", Data: base64.StdEncoding.EncodeToString([]byte("way too big"))})
	req := httptest.NewRequest(http.MethodPost, "/store", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandleChunk_DeleteIsIdempotent(t *testing.T) {
	n := testNode()
	mux := http.NewServeMux()
	mux.HandleFunc("/chunk/", n.handleChunk)

	req := httptest.NewRequest(http.MethodDelete, "/chunk/missing", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleOrbitalStatus(t *testing.T) {
	n := testNode()
	req := httptest.NewRequest(http.MethodGet, "/orbital-status", nil)
	rec := httptest.NewRecorder()
	n.handleOrbitalStatus(rec, req)

	var resp orbitalStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.IsInBlackout)
	assert.Equal(t, "test-node", resp.NodeID)
}

