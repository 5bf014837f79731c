package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anpr-parking/internal/auth"
	"anpr-parking/internal/broker"
	"anpr-parking/internal/config"
	"anpr-parking/internal/db"
	"anpr-parking/internal/domain/anpr"
	"anpr-parking/internal/metrics"
	"anpr-parking/internal/notify"
	"anpr-parking/internal/repository"
	"anpr-parking/internal/service"
)

const (
	jwtSecret  = "test-secret"
	entryTopic = "parking/ticket_entries"
)

type testServer struct {
	router      *gin.Engine
	tickets     *service.TicketService
	deadLetters *service.DeadLetterService
	hub         *notify.Hub
	channel     *broker.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := db.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	registry := prometheus.NewRegistry()
	_, err = metrics.NewIngestMetrics(registry)
	require.NoError(t, err)

	repo := repository.NewParkingRepository(gdb)
	hub := notify.NewHub(zerolog.Nop())
	channel := broker.NewMemory()
	republisher := broker.NewEntryPublisher(channel, entryTopic, broker.Identity{}, zerolog.Nop())

	tickets := service.NewTicketService(repo, hub, 5000, zerolog.Nop())
	deadLetters := service.NewDeadLetterService(repo, republisher, zerolog.Nop())

	handler := NewHandler(tickets, deadLetters, hub, registry, zerolog.Nop())
	router := NewRouter(config.HTTPConfig{CORSOrigins: []string{"*"}}, handler, auth.RequireActor(jwtSecret), zerolog.Nop())

	return &testServer{
		router:      router,
		tickets:     tickets,
		deadLetters: deadLetters,
		hub:         hub,
		channel:     channel,
	}
}

func (s *testServer) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) enter(t *testing.T, plate, shift string, at time.Time) {
	t.Helper()
	_, err := s.tickets.RegisterEntry(context.Background(), service.EntryCommand{
		Plate:        plate,
		ActorID:      "8",
		ShiftID:      shift,
		VehicleClass: anpr.ClassCar,
		EntryTime:    at,
	})
	require.NoError(t, err)
}

func token(t *testing.T, shift string) string {
	t.Helper()
	tok, err := auth.IssueActorToken(auth.Actor{ID: "8", ShiftID: shift}, jwtSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ingest_retries_total")
}

func TestListTickets(t *testing.T) {
	s := newTestServer(t)
	s.enter(t, "ABC123", "3", time.Now())
	s.enter(t, "DEF456", "4", time.Now())

	w := s.do(t, http.MethodGet, "/api/v1/tickets?shift_id=3&state=open", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var tickets []service.TicketInfo
	decodeData(t, w, &tickets)
	require.Len(t, tickets, 1)
	assert.Equal(t, "ABC123", tickets[0].Plate)

	w = s.do(t, http.MethodGet, "/api/v1/tickets?state=parked", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterExit(t *testing.T) {
	s := newTestServer(t)
	entry := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.enter(t, "ABC123", "3", entry)

	body := `{"plate":"abc123","exit_time":"2024-01-01T13:20:00Z"}`

	w := s.do(t, http.MethodPost, "/api/v1/tickets/exit", body, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/tickets/exit", body, token(t, "4"))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/tickets/exit", `{"plate":"ZZZ999"}`, token(t, "3"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/tickets/exit", `{}`, token(t, "3"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/tickets/exit", body, token(t, "3"))
	require.Equal(t, http.StatusOK, w.Code)

	var ticket service.TicketInfo
	decodeData(t, w, &ticket)
	assert.Equal(t, anpr.TicketClosed, ticket.State)
	require.NotNil(t, ticket.Amount)
	assert.InDelta(t, 5000, *ticket.Amount, 0.001)
}

func TestDeadLetterListAndReplay(t *testing.T) {
	s := newTestServer(t)
	payload := `{"schema_version":1,"plate":"ABC123"}`
	id, err := s.deadLetters.Record(context.Background(), service.DeadLetterInput{
		Reason:  "malformed",
		Payload: []byte(payload),
	})
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/v1/dead-letters", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var letters []service.DeadLetterInfo
	decodeData(t, w, &letters)
	require.Len(t, letters, 1)
	assert.Equal(t, "malformed", letters[0].Reason)

	path := "/api/v1/dead-letters/" + strconv.FormatInt(id, 10) + "/replay"
	w = s.do(t, http.MethodPost, path, "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, path, "", token(t, "3"))
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, s.channel.Pending(entryTopic), 1)
	assert.JSONEq(t, payload, string(s.channel.Pending(entryTopic)[0]))

	w = s.do(t, http.MethodGet, "/api/v1/dead-letters", "", "")
	decodeData(t, w, &letters)
	assert.Empty(t, letters)

	w = s.do(t, http.MethodPost, "/api/v1/dead-letters/999/replay", "", token(t, "3"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/dead-letters/abc/replay", "", token(t, "3"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLastDetection(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/events/last-detection", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":null}`, w.Body.String())

	s.enter(t, "ABC123", "3", time.Now())

	w = s.do(t, http.MethodGet, "/api/v1/events/last-detection", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var d anpr.Detection
	decodeData(t, w, &d)
	assert.Equal(t, "ABC123", d.Plate)
	assert.NotZero(t, d.TicketID)
}

func TestStreamDetections(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events/stream", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return s.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	s.hub.Publish(anpr.Detection{Plate: "XYZ987", VehicleClass: anpr.ClassTruck, TicketID: 7})

	scanner := bufio.NewScanner(resp.Body)
	var sawEvent bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event:detection" {
			sawEvent = true
		}
		if strings.HasPrefix(line, "data:") && strings.Contains(line, "XYZ987") {
			break
		}
	}
	assert.True(t, sawEvent)
	cancel()
}
