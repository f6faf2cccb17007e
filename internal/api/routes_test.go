package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rawblock/aml-engine/internal/aml"
	"github.com/rawblock/aml-engine/internal/metrics"
	"github.com/rawblock/aml-engine/internal/notify"
	"github.com/rawblock/aml-engine/internal/profile"
	"github.com/rawblock/aml-engine/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var t0 = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

type stubLedger struct {
	records map[string][]models.TransferRecord
	err     error
}

func (s *stubLedger) FetchTransferActivity(ctx context.Context, address string, start, end time.Time) ([]models.TransferRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.records[address], nil
}

type stubArchive struct {
	saved []aml.MoneyLaunderingAlert
}

func (s *stubArchive) SaveAlert(ctx context.Context, alert aml.MoneyLaunderingAlert) error {
	s.saved = append(s.saved, alert)
	return nil
}

func (s *stubArchive) RecentAlerts(ctx context.Context, limit int) ([]aml.MoneyLaunderingAlert, error) {
	return s.saved, nil
}

// layeringChain is A→B→C→D→E, 100 units per hop, one hour apart
func layeringChain() []models.TransferRecord {
	hops := []string{"A", "B", "C", "D", "E"}
	var flows []models.TransferRecord
	for i := 0; i < len(hops)-1; i++ {
		flows = append(flows, models.TransferRecord{
			From:      hops[i],
			To:        hops[i+1],
			Amount:    decimal.NewFromInt(100),
			Asset:     "BTC",
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			TxID:      fmt.Sprintf("tx-%d", i),
			Kind:      models.TransferDirect,
		})
	}
	return flows
}

type testServer struct {
	router    *gin.Engine
	archive   *stubArchive
	broadcast []aml.MoneyLaunderingAlert
	hub       *Hub
}

func newTestServer(t *testing.T, ledger aml.LedgerSource, token string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	ts := &testServer{archive: &stubArchive{}, hub: NewHub(logger)}
	profiles := profile.NewStore(nil)
	engine := aml.NewEngine(ledger, profiles, aml.DefaultDetectorConfig(), nil, logger)
	dispatcher := notify.NewDispatcher(ts.archive, func(a aml.MoneyLaunderingAlert) {
		ts.broadcast = append(ts.broadcast, a)
	}, logger)

	ts.router = SetupRouter(Options{
		Engine:          engine,
		Profiles:        profiles,
		Dispatcher:      dispatcher,
		Archive:         ts.archive,
		Metrics:         metrics.New(prometheus.NewRegistry()),
		Hub:             ts.hub,
		AuthToken:       token,
		RateLimitPerMin: 600,
		RateLimitBurst:  100,
		Logger:          logger,
	})
	return ts
}

func (ts *testServer) do(method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func TestAnalyzeAddress_EmitsAndDispatchesAlert(t *testing.T) {
	ledger := &stubLedger{records: map[string][]models.TransferRecord{"A": layeringChain()}}
	ts := newTestServer(t, ledger, "")

	body := `{"address":"A","start":"2026-01-04T12:00:00Z","end":"2026-02-04T12:00:00Z"}`
	rec := ts.do(http.MethodPost, "/api/v1/analyze/address", body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result aml.DetectionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if result.Stats.TotalFlows != 4 {
		t.Fatalf("expected 4 flows, got %d", result.Stats.TotalFlows)
	}
	if len(result.Alerts) != 1 || result.Alerts[0].Pattern.Type != aml.PatternLayering {
		t.Fatalf("expected one layering alert, got %+v", result.Alerts)
	}
	if len(ts.archive.saved) != 1 || len(ts.broadcast) != 1 {
		t.Fatalf("expected the alert to be archived and broadcast, got %d/%d", len(ts.archive.saved), len(ts.broadcast))
	}

	live := ts.do(http.MethodGet, "/api/v1/alerts?minSeverity=low", "", "")
	if live.Code != http.StatusOK || !strings.Contains(live.Body.String(), `"count":1`) {
		t.Fatalf("expected the live alert list to hold the alert, got %d: %s", live.Code, live.Body.String())
	}
}

func TestAnalyzeAddress_Validation(t *testing.T) {
	ts := newTestServer(t, &stubLedger{}, "")

	cases := map[string]string{
		"missing address": `{}`,
		"blank address":   `{"address":"  "}`,
		"inverted window": `{"address":"A","start":"2026-02-01T00:00:00Z","end":"2026-01-01T00:00:00Z"}`,
		"malformed json":  `{"address":`,
	}
	for name, body := range cases {
		if rec := ts.do(http.MethodPost, "/api/v1/analyze/address", body, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, rec.Code)
		}
	}

	if rec := ts.do(http.MethodPost, "/api/v1/analyze/group", `{"addresses":[]}`, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("empty group: expected 400, got %d", rec.Code)
	}
}

func TestAnalyzeAddress_UpstreamFailureIsBadGateway(t *testing.T) {
	ts := newTestServer(t, &stubLedger{err: errors.New("rpc unreachable")}, "")

	rec := ts.do(http.MethodPost, "/api/v1/analyze/group", `{"addresses":["A","B"]}`, "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "rpc unreachable") {
		t.Fatalf("expected the cause in the error details, got %s", rec.Body.String())
	}
}

func TestAuth_ProtectsAnalysisButNotHealth(t *testing.T) {
	ts := newTestServer(t, &stubLedger{}, "s3cret")

	if rec := ts.do(http.MethodPost, "/api/v1/analyze/address", `{"address":"A"}`, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodPost, "/api/v1/analyze/address", `{"address":"A"}`, "wrong"); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong token, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodPost, "/api/v1/analyze/address", `{"address":"A"}`, "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/api/v1/health", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected public health endpoint, got %d", rec.Code)
	}
}

func TestProfiles_UpsertAndFetch(t *testing.T) {
	ts := newTestServer(t, &stubLedger{}, "")

	rec := ts.do(http.MethodPut, "/api/v1/profiles/bc1qmixer", `{"labels":["mixer"]}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(http.MethodGet, "/api/v1/profiles/bc1qmixer", "", "")
	var p models.AddressRiskProfile
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if p.RiskScore != 85 {
		t.Fatalf("expected label-derived risk 85, got %v", p.RiskScore)
	}

	if rec := ts.do(http.MethodPut, "/api/v1/profiles/bc1qbad", `{"riskScore":150}`, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected out-of-range risk to be rejected, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/api/v1/profiles/bc1qnobody", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown profile, got %d", rec.Code)
	}
}

func TestScan_NotConfigured(t *testing.T) {
	ts := newTestServer(t, &stubLedger{}, "")

	if rec := ts.do(http.MethodPost, "/api/v1/scan", `{"startHeight":1,"endHeight":2}`, ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a scanner, got %d", rec.Code)
	}
}

func TestRateLimiter_ExhaustsBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)

	for i := 0; i < 2; i++ {
		if ok, _ := rl.allow("10.0.0.1"); !ok {
			t.Fatalf("expected request %d within burst to pass", i+1)
		}
	}
	ok, retry := rl.allow("10.0.0.1")
	if ok || retry <= 0 {
		t.Fatalf("expected third request to be limited with a retry hint, got ok=%v retry=%s", ok, retry)
	}
	if ok, _ := rl.allow("10.0.0.2"); !ok {
		t.Fatalf("expected a different IP to have its own bucket")
	}
}

func TestRateLimiter_RejectsWithRetryAfterSeconds(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewRateLimiter(1, 1, nil).Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/x", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/x", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	// One token per minute: the wait rounds up to at most 60 whole seconds
	secs, err := strconv.Atoi(second.Header().Get("Retry-After"))
	if err != nil || secs < 1 || secs > 60 {
		t.Fatalf("expected Retry-After in seconds, got %q", second.Header().Get("Retry-After"))
	}
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(60, 5, nil)
	rl.allow("10.0.0.1")
	rl.allow("10.0.0.2")

	if n := rl.evictIdle(time.Now().Add(-time.Minute)); n != 0 {
		t.Fatalf("expected recent clients to stay, evicted %d", n)
	}
	if n := rl.evictIdle(time.Now().Add(time.Minute)); n != 2 {
		t.Fatalf("expected both idle clients to be evicted, got %d", n)
	}
}

func TestHub_StreamsAlerts(t *testing.T) {
	ts := newTestServer(t, &stubLedger{}, "")
	go ts.hub.Run()

	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Wait for the hub to register the client
	deadline := time.Now().Add(2 * time.Second)
	for {
		ts.hub.mutex.Lock()
		n := len(ts.hub.clients)
		ts.hub.mutex.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	BroadcastAlert(ts.hub)(aml.MoneyLaunderingAlert{ID: "ML-1", Severity: aml.SeverityCritical})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Contains(msg, []byte(`"type":"ml_alert"`)) || !bytes.Contains(msg, []byte(`"severity":"critical"`)) {
		t.Fatalf("unexpected stream message: %s", msg)
	}
}
