package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"ibkr-flex-ledger/internal/domain"
	"ibkr-flex-ledger/internal/flex"
	"ibkr-flex-ledger/internal/ledger"
	"ibkr-flex-ledger/internal/orchestrator"
	"ibkr-flex-ledger/internal/storage/memory"
)

const serverTestPayload = `<FlexQueryResponse><FlexStatements><FlexStatement toDate="2026-02-12">
	<Trades><Trade ibExecID="E1" conid="101" buySell="BUY" quantity="10" tradePrice="50" currency="USD" dateTime="20260210;143000"/></Trades>
	<OpenPositions/><CashTransactions/><CorporateActions/>
	<ConversionRates/><SecuritiesInfo/><AccountInformation/>
</FlexStatement></FlexStatements></FlexQueryResponse>`

// blockingFetcher lets a test hold one run open while a second trigger
// arrives.
type blockingFetcher struct {
	mu      sync.Mutex
	release chan struct{}
}

func (f *blockingFetcher) FetchReport(ctx context.Context, _ string) (*flex.FetchResult, error) {
	f.mu.Lock()
	release := f.release
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return &flex.FetchResult{}, ctx.Err()
		}
	}
	at := time.Now().UTC()
	return &flex.FetchResult{
		ReferenceCode: "REF1",
		Payload:       []byte(serverTestPayload),
		Timeline: []domain.StageEvent{
			domain.NewStageEvent("request", "success", at, at, nil),
			domain.NewStageEvent("poll", "success", at, at, nil),
			domain.NewStageEvent("download", "success", at, at, nil),
		},
	}, nil
}

func newTestServer(t *testing.T, fetcher orchestrator.FlexFetcher) (*Server, *memory.RunStore) {
	t.Helper()

	runs := memory.NewRunStore()
	raw := memory.NewRawStore()
	canonical := memory.NewCanonicalStore()
	ledgerStore := memory.NewLedgerStore()

	zone, err := time.LoadLocation("Asia/Jerusalem")
	require.NoError(t, err)
	snapshots, err := ledger.NewSnapshotService(canonical, raw, ledgerStore, "USD", zone)
	require.NoError(t, err)

	cfg := orchestrator.Config{AccountID: "U1234567", FlexQueryID: "q-1", BaseCurrency: "USD"}
	logger := zerolog.Nop()

	ingestion := orchestrator.NewIngestion(runs, raw, canonical, fetcher, snapshots, cfg, logger)
	reprocess := orchestrator.NewReprocess(runs, raw, canonical, snapshots, cfg, logger)

	return New(ingestion, reprocess, runs, nil, nil, logger), runs
}

func TestServer_TriggerIngestionReturnsRun(t *testing.T) {
	srv, _ := newTestServer(t, &blockingFetcher{})
	router := srv.Router()

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/ingestion/runs", strings.NewReader(`{}`)))

	require.Equal(t, http.StatusOK, recorder.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	require.Equal(t, "success", body["status"])
	require.NotEmpty(t, body["run_id"])
}

func TestServer_ConcurrentTriggerReturns409(t *testing.T) {
	fetcher := &blockingFetcher{release: make(chan struct{})}
	srv, _ := newTestServer(t, fetcher)
	router := srv.Router()

	firstDone := make(chan *httptest.ResponseRecorder)
	go func() {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/ingestion/runs", nil))
		firstDone <- recorder
	}()

	// Wait until the first run holds the lock.
	require.Eventually(t, func() bool {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ingestion/runs", nil))
		var body map[string]any
		if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
			return false
		}
		runs, _ := body["runs"].([]any)
		return len(runs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/ingestion/runs", nil))
	require.Equal(t, http.StatusConflict, second.Code)

	close(fetcher.release)
	first := <-firstDone
	require.Equal(t, http.StatusOK, first.Code)
}

func TestServer_GetRunNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &blockingFetcher{})
	router := srv.Router()

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ingestion/runs/nope", nil))
	require.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestServer_HealthzOKWithoutPinger(t *testing.T) {
	srv, _ := newTestServer(t, &blockingFetcher{})
	router := srv.Router()

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
}

func TestServer_FailedRunStillReturnsDiagnostics(t *testing.T) {
	// A payload missing Trades fails preflight; the endpoint still returns
	// the run with its error code.
	fetcher := &staticFetcher{payload: `<FlexQueryResponse><FlexStatements><FlexStatement toDate="2026-02-12">
		<OpenPositions/><CashTransactions/><CorporateActions/>
		<ConversionRates/><SecuritiesInfo/><AccountInformation/>
	</FlexStatement></FlexStatements></FlexQueryResponse>`}
	srv, _ := newTestServer(t, fetcher)
	router := srv.Router()

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/ingestion/runs", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	require.Equal(t, "failed", body["status"])
	require.Equal(t, "MISSING_REQUIRED_SECTION", body["error_code"])
}

type staticFetcher struct {
	payload string
}

func (f *staticFetcher) FetchReport(_ context.Context, _ string) (*flex.FetchResult, error) {
	at := time.Now().UTC()
	return &flex.FetchResult{
		ReferenceCode: "REF1",
		Payload:       []byte(f.payload),
		Timeline: []domain.StageEvent{
			domain.NewStageEvent("request", "success", at, at, nil),
		},
	}, nil
}
