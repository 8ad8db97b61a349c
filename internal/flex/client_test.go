package flex

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fastStrategy removes real waiting from the poll loop.
func fastStrategy(attempts int) RetryStrategy {
	return RetryStrategy{
		InitialWait: 0,
		Attempts:    attempts,
		BackoffBase: 0,
		BackoffMax:  time.Millisecond,
		JitterMin:   1.0,
		JitterMax:   1.0,
		RandUnit:    func() float64 { return 0 },
	}
}

const statementPayload = `<FlexQueryResponse queryName="q" type="AF">
  <FlexStatements count="1">
    <FlexStatement accountId="U1234567" toDate="2026-02-10">
      <Trades><Trade ibExecID="E1"/></Trades>
    </FlexStatement>
  </FlexStatements>
</FlexQueryResponse>`

func newTestClient(t *testing.T, serverURL string, attempts int) *Client {
	t.Helper()
	client, err := NewClient("token-1",
		WithBaseURL(serverURL),
		WithRetryStrategy(fastStrategy(attempts)),
		WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestClient_FetchReportHappyPath(t *testing.T) {
	var polls int
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/SendRequest", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "token-1", r.URL.Query().Get("t"))
		require.Equal(t, "q-1", r.URL.Query().Get("q"))
		require.Equal(t, "3", r.URL.Query().Get("v"))
		w.Write([]byte(`<FlexStatementResponse><Status>Success</Status><ReferenceCode>REF42</ReferenceCode><Url>` + server.URL + `/GetStatement</Url></FlexStatementResponse>`))
	})
	mux.HandleFunc("/GetStatement", func(w http.ResponseWriter, r *http.Request) {
		polls++
		require.Equal(t, "REF42", r.URL.Query().Get("q"))
		w.Write([]byte(statementPayload))
	})

	client := newTestClient(t, server.URL, 3)
	result, err := client.FetchReport(context.Background(), "q-1")
	require.NoError(t, err)
	require.Equal(t, "REF42", result.ReferenceCode)
	require.Equal(t, []byte(statementPayload), result.Payload)
	require.Equal(t, 1, polls)

	// Timeline carries request, poll and download success events.
	stages := make(map[string]string)
	for _, event := range result.Timeline {
		stages[event.Stage] = event.Status
	}
	require.Equal(t, "success", stages["request"])
	require.Equal(t, "success", stages["poll"])
	require.Equal(t, "success", stages["download"])
}

func TestClient_RetryableCodeThenSuccess(t *testing.T) {
	var polls int
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/SendRequest", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<FlexStatementResponse><Status>Success</Status><ReferenceCode>REF1</ReferenceCode></FlexStatementResponse>`))
	})
	mux.HandleFunc("/GetStatement", func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls == 1 {
			w.Write([]byte(`<FlexStatementResponse><Status>Warn</Status><ErrorCode>1019</ErrorCode><ErrorMessage>Statement generation in progress. Please try again shortly.</ErrorMessage></FlexStatementResponse>`))
			return
		}
		w.Write([]byte(statementPayload))
	})

	client := newTestClient(t, server.URL, 3)
	result, err := client.FetchReport(context.Background(), "q-1")
	require.NoError(t, err)
	require.Equal(t, 2, polls)

	var retryEvent bool
	for _, event := range result.Timeline {
		if event.Stage == "poll" && event.Status == "retrying" {
			retryEvent = true
			require.Equal(t, "1019", event.Payload["error_code"])
			require.Equal(t, 1, event.Payload["poll_attempt"])
			require.Equal(t, 5, event.Payload["retry_after_seconds"])
		}
	}
	require.True(t, retryEvent, "expected a poll retry event in the timeline")
}

func TestClient_PollTimeoutAfterAllAttempts(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/SendRequest", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<FlexStatementResponse><Status>Success</Status><ReferenceCode>REF1</ReferenceCode></FlexStatementResponse>`))
	})
	mux.HandleFunc("/GetStatement", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<FlexStatementResponse><ErrorCode>1019</ErrorCode></FlexStatementResponse>`))
	})

	client := newTestClient(t, server.URL, 2)
	_, err := client.FetchReport(context.Background(), "q-1")
	require.ErrorIs(t, err, ErrPollTimeout)
}

func TestClient_TokenCodesRaiseTokenErrors(t *testing.T) {
	for _, tc := range []struct {
		code    string
		expired bool
	}{
		{CodeTokenExpired, true},
		{CodeInvalidToken, false},
	} {
		mux := http.NewServeMux()
		server := httptest.NewServer(mux)
		mux.HandleFunc("/SendRequest", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<FlexStatementResponse><Status>Fail</Status><ErrorCode>` + tc.code + `</ErrorCode></FlexStatementResponse>`))
		})

		client := newTestClient(t, server.URL, 2)
		_, err := client.FetchReport(context.Background(), "q-1")

		var tokenErr *TokenError
		require.True(t, errors.As(err, &tokenErr), "code %s", tc.code)
		require.Equal(t, tc.code, tokenErr.Code)
		require.Equal(t, tc.expired, tokenErr.Expired())
		server.Close()
	}
}

func TestClient_FatalPollCodeRaisesStatementError(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/SendRequest", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<FlexStatementResponse><Status>Success</Status><ReferenceCode>REF1</ReferenceCode></FlexStatementResponse>`))
	})
	mux.HandleFunc("/GetStatement", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<FlexStatementResponse><ErrorCode>1014</ErrorCode></FlexStatementResponse>`))
	})

	client := newTestClient(t, server.URL, 3)
	_, err := client.FetchReport(context.Background(), "q-1")

	var statementErr *StatementError
	require.True(t, errors.As(err, &statementErr))
	require.Equal(t, "1014", statementErr.Code)
}

func TestClient_NonXMLPollPayloadPassesThrough(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	csv := "header1,header2\nv1,v2\n"
	mux.HandleFunc("/SendRequest", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<FlexStatementResponse><Status>Success</Status><ReferenceCode>REF1</ReferenceCode></FlexStatementResponse>`))
	})
	mux.HandleFunc("/GetStatement", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(csv))
	})

	client := newTestClient(t, server.URL, 2)
	result, err := client.FetchReport(context.Background(), "q-1")
	require.NoError(t, err)
	require.Equal(t, []byte(csv), result.Payload)
}

func TestClient_CancellationDuringRetryWait(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/SendRequest", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<FlexStatementResponse><Status>Success</Status><ReferenceCode>REF1</ReferenceCode></FlexStatementResponse>`))
	})
	mux.HandleFunc("/GetStatement", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<FlexStatementResponse><ErrorCode>1019</ErrorCode></FlexStatementResponse>`))
	})

	strategy := fastStrategy(5)
	strategy.BackoffBase = 10 * time.Second
	strategy.BackoffMax = 10 * time.Second
	client, err := NewClient("token-1", WithBaseURL(server.URL), WithRetryStrategy(strategy))
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = client.FetchReport(ctx, "q-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
