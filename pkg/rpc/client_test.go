package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type rpcHandler func(method string, params map[string]any) (result any, rpcErr map[string]any)

func newNode(t *testing.T, h rpcHandler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		res, rpcErr := h(req.Method, req.Params)
		body := map[string]any{"jsonrpc": "2.0", "id": "ledgerfill"}
		if rpcErr != nil {
			body["error"] = rpcErr
		} else {
			body["result"] = res
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(endpoints ...string) *HTTPClient {
	return NewHTTPWithOpts(Opts{Endpoints: endpoints, RPS: 1000, Burst: 1000, Timeout: 2 * time.Second})
}

func TestAccountBalanceDecodesYoctoAmounts(t *testing.T) {
	srv := newNode(t, func(method string, params map[string]any) (any, map[string]any) {
		require.Equal(t, "query", method)
		require.Equal(t, "view_account", params["request_type"])
		require.EqualValues(t, 120, params["block_id"])
		return map[string]any{"amount": "1000000000000000000000000000", "locked": "0"}, nil
	})

	bal, err := newClient(srv.URL).AccountBalance(context.Background(), "alice.near", 120)
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000000000000", bal.String())
}

func TestCallViewDecodesByteArray(t *testing.T) {
	srv := newNode(t, func(method string, params map[string]any) (any, map[string]any) {
		require.Equal(t, "call_function", params["request_type"])
		require.Equal(t, "ft_balance_of", params["method_name"])
		out := []int{}
		for _, b := range []byte(`"42"`) {
			out = append(out, int(b))
		}
		return map[string]any{"result": out, "logs": []string{}}, nil
	})

	raw, err := newClient(srv.URL).CallView(context.Background(), "usdt.tether-token.near", "ft_balance_of",
		map[string]string{"account_id": "alice.near"}, 10)
	require.NoError(t, err)
	require.Equal(t, `"42"`, string(raw))
}

func TestCallViewMapsEmbeddedErrors(t *testing.T) {
	srv := newNode(t, func(string, map[string]any) (any, map[string]any) {
		return map[string]any{"error": "wasm execution failed with error: FunctionCallError(CompilationError(CodeDoesNotExist { account_id: \"x\" }))"}, nil
	})

	_, err := newClient(srv.URL).CallView(context.Background(), "x.near", "ft_balance_of", map[string]string{}, 10)
	require.Error(t, err)
	require.True(t, IsMethodNotFound(err))
}

func TestHandlerErrorsAreClassified(t *testing.T) {
	cause := ErrNameUnknownBlock
	srv := newNode(t, func(string, map[string]any) (any, map[string]any) {
		return nil, map[string]any{
			"name":    "HANDLER_ERROR",
			"cause":   map[string]any{"name": cause, "info": map[string]any{}},
			"code":    -32000,
			"message": "Server error",
			"data":    "DB Not Found Error",
		}
	})
	c := newClient(srv.URL)

	_, err := c.AccountBalance(context.Background(), "alice.near", 5)
	require.True(t, IsUnknownBlock(err))
	require.False(t, IsPermanent(err))

	cause = ErrNameParseError
	_, err = c.AccountBalance(context.Background(), "alice.near", 5)
	require.True(t, IsPermanent(err))

	cause = ErrNameUnknownAccount
	_, err = c.AccountBalance(context.Background(), "alice.near", 5)
	require.True(t, IsUnknownAccount(err))
}

func TestFailoverToHealthyEndpoint(t *testing.T) {
	var badHits atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(bad.Close)
	good := newNode(t, func(string, map[string]any) (any, map[string]any) {
		return map[string]any{"header": map[string]any{"height": 777, "hash": "h", "timestamp": 1}}, nil
	})

	c := newClient(bad.URL, good.URL)
	for i := 0; i < 5; i++ {
		head, err := c.ChainHead(context.Background())
		require.NoError(t, err)
		require.EqualValues(t, 777, head)
	}
	// The breaker opens after three failures and stops routing to the bad endpoint.
	require.LessOrEqual(t, badHits.Load(), int32(3))
}

func TestReceiptDecodesActions(t *testing.T) {
	srv := newNode(t, func(method string, _ map[string]any) (any, map[string]any) {
		require.Equal(t, "EXPERIMENTAL_receipt", method)
		return json.RawMessage(`{
			"receipt_id": "r1",
			"predecessor_id": "alice.near",
			"receiver_id": "usdt.tether-token.near",
			"receipt": {"Action": {
				"signer_id": "alice.near",
				"actions": [
					"CreateAccount",
					{"FunctionCall": {"method_name": "ft_transfer", "args": "eyJyZWNlaXZlcl9pZCI6ImJvYi5uZWFyIn0=", "deposit": "1"}},
					{"Transfer": {"deposit": "5"}}
				]
			}}
		}`), nil
	})

	r, err := newClient(srv.URL).Receipt(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "alice.near", r.SignerID)
	require.Len(t, r.Calls, 1)
	require.Equal(t, "ft_transfer", r.Calls[0].MethodName)
	require.JSONEq(t, `{"receiver_id":"bob.near"}`, string(r.Calls[0].Args))
	require.Equal(t, []string{"5"}, r.Transfers)
}
