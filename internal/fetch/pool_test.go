package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/csic/platform/blockchain/indexer/internal/ratelimit"
	"github.com/csic/platform/blockchain/indexer/internal/rpc"
)

func testClient(t *testing.T) *rpc.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqs []struct {
			ID     int    `json:"id"`
			Method string `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reqs))
		resp := make([]map[string]any, 0, len(reqs))
		for _, req := range reqs {
			if req.Method == "eth_getBlockByNumber" {
				block, _ := json.Marshal(map[string]any{
					"number": "0x1", "hash": "0x" + padHex64("aa"), "parentHash": "0x" + padHex64("bb"),
					"timestamp": "0x0", "gasUsed": "0x0", "gasLimit": "0x0", "transactions": []any{},
				})
				resp = append(resp, map[string]any{"id": req.ID, "result": json.RawMessage(block)})
				continue
			}
			receipts, _ := json.Marshal([]any{})
			resp = append(resp, map[string]any{"id": req.ID, "result": json.RawMessage(receipts)})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return rpc.NewClient(srv.URL, ratelimit.New(1_000_000, 10), zap.NewNop())
}

func padHex64(suffix string) string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = '0'
	}
	copy(out[64-len(suffix):], suffix)
	return string(out)
}

func TestDispatchSplitsRangeIntoBoundedWorkItems(t *testing.T) {
	workCh := make(chan WorkItem, 100)
	done := Dispatch(context.Background(), workCh, 100, 105, 2)
	<-done
	close(workCh)

	var items []WorkItem
	for item := range workCh {
		items = append(items, item)
	}

	require.Len(t, items, 3)
	assert.Equal(t, WorkItem{Start: 100, Count: 2}, items[0])
	assert.Equal(t, WorkItem{Start: 102, Count: 2}, items[1])
	assert.Equal(t, WorkItem{Start: 104, Count: 2}, items[2])
}

func TestDispatchHandlesSingleBlockRange(t *testing.T) {
	workCh := make(chan WorkItem, 10)
	done := Dispatch(context.Background(), workCh, 50, 50, 20)
	<-done
	close(workCh)

	item := <-workCh
	assert.Equal(t, WorkItem{Start: 50, Count: 1}, item)
}

func TestDispatchStopsOnContextCancellation(t *testing.T) {
	workCh := make(chan WorkItem) // unbuffered, so Dispatch blocks until cancel
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := Dispatch(ctx, workCh, 0, 1_000_000, 1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch did not exit promptly on cancellation")
	}
}

func TestPoolStartFetchesDispatchedWorkAndClosesResultChOnShutdown(t *testing.T) {
	client := testClient(t)
	pool := New(client, 2, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	workCh, resultCh := pool.Start(ctx, 5)

	done := Dispatch(ctx, workCh, 1, 4, 2)
	<-done
	close(workCh)

	var results []int
	for r := range resultCh {
		results = append(results, int(r.BlockNumber))
		if len(results) == 4 {
			break
		}
	}
	assert.Len(t, results, 4)
	cancel()
}

func TestNewDefaultsWorkerCountWhenNonPositive(t *testing.T) {
	p := New(nil, 0, zap.NewNop())
	assert.Equal(t, 10, p.workers)
}
