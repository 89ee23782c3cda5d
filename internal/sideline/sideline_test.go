package sideline

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/csic/platform/blockchain/indexer/internal/batch"
	"github.com/csic/platform/blockchain/indexer/internal/ratelimit"
	"github.com/csic/platform/blockchain/indexer/internal/rpc"
)

// fakeWriter records every mini-batch it is handed, and lets tests force a
// write failure on a chosen block number.
type fakeWriter struct {
	mu        sync.Mutex
	writes    []*batch.Block
	updateWM  []bool
	failBlock map[uint64]bool
}

func (w *fakeWriter) WriteBatch(_ context.Context, b *batch.Block, updateWatermark bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, n := range b.BNumbers {
		if w.failBlock[uint64(n)] {
			return assert.AnError
		}
	}
	w.writes = append(w.writes, b)
	w.updateWM = append(w.updateWM, updateWatermark)
	return nil
}

func blockServer(t *testing.T, good map[uint64]bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqs []struct {
			ID     int64         `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reqs))

		resp := make([]map[string]any, 0, len(reqs))
		for _, req := range reqs {
			if req.Method == "eth_getBlockByNumber" {
				hexNum, _ := req.Params[0].(string)
				var n uint64
				_, _ = fmtSscanHex(hexNum, &n)
				if !good[n] {
					resp = append(resp, map[string]any{"id": req.ID, "result": nil})
					continue
				}
				block, _ := json.Marshal(map[string]any{
					"number": hexNum, "hash": "0x" + padHex64("aa"), "parentHash": "0x" + padHex64("bb"),
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
}

func padHex64(suffix string) string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = '0'
	}
	copy(out[64-len(suffix):], suffix)
	return string(out)
}

// fmtSscanHex parses a 0x-prefixed hex block number, the only shape the
// client ever sends.
func fmtSscanHex(s string, out *uint64) (int, error) {
	var n uint64
	for i := 2; i < len(s); i++ {
		n <<= 4
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			n |= uint64(c - '0')
		case c >= 'a' && c <= 'f':
			n |= uint64(c-'a') + 10
		}
	}
	*out = n
	return 1, nil
}

func TestRetrySucceedsWithinAttemptsAndWritesMiniBatchWithoutWatermark(t *testing.T) {
	origDelays := delays
	delays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { delays = origDelays }()

	srv := blockServer(t, map[uint64]bool{100: true})
	defer srv.Close()

	client := rpc.NewClient(srv.URL, ratelimit.New(1_000_000, 10), zap.NewNop())
	writer := &fakeWriter{failBlock: map[uint64]bool{}}

	stillFailed, _, _ := Retry(context.Background(), client, writer, nil, zap.NewNop(),
		map[string]struct{}{}, map[string]struct{}{}, []Failure{{BlockNumber: 100, Error: "boom"}})

	assert.Empty(t, stillFailed)
	require.Len(t, writer.writes, 1)
	assert.False(t, writer.updateWM[0], "sideline mini-batches must never advance the watermark")
}

func TestRetryStopsEarlyOnContextCancellation(t *testing.T) {
	origDelays := delays
	delays = []time.Duration{time.Hour}
	defer func() { delays = origDelays }()

	srv := blockServer(t, map[uint64]bool{})
	defer srv.Close()

	client := rpc.NewClient(srv.URL, ratelimit.New(1_000_000, 10), zap.NewNop())
	writer := &fakeWriter{failBlock: map[uint64]bool{}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stillFailed, newERC20, newNFT := Retry(ctx, client, writer, nil, zap.NewNop(),
		map[string]struct{}{}, map[string]struct{}{}, []Failure{{BlockNumber: 1, Error: "x"}})

	assert.Len(t, stillFailed, 1, "a cancelled context must return the failure untouched rather than hang")
	assert.Empty(t, newERC20)
	assert.Empty(t, newNFT)
}

func TestRetryExhaustsAllAttemptsAndRecordsFailedBlocks(t *testing.T) {
	origDelays := delays
	delays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { delays = origDelays }()

	srv := blockServer(t, map[uint64]bool{}) // every block comes back missing
	defer srv.Close()

	client := rpc.NewClient(srv.URL, ratelimit.New(1_000_000, 10), zap.NewNop())
	writer := &fakeWriter{failBlock: map[uint64]bool{}}

	// A lazily-connecting handle: sql.Open never dials, so ExecContext fails
	// with a connection error that recordFailedBlocks logs and swallows,
	// exactly like a genuinely unreachable database would.
	db, err := sql.Open("postgres", "postgres://nouser@127.0.0.1:1/nodb?sslmode=disable")
	require.NoError(t, err)
	defer db.Close()

	stillFailed, _, _ := Retry(context.Background(), client, writer, db, zap.NewNop(),
		map[string]struct{}{}, map[string]struct{}{}, []Failure{{BlockNumber: 7, Error: "not found"}})

	require.Len(t, stillFailed, 1)
	assert.Equal(t, uint64(7), stillFailed[0].BlockNumber)
	assert.Empty(t, writer.writes, "a block that never succeeds must never reach the writer")
}

func TestRetryWriterFailureCountsAsStillFailed(t *testing.T) {
	origDelays := delays
	delays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { delays = origDelays }()

	srv := blockServer(t, map[uint64]bool{42: true})
	defer srv.Close()

	client := rpc.NewClient(srv.URL, ratelimit.New(1_000_000, 10), zap.NewNop())
	writer := &fakeWriter{failBlock: map[uint64]bool{42: true}}

	db, err := sql.Open("postgres", "postgres://nouser@127.0.0.1:1/nodb?sslmode=disable")
	require.NoError(t, err)
	defer db.Close()

	stillFailed, _, _ := Retry(context.Background(), client, writer, db, zap.NewNop(),
		map[string]struct{}{}, map[string]struct{}{}, []Failure{{BlockNumber: 42, Error: "x"}})

	require.Len(t, stillFailed, 1)
	assert.Equal(t, uint64(42), stillFailed[0].BlockNumber)
}
