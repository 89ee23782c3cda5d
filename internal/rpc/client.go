package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/csic/platform/blockchain/indexer/internal/ratelimit"
)

// retryDelays are the backoff delays (seconds) for transport/parse failures
// on the batch JSON-RPC request. The last value repeats for any further attempt.
var retryDelays = []time.Duration{
	2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second,
}

const maxRetries = 10

func delayFor(attempt int) time.Duration {
	if attempt < len(retryDelays) {
		return retryDelays[attempt]
	}
	return retryDelays[len(retryDelays)-1]
}

// Client issues batched eth_getBlockByNumber/eth_getBlockReceipts requests.
type Client struct {
	http    *http.Client
	url     string
	limiter *ratelimit.Limiter
	log     *zap.Logger
}

// NewClient builds an RPC client. No per-request timeout is set at this
// layer, and the retry loop only acts on a request that returns an error,
// so a request the server never answers waits until ctx is cancelled.
func NewClient(url string, limiter *ratelimit.Limiter, log *zap.Logger) *Client {
	return &Client{
		http:    &http.Client{},
		url:     url,
		limiter: limiter,
		log:     log,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// FetchBatch fetches count consecutive blocks starting at startBlock. It
// always returns exactly count results, order unspecified per element but correlated by BlockNumber.
func (c *Client) FetchBatch(ctx context.Context, startBlock uint64, count int) []FetchResult {
	c.log.Debug("fetching RPC batch", zap.Uint64("start_block", startBlock), zap.Int("count", count))

	if err := c.limiter.WaitN(ctx, count*2); err != nil {
		return allErrors(startBlock, count, err)
	}

	batchReq := make([]rpcRequest, 0, count*2)
	for i := 0; i < count; i++ {
		blockNum := startBlock + uint64(i)
		blockHex := fmt.Sprintf("0x%x", blockNum)
		batchReq = append(batchReq,
			rpcRequest{JSONRPC: "2.0", Method: "eth_getBlockByNumber", Params: []interface{}{blockHex, true}, ID: i * 2},
			rpcRequest{JSONRPC: "2.0", Method: "eth_getBlockReceipts", Params: []interface{}{blockHex}, ID: i*2 + 1},
		)
	}

	body, err := json.Marshal(batchReq)
	if err != nil {
		return allErrors(startBlock, count, err)
	}

	responses, err := c.sendWithRetry(ctx, body, startBlock, count)
	if err != nil {
		return allErrors(startBlock, count, err)
	}

	byID := make(map[int]rpcResponse, len(responses))
	for _, r := range responses {
		byID[r.ID] = r
	}

	results := make([]FetchResult, count)
	for i := 0; i < count; i++ {
		blockNum := startBlock + uint64(i)
		block, blockErr := parseBlockResult(byID, i*2, blockNum)
		receipts, receiptsErr := parseReceiptsResult(byID, i*2+1)

		switch {
		case blockErr != nil:
			results[i] = FetchResult{BlockNumber: blockNum, Err: blockErr}
		case receiptsErr != nil:
			results[i] = FetchResult{BlockNumber: blockNum, Err: receiptsErr}
		default:
			results[i] = FetchResult{
				BlockNumber: blockNum,
				Block:       &FetchedBlock{Number: blockNum, Block: block, Receipts: receipts},
			}
		}
	}
	return results
}

// sendWithRetry POSTs the batch, retrying transport and parse failures up to
// maxRetries times with the schedule above.
func (c *Client) sendWithRetry(ctx context.Context, body []byte, startBlock uint64, count int) ([]rpcResponse, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = &TransportError{Err: err}
			c.log.Warn("RPC batch request failed",
				zap.Int("attempt", attempt+1), zap.Error(err))
			if !sleep(ctx, delayFor(attempt)) {
				return nil, ctx.Err()
			}
			continue
		}

		var decoded []rpcResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&decoded)
		resp.Body.Close()
		if decodeErr != nil {
			lastErr = &ResponseParseError{Err: decodeErr}
			c.log.Warn("failed to parse RPC response",
				zap.Int("attempt", attempt+1), zap.Error(decodeErr))
			if !sleep(ctx, delayFor(attempt)) {
				return nil, ctx.Err()
			}
			continue
		}

		if attempt > 0 {
			c.log.Info("RPC batch request succeeded after retries",
				zap.Int("retries", attempt),
				zap.Uint64("start_block", startBlock),
				zap.Uint64("end_block", startBlock+uint64(count)-1))
		}
		return decoded, nil
	}
	return nil, lastErr
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func allErrors(startBlock uint64, count int, err error) []FetchResult {
	results := make([]FetchResult, count)
	for i := 0; i < count; i++ {
		results[i] = FetchResult{BlockNumber: startBlock + uint64(i), Err: err}
	}
	return results
}

func parseBlockResult(byID map[int]rpcResponse, id int, blockNum uint64) (*Block, error) {
	resp, ok := byID[id]
	if !ok {
		return nil, perBlockErrorf("Missing response for block %d", blockNum)
	}
	if len(resp.Error) > 0 {
		return nil, perBlockErrorf("RPC error: %s", string(resp.Error))
	}
	if len(resp.Result) == 0 || bytes.Equal(resp.Result, []byte("null")) {
		return nil, perBlockErrorf("Block %d not found", blockNum)
	}
	var block Block
	if err := json.Unmarshal(resp.Result, &block); err != nil {
		return nil, perBlockErrorf("Failed to parse block: %v", err)
	}
	return &block, nil
}

func parseReceiptsResult(byID map[int]rpcResponse, id int) ([]*Receipt, error) {
	resp, ok := byID[id]
	if !ok {
		return nil, nil
	}
	if len(resp.Error) > 0 {
		return nil, perBlockErrorf("RPC error: %s", string(resp.Error))
	}
	if len(resp.Result) == 0 || bytes.Equal(resp.Result, []byte("null")) {
		return nil, nil
	}
	var receipts []*Receipt
	if err := json.Unmarshal(resp.Result, &receipts); err != nil {
		return nil, perBlockErrorf("Failed to parse receipts: %v", err)
	}
	return receipts, nil
}

// GetBlockNumberWithRetry asks the chain head, retrying transport failures
// with the same backoff schedule FetchBatch uses. Only exhaustion bubbles
// to the caller.
func (c *Client) GetBlockNumberWithRetry(ctx context.Context) (uint64, error) {
	if err := c.limiter.WaitN(ctx, 1); err != nil {
		return 0, err
	}

	reqBody, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: "eth_getBlockNumber", Params: []interface{}{}, ID: 0})

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.log.Warn("head request failed", zap.Int("attempt", attempt+1), zap.Error(err))
			if !sleep(ctx, delayFor(attempt)) {
				return 0, ctx.Err()
			}
			continue
		}

		var decoded rpcResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&decoded)
		resp.Body.Close()
		if decodeErr != nil {
			lastErr = decodeErr
			if !sleep(ctx, delayFor(attempt)) {
				return 0, ctx.Err()
			}
			continue
		}
		if len(decoded.Error) > 0 {
			lastErr = fmt.Errorf("RPC error: %s", string(decoded.Error))
			if !sleep(ctx, delayFor(attempt)) {
				return 0, ctx.Err()
			}
			continue
		}

		var head hexutil.Uint64
		if err := json.Unmarshal(decoded.Result, &head); err != nil {
			lastErr = err
			if !sleep(ctx, delayFor(attempt)) {
				return 0, ctx.Err()
			}
			continue
		}
		if attempt > 0 {
			c.log.Info("RPC connection restored after retries", zap.Int("retries", attempt))
		}
		return uint64(head), nil
	}
	return 0, fmt.Errorf("RPC connection failed after %d retries: %w", maxRetries, lastErr)
}
