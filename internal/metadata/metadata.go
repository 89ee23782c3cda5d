// Package metadata implements the metadata backfiller: a peer task,
// independent of the ingestion main loop, that fills in ERC-20/721 contract
// metadata and NFT token metadata for rows the collector only ever inserted
// a bare address/token_id for.
package metadata

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/csic/platform/blockchain/indexer/internal/ratelimit"
)

const httpTimeout = 30 * time.Second

// Backfiller drains metadata_fetched=false rows with parallelism M.
type Backfiller struct {
	pool          *sql.DB
	rpcURL        string
	http          *http.Client
	limiter       *ratelimit.Limiter
	workers       int
	retryAttempts int
	ipfsGateway   string
	log           *zap.Logger
}

func New(pool *sql.DB, rpcURL string, limiter *ratelimit.Limiter, workers, retryAttempts int, ipfsGateway string, log *zap.Logger) *Backfiller {
	if workers <= 0 {
		workers = 4
	}
	return &Backfiller{
		pool:          pool,
		rpcURL:        rpcURL,
		http:          &http.Client{Timeout: httpTimeout},
		limiter:       limiter,
		workers:       workers,
		retryAttempts: retryAttempts,
		ipfsGateway:   ipfsGateway,
		log:           log,
	}
}

// Run polls forever, draining the three metadata-fetched=false queues with
// a bounded worker pool per scan, until ctx is cancelled.
func (b *Backfiller) Run(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		if err := b.scanOnce(ctx); err != nil {
			b.log.Warn("metadata scan failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scanOnce drains every currently-pending target across all three queues,
// bounded to b.workers in-flight at a time per queue.
func (b *Backfiller) scanOnce(ctx context.Context) error {
	if err := b.drainContracts(ctx, "erc20_contracts"); err != nil {
		return err
	}
	if err := b.drainContracts(ctx, "nft_contracts"); err != nil {
		return err
	}
	return b.drainTokens(ctx)
}

func (b *Backfiller) drainContracts(ctx context.Context, table string) error {
	rows, err := b.pool.QueryContext(ctx, fmt.Sprintf(`SELECT address FROM %s WHERE metadata_fetched = false`, table))
	if err != nil {
		return err
	}
	var addrs []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			rows.Close()
			return err
		}
		addrs = append(addrs, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	sem := make(chan struct{}, b.workers)
	for _, addr := range addrs {
		sem <- struct{}{}
		go func(addr string) {
			defer func() { <-sem }()
			b.fetchContract(ctx, table, addr)
		}(addr)
	}
	for i := 0; i < b.workers; i++ {
		sem <- struct{}{}
	}
	return nil
}

func (b *Backfiller) drainTokens(ctx context.Context) error {
	rows, err := b.pool.QueryContext(ctx, `SELECT contract_address, token_id FROM nft_tokens WHERE metadata_fetched = false`)
	if err != nil {
		return err
	}
	type target struct{ contract, tokenID string }
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.contract, &t.tokenID); err != nil {
			rows.Close()
			return err
		}
		targets = append(targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	sem := make(chan struct{}, b.workers)
	for _, t := range targets {
		sem <- struct{}{}
		go func(t target) {
			defer func() { <-sem }()
			b.fetchToken(ctx, t.contract, t.tokenID)
		}(t)
	}
	for i := 0; i < b.workers; i++ {
		sem <- struct{}{}
	}
	return nil
}

// fetchContract resolves name/symbol/decimals/totalSupply via single-call
// eth_call and marks the row metadata_fetched regardless of outcome.
func (b *Backfiller) fetchContract(ctx context.Context, table, address string) {
	name, _ := b.ethCallString(ctx, address, "name")
	symbol, _ := b.ethCallString(ctx, address, "symbol")
	decimals, decErr := b.ethCallUint8(ctx, address, "decimals")
	totalSupply, _ := b.ethCallBigInt(ctx, address, "totalSupply")

	query := fmt.Sprintf(`UPDATE %s SET name = $1, symbol = $2, total_supply = $3, metadata_fetched = true WHERE address = $4`, table)
	args := []any{nullIfEmpty(name), nullIfEmpty(symbol), nullIfEmptyBig(totalSupply), address}
	if table == "erc20_contracts" && decErr == nil {
		query = `UPDATE erc20_contracts SET name = $1, symbol = $2, decimals = $3, total_supply = $4, metadata_fetched = true WHERE address = $5`
		args = []any{nullIfEmpty(name), nullIfEmpty(symbol), decimals, nullIfEmptyBig(totalSupply), address}
	}
	if _, err := b.pool.ExecContext(ctx, query, args...); err != nil {
		b.log.Warn("failed to persist contract metadata", zap.String("address", address), zap.Error(err))
	}
}

// fetchToken resolves tokenURI, fetches the metadata JSON (or records a
// direct image), and marks the row metadata_fetched regardless of outcome
// — transient failure is acceptable and never retried automatically.
func (b *Backfiller) fetchToken(ctx context.Context, contract, tokenID string) {
	uri, err := b.ethCallTokenURI(ctx, contract, tokenID)
	if err != nil || uri == "" {
		b.markTokenFetched(ctx, contract, tokenID, "", "", "", "")
		return
	}

	resolved := b.rewriteURI(uri)
	name, image, imageURL, raw := b.resolveTokenMetadata(ctx, resolved)
	b.markTokenFetched(ctx, contract, tokenID, name, image, imageURL, raw)
}

func (b *Backfiller) rewriteURI(uri string) string {
	switch {
	case strings.HasPrefix(uri, "ipfs://"):
		return b.ipfsGateway + strings.TrimPrefix(uri, "ipfs://")
	case strings.HasPrefix(uri, "ar://"):
		return "https://arweave.net/" + strings.TrimPrefix(uri, "ar://")
	default:
		return uri
	}
}

// resolveTokenMetadata fetches uri with 30s timeout and exponential retry
// up to retryAttempts; a direct-image content-type is recorded as
// image_url with no JSON parse.
func (b *Backfiller) resolveTokenMetadata(ctx context.Context, uri string) (name, image, imageURL, rawJSON string) {
	var body []byte
	var contentType string
	var err error
	for attempt := 0; attempt <= b.retryAttempts; attempt++ {
		body, contentType, err = b.fetchURI(ctx, uri)
		if err == nil {
			break
		}
		if attempt == b.retryAttempts {
			return "", "", "", ""
		}
		delay := time.Duration(1<<uint(attempt)) * time.Second
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return "", "", "", ""
		}
	}

	if strings.HasPrefix(contentType, "image/") {
		return "", "", uri, ""
	}

	var parsed struct {
		Name     string `json:"name"`
		Image    string `json:"image"`
		ImageURL string `json:"image_url"`
	}
	if jsonErr := json.Unmarshal(body, &parsed); jsonErr != nil {
		return "", "", "", string(body)
	}
	img := parsed.Image
	if img == "" {
		img = parsed.ImageURL
	}
	return parsed.Name, img, "", string(body)
}

func (b *Backfiller) fetchURI(ctx context.Context, uri string) ([]byte, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, uri)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (b *Backfiller) markTokenFetched(ctx context.Context, contract, tokenID, name, image, imageURL, rawJSON string) {
	if _, err := b.pool.ExecContext(ctx,
		`UPDATE nft_tokens SET name = $1, image_url = $2, metadata = $3, metadata_fetched = true
		 WHERE contract_address = $4 AND token_id = $5::numeric`,
		nullIfEmpty(name), nullIfEmpty(coalesce(imageURL, image)), nullIfEmpty(rawJSON), contract, tokenID,
	); err != nil {
		b.log.Warn("failed to persist token metadata", zap.String("contract", contract), zap.String("token_id", tokenID), zap.Error(err))
	}
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfEmptyBig(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}

// --- eth_call plumbing: single-call view functions, no on-chain state write ---

var (
	stringABI, _  = abi.JSON(strings.NewReader(`[{"name":"f","inputs":[],"outputs":[{"type":"string"}],"type":"function"}]`))
	uint8ABI, _   = abi.JSON(strings.NewReader(`[{"name":"f","inputs":[],"outputs":[{"type":"uint8"}],"type":"function"}]`))
	uint256ABI, _ = abi.JSON(strings.NewReader(`[{"name":"f","inputs":[],"outputs":[{"type":"uint256"}],"type":"function"}]`))
)

var selectors = map[string]string{
	"name":        "0x06fdde03",
	"symbol":      "0x95d89b41",
	"decimals":    "0x313ce567",
	"totalSupply": "0x18160ddd",
}

func (b *Backfiller) ethCall(ctx context.Context, address, data string) ([]byte, error) {
	if err := b.limiter.WaitN(ctx, 1); err != nil {
		return nil, err
	}
	reqBody, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "eth_call",
		"params":  []any{map[string]string{"to": address, "data": data}, "latest"},
		"id":      1,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.rpcURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded struct {
		Result string          `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	if len(decoded.Error) > 0 {
		return nil, fmt.Errorf("eth_call error: %s", string(decoded.Error))
	}
	return common.FromHex(decoded.Result), nil
}

func (b *Backfiller) ethCallString(ctx context.Context, address, method string) (string, error) {
	raw, err := b.ethCall(ctx, address, selectors[method])
	if err != nil || len(raw) == 0 {
		return "", err
	}
	out, err := stringABI.Methods["f"].Outputs.Unpack(raw)
	if err != nil || len(out) == 0 {
		return "", err
	}
	s, _ := out[0].(string)
	return s, nil
}

func (b *Backfiller) ethCallUint8(ctx context.Context, address, method string) (uint8, error) {
	raw, err := b.ethCall(ctx, address, selectors[method])
	if err != nil || len(raw) == 0 {
		return 0, err
	}
	out, err := uint8ABI.Methods["f"].Outputs.Unpack(raw)
	if err != nil || len(out) == 0 {
		return 0, err
	}
	v, _ := out[0].(uint8)
	return v, nil
}

func (b *Backfiller) ethCallBigInt(ctx context.Context, address, method string) (*big.Int, error) {
	raw, err := b.ethCall(ctx, address, selectors[method])
	if err != nil || len(raw) == 0 {
		return nil, err
	}
	out, err := uint256ABI.Methods["f"].Outputs.Unpack(raw)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	v, _ := out[0].(*big.Int)
	return v, nil
}

// ethCallTokenURI encodes tokenURI(uint256) = 0xc87b56dd followed by the
// 32-byte big-endian token id.
func (b *Backfiller) ethCallTokenURI(ctx context.Context, contract, tokenID string) (string, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return "", fmt.Errorf("invalid token id %q", tokenID)
	}
	data := "0xc87b56dd" + fmt.Sprintf("%064x", id)
	raw, err := b.ethCall(ctx, contract, data)
	if err != nil || len(raw) == 0 {
		return "", err
	}
	out, err := stringABI.Methods["f"].Outputs.Unpack(raw)
	if err != nil || len(out) == 0 {
		return "", err
	}
	s, _ := out[0].(string)
	return s, nil
}
