package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ocx/metering/internal/faults"
)

// HTTPSettler submits payments to a settlement endpoint over HTTP. The
// hosted facilitator and the direct signer sidecar speak the same shape,
// so one client serves both routes.
type HTTPSettler struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPSettler builds a client for the given endpoint.
func NewHTTPSettler(url, apiKey string) *HTTPSettler {
	return &HTTPSettler{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type settleResponse struct {
	TxHash string `json:"tx_hash"`
	Error  string `json:"error"`
}

// Settle posts the payment and returns the transaction hash.
func (h *HTTPSettler) Settle(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", faults.Wrap(faults.IO, "marshal settle request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return "", faults.Wrap(faults.IO, "build settle request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return "", faults.Wrap(faults.SettlementUnavailable, "settlement endpoint unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", faults.Wrap(faults.SettlementUnavailable, "read settle response", err)
	}

	var sr settleResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return "", faults.Newf(faults.SettlementFailed, "malformed settle response (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		msg := sr.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", faults.Newf(faults.SettlementFailed, "settlement rejected: %s", msg)
	}
	if sr.TxHash == "" {
		return "", faults.New(faults.SettlementFailed, "settle response missing tx hash")
	}
	return sr.TxHash, nil
}
