package escrow

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"willescrow/internal/will"
)

const (
	blockfrostPageSize = 100
	lovelaceUnit       = "lovelace"
)

// BlockfrostClient reads escrow state from a Blockfrost compatible API and
// submits transactions built and signed by an external signer bridge, which
// holds the wallet keys.
type BlockfrostClient struct {
	baseURL   string
	projectID string
	signerURL string
	http      *http.Client
}

type BlockfrostConfig struct {
	BaseURL    string
	ProjectID  string
	SignerURL  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

func NewBlockfrostClient(cfg BlockfrostConfig) (*BlockfrostClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("blockfrost url is required")
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("blockfrost project id is required")
	}
	if cfg.SignerURL == "" {
		return nil, fmt.Errorf("signer url is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &BlockfrostClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		projectID: cfg.ProjectID,
		signerURL: strings.TrimRight(cfg.SignerURL, "/"),
		http:      hc,
	}, nil
}

type bfAmount struct {
	Unit     string `json:"unit"`
	Quantity string `json:"quantity"`
}

type bfUTXO struct {
	Address     string     `json:"address"`
	TxHash      string     `json:"tx_hash"`
	OutputIndex uint32     `json:"output_index"`
	Amount      []bfAmount `json:"amount"`
	InlineDatum *string    `json:"inline_datum"`
}

type bfError struct {
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

func (c *BlockfrostClient) GetEscrowOutput(ctx context.Context, address string) (Output, error) {
	outputs, err := c.listOutputs(ctx, address)
	if err != nil {
		return Output{}, err
	}
	out, err := selectEscrowOutput(outputs)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %s", err, address)
	}
	return out, nil
}

func (c *BlockfrostClient) GetEscrowOutputs(ctx context.Context, address string) ([]Output, error) {
	outputs, err := c.listOutputs(ctx, address)
	if err != nil {
		return nil, err
	}
	wills := willOutputs(outputs)
	if len(wills) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	return wills, nil
}

// listOutputs pages through every UTXO at address.
func (c *BlockfrostClient) listOutputs(ctx context.Context, address string) ([]Output, error) {
	var outputs []Output
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("count", strconv.Itoa(blockfrostPageSize))
		q.Set("order", "asc")

		var utxos []bfUTXO
		status, err := c.getJSON(ctx, "/addresses/"+url.PathEscape(address)+"/utxos?"+q.Encode(), &utxos)
		if status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
		}
		if err != nil {
			return nil, fmt.Errorf("list utxos: %w", err)
		}

		for _, u := range utxos {
			out, err := u.toOutput()
			if err != nil {
				return nil, err
			}
			outputs = append(outputs, out)
		}
		if len(utxos) < blockfrostPageSize {
			break
		}
	}
	return outputs, nil
}

func (u bfUTXO) toOutput() (Output, error) {
	out := Output{
		Ref:     OutputRef{TxID: u.TxHash, Index: u.OutputIndex},
		Address: u.Address,
	}
	for _, a := range u.Amount {
		if a.Unit != lovelaceUnit {
			continue
		}
		v, err := strconv.ParseUint(a.Quantity, 10, 64)
		if err != nil {
			return Output{}, fmt.Errorf("utxo %s: lovelace quantity %q: %w", out.Ref, a.Quantity, err)
		}
		out.Amount = v
	}
	if u.InlineDatum != nil && *u.InlineDatum != "" {
		datum, err := hex.DecodeString(*u.InlineDatum)
		if err != nil {
			return Output{}, fmt.Errorf("utxo %s: inline datum: %w", out.Ref, err)
		}
		out.Datum = datum
	}
	return out, nil
}

// Now reports the time of the latest block.
func (c *BlockfrostClient) Now(ctx context.Context) (will.Instant, error) {
	var block struct {
		Time int64 `json:"time"`
	}
	if _, err := c.getJSON(ctx, "/blocks/latest", &block); err != nil {
		return 0, fmt.Errorf("latest block: %w", err)
	}
	return will.Instant(block.Time * 1000), nil
}

func (c *BlockfrostClient) Ping(ctx context.Context) error {
	var health struct {
		IsHealthy bool `json:"is_healthy"`
	}
	if _, err := c.getJSON(ctx, "/health", &health); err != nil {
		return err
	}
	if !health.IsHealthy {
		return fmt.Errorf("blockfrost reports unhealthy")
	}
	return nil
}

type signerOutput struct {
	Kind        string `json:"kind"`
	Amount      string `json:"amount"`
	Beneficiary string `json:"beneficiary,omitempty"`
	Datum       string `json:"datum,omitempty"`
}

type signerSpend struct {
	TxHash string `json:"txHash"`
	Index  uint32 `json:"index"`
}

type signerRequest struct {
	EscrowAddress string         `json:"escrowAddress"`
	ChangeAddress string         `json:"changeAddress"`
	Spend         *signerSpend   `json:"spend,omitempty"`
	Redeemer      string         `json:"redeemer,omitempty"`
	Outputs       []signerOutput `json:"outputs"`
}

func newSignerRequest(sub Submission) signerRequest {
	req := signerRequest{
		EscrowAddress: sub.EscrowAddress,
		ChangeAddress: sub.ChangeAddress,
		Outputs:       make([]signerOutput, 0, len(sub.Plan.Outputs)),
	}
	if sub.Spend != nil {
		req.Spend = &signerSpend{TxHash: sub.Spend.TxID, Index: sub.Spend.Index}
		req.Redeemer = hex.EncodeToString(sub.Redeemer)
	}
	for _, o := range sub.Plan.Outputs {
		so := signerOutput{Kind: o.Kind.String(), Amount: strconv.FormatUint(o.Amount, 10)}
		if o.Kind == will.OutputPayout {
			so.Beneficiary = o.Beneficiary.String()
		} else {
			so.Datum = hex.EncodeToString(o.Datum)
		}
		req.Outputs = append(req.Outputs, so)
	}
	return req
}

// BuildAndSubmit asks the signer bridge for a signed transaction and submits
// it. A rejection for missing inputs maps to ErrOutputSpent.
func (c *BlockfrostClient) BuildAndSubmit(ctx context.Context, sub Submission) (string, error) {
	body, err := json.Marshal(newSignerRequest(sub))
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.signerURL+"/build", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("signer: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("signer: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("signer: %w", &SubmissionError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))})
	}
	var signed struct {
		CBOR string `json:"cbor"`
	}
	if err := json.Unmarshal(raw, &signed); err != nil {
		return "", fmt.Errorf("signer response: %w", err)
	}
	tx, err := hex.DecodeString(signed.CBOR)
	if err != nil {
		return "", fmt.Errorf("signer response: %w", err)
	}
	return c.submit(ctx, tx)
}

func (c *BlockfrostClient) submit(ctx context.Context, tx []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tx/submit", bytes.NewReader(tx))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/cbor")
	req.Header.Set("project_id", c.projectID)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit tx: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("submit tx: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := errorMessage(raw)
		if strings.Contains(msg, "BadInputsUTxO") {
			return "", fmt.Errorf("%w: %s", ErrOutputSpent, msg)
		}
		return "", &SubmissionError{Status: resp.StatusCode, Message: msg}
	}
	var txID string
	if err := json.Unmarshal(raw, &txID); err != nil {
		return "", fmt.Errorf("submit tx response: %w", err)
	}
	return txID, nil
}

func (c *BlockfrostClient) getJSON(ctx context.Context, path string, dst interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("project_id", c.projectID)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, errorMessage(raw))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return resp.StatusCode, fmt.Errorf("GET %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

func errorMessage(raw []byte) string {
	var e bfError
	if err := json.Unmarshal(raw, &e); err == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(raw))
}
