package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type bookingDTO struct {
	ID                  string    `json:"id"`
	ContractAddress     string    `json:"contractAddress"`
	TenantWalletAddress string    `json:"tenantWalletAddress"`
	CreatedAt           time.Time `json:"createdAt"`
	Amount              string    `json:"amount"`
	Currency            string    `json:"currency"`
}

type configDTO struct {
	PaymentTimeoutSeconds int64 `json:"paymentTimeoutSeconds"`
}

// HTTPClient reads bookings from the Booking service REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Get(ctx context.Context, id, bearer string) (Booking, error) {
	var dto bookingDTO
	if err := c.getJSON(ctx, "/api/v1/bookings/"+url.PathEscape(id), bearer, &dto); err != nil {
		return Booking{}, err
	}
	return dto.toBooking()
}

func (c *HTTPClient) PaymentTimeout(ctx context.Context, bearer string) (time.Duration, error) {
	var dto configDTO
	if err := c.getJSON(ctx, "/api/v1/bookings/config", bearer, &dto); err != nil {
		return 0, err
	}
	if dto.PaymentTimeoutSeconds <= 0 {
		return DefaultPaymentTimeout, nil
	}
	return time.Duration(dto.PaymentTimeoutSeconds) * time.Second, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("booking service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding json response: %w", err)
	}
	return nil
}

func (d bookingDTO) toBooking() (Booking, error) {
	b := Booking{
		ID:        d.ID,
		CreatedAt: d.CreatedAt,
		Currency:  d.Currency,
	}
	if d.ContractAddress != "" {
		if !common.IsHexAddress(d.ContractAddress) {
			return Booking{}, fmt.Errorf("booking %s: invalid contract address %q", d.ID, d.ContractAddress)
		}
		b.ContractAddress = common.HexToAddress(d.ContractAddress)
	}
	if d.TenantWalletAddress != "" {
		if !common.IsHexAddress(d.TenantWalletAddress) {
			return Booking{}, fmt.Errorf("booking %s: invalid tenant wallet %q", d.ID, d.TenantWalletAddress)
		}
		b.TenantWalletAddress = common.HexToAddress(d.TenantWalletAddress)
	}
	if d.Amount != "" {
		amount, ok := new(big.Int).SetString(d.Amount, 10)
		if !ok {
			return Booking{}, fmt.Errorf("booking %s: invalid amount %q", d.ID, d.Amount)
		}
		b.Amount = amount
	}
	return b, nil
}
