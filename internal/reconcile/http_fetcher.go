package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/delivery-tracking/internal/order"
)

// HTTPFetcher fetches order snapshots from the broker's REST surface.
type HTTPFetcher struct {
	BaseURL   string
	AuthToken string
	Client    *http.Client
}

func NewHTTPFetcher(baseURL, authToken string) *HTTPFetcher {
	return &HTTPFetcher{
		BaseURL:   baseURL,
		AuthToken: authToken,
		Client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (f *HTTPFetcher) FetchOrder(ctx context.Context, orderID string) (order.Snapshot, error) {
	url := fmt.Sprintf("%s/api/v1/orders/%s", f.BaseURL, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return order.Snapshot{}, err
	}
	if f.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.AuthToken)
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return order.Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return order.Snapshot{}, fmt.Errorf("fetch order %s: status %d", orderID, resp.StatusCode)
	}
	var snap order.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return order.Snapshot{}, fmt.Errorf("fetch order %s: %w", orderID, err)
	}
	return snap, nil
}
