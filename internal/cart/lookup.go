package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ProductLookup resolves current product details when an item is added.
// Lookups are best effort: if the catalog cannot answer, the caller
// falls back to whatever the request supplied. The saga never depends
// on a lookup.
type ProductLookup interface {
	Lookup(ctx context.Context, productID string) (name string, price float64, err error)
}

// CatalogClient resolves products against the catalog service's HTTP
// API.
type CatalogClient struct {
	baseURL string
	client  *http.Client
}

func NewCatalogClient(baseURL string) *CatalogClient {
	return &CatalogClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *CatalogClient) Lookup(ctx context.Context, productID string) (string, float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/products/"+productID, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("catalog lookup for %s: %w", productID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("catalog lookup for %s: status %d", productID, resp.StatusCode)
	}

	var body struct {
		Name  string  `json:"name"`
		Price float64 `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("catalog lookup for %s: decoding: %w", productID, err)
	}
	return body.Name, body.Price, nil
}
