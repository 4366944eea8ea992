// Package s4 resolves sales order details from the S/4HANA sales order
// OData v2 API (API_SALES_ORDER_SRV).
package s4

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/erp/charityfund/internal/domain/charity"
	"github.com/erp/charityfund/internal/infrastructure/logger"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// maxResponseSize caps the bytes read from a response
const maxResponseSize = 1 << 20

// Adapter errors. They are always wrapped together with
// charity.ErrDetailUnavailable.
var (
	ErrServiceUnavailable   = errors.New("s4: service unavailable")
	ErrServiceRequestFailed = errors.New("s4: request failed")
	ErrInvalidResponse      = errors.New("s4: invalid response")
)

// Client implements charity.OrderDetailFetcher over OData v2
type Client struct {
	config     *Config
	httpClient *http.Client
	validate   *validator.Validate
	logger     *zap.Logger
}

// NewClient creates a new S4 sales order client
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		validate: validator.New(),
		logger:   logger,
	}, nil
}

// Fetch reads A_SalesOrder('{salesOrder}'). A 404 or an empty entity is
// reported as charity.ErrOrderNotFound.
func (c *Client) Fetch(ctx context.Context, salesOrder string) (*charity.SalesOrderDetail, error) {
	if strings.TrimSpace(salesOrder) == "" {
		return nil, fmt.Errorf("%w: empty sales order id", charity.ErrDetailUnavailable)
	}

	body, err := c.doRequest(ctx, entityPath(salesOrder))
	if err != nil {
		return nil, err
	}

	var envelope salesOrderEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", charity.ErrDetailUnavailable, ErrInvalidResponse, err)
	}
	if envelope.D == nil || envelope.D.SalesOrder == "" {
		return nil, fmt.Errorf("%w: %w", charity.ErrDetailUnavailable, charity.ErrOrderNotFound)
	}
	if err := c.validate.Struct(envelope.D); err != nil {
		return nil, fmt.Errorf("%w: %w: missing %s", charity.ErrDetailUnavailable, ErrInvalidResponse, missingFields(err))
	}

	detail := envelope.D.detail()
	logger.WithLogger(ctx, c.logger).Debug("sales order detail retrieved",
		zap.String("sold_to_party", detail.SoldToParty),
		zap.String("total_net_amount", detail.TotalNetAmount.String()),
	)
	return detail, nil
}

// missingFields lists the properties that failed validation
func missingFields(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return strings.Join(fields, ", ")
}

// entityPath builds the key segment. OData string literals escape a quote by
// doubling it.
func entityPath(salesOrder string) string {
	key := strings.ReplaceAll(salesOrder, "'", "''")
	return "/A_SalesOrder('" + url.PathEscape(key) + "')"
}

func (c *Client) doRequest(ctx context.Context, path string) ([]byte, error) {
	query := url.Values{}
	query.Set("$select", selectFields)
	query.Set("$format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: s4: failed to create request: %v", charity.ErrDetailUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}
	if c.config.APIKey != "" {
		req.Header.Set("APIKey", c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %v", charity.ErrDetailUnavailable, ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: s4: failed to read response: %v", charity.ErrDetailUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %w", charity.ErrDetailUnavailable, charity.ErrOrderNotFound)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: %w: HTTP %d%s", charity.ErrDetailUnavailable, ErrServiceRequestFailed, resp.StatusCode, errorMessage(body))
	}
	return body, nil
}

// errorMessage extracts the OData error text, if any
func errorMessage(body []byte) string {
	var oe odataError
	if err := json.Unmarshal(body, &oe); err != nil || oe.Error.Message.Value == "" {
		return ""
	}
	return ": " + oe.Error.Message.Value
}

var _ charity.OrderDetailFetcher = (*Client)(nil)
