// Package conversion derives charity credits from a sales amount by calling
// the conversion service.
package conversion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/erp/charityfund/internal/domain/charity"
	"github.com/erp/charityfund/internal/infrastructure/logger"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a single conversion request
	DefaultTimeout  = 5 * time.Second
	maxResponseSize = 64 << 10
)

// Adapter errors. They are always wrapped together with
// charity.ErrConversionUnavailable.
var (
	ErrConfigMissingBaseURL = errors.New("conversion: base url is required")
	ErrServiceUnavailable   = errors.New("conversion: service unavailable")
	ErrServiceRequestFailed = errors.New("conversion: request failed")
	ErrInvalidResponse      = errors.New("conversion: invalid response")
)

// Config holds the conversion service settings
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Validate validates the configuration and fills defaults
func (c *Config) Validate() error {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		return ErrConfigMissingBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return nil
}

// conversionResponse is the service body: {"Credits": <number>}
type conversionResponse struct {
	Credits *decimal.Decimal `json:"Credits" validate:"required"`
}

// Client implements charity.AmountConverter
type Client struct {
	config     *Config
	httpClient *http.Client
	validate   *validator.Validate
	logger     *zap.Logger
}

// NewClient creates a new conversion client
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		validate:   validator.New(),
		logger:     logger,
	}, nil
}

// Convert calls GET {base}/conversion?salesAmount={amount}
func (c *Client) Convert(ctx context.Context, amount decimal.Decimal) (*charity.ConversionResult, error) {
	query := url.Values{}
	query.Set("salesAmount", amount.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/conversion?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: conversion: failed to create request: %v", charity.ErrConversionUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %v", charity.ErrConversionUnavailable, ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: conversion: failed to read response: %v", charity.ErrConversionUnavailable, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: %w: HTTP %d", charity.ErrConversionUnavailable, ErrServiceRequestFailed, resp.StatusCode)
	}

	var out conversionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", charity.ErrConversionUnavailable, ErrInvalidResponse, err)
	}
	if err := c.validate.Struct(&out); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", charity.ErrConversionUnavailable, ErrInvalidResponse, err)
	}

	logger.WithLogger(ctx, c.logger).Debug("conversion result",
		zap.String("sales_amount", amount.String()),
		zap.String("credits", out.Credits.String()),
	)
	return &charity.ConversionResult{Credits: *out.Credits}, nil
}

var _ charity.AmountConverter = (*Client)(nil)
