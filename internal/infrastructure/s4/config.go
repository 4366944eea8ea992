package s4

import (
	"errors"
	"strings"
	"time"
)

// DefaultTimeout bounds a single OData request
const DefaultTimeout = 10 * time.Second

// Errors for S4 configuration
var (
	ErrConfigMissingBaseURL = errors.New("s4: base url is required")
)

// Config holds the sales order OData service settings
type Config struct {
	// BaseURL is the service root, e.g. https://host/sap/opu/odata/sap/API_SALES_ORDER_SRV
	BaseURL string
	// Username and Password enable basic authentication when set
	Username string
	Password string
	// APIKey is sent as the APIKey header (SAP API Business Hub sandbox)
	APIKey  string
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
