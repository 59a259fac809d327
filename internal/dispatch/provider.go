package dispatch

import (
	"strings"
	"time"

	"billops/internal/errs"
)

type ProviderType string

const (
	TypeFonnte  ProviderType = "fonnte"
	TypeWablas  ProviderType = "wablas"
	TypeWebhook ProviderType = "webhook"
)

// DefaultTimeout bounds a single provider attempt when the provider sets none.
const DefaultTimeout = 15 * time.Second

type Credentials struct {
	Token  string `json:"token"`
	Sender string `json:"sender,omitempty"`
}

// Provider is an outbound messaging channel. Lower Priority is tried first.
// Providers are owned by configuration management and read-only here.
type Provider struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Type        ProviderType  `json:"type"`
	APIURL      string        `json:"apiUrl"`
	Credentials Credentials   `json:"credentials"`
	Priority    int           `json:"priority"`
	IsActive    bool          `json:"isActive"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	// RatePerSec caps sends through this provider; 0 means unlimited.
	RatePerSec float64 `json:"ratePerSec,omitempty"`
	// SuccessExpr is a JMESPath expression evaluated on the JSON response
	// body. When set, a 2xx response is only a success if it is truthy.
	SuccessExpr string `json:"successExpr,omitempty"`
}

func (p Provider) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.Timeout
}

// Validate checks the fields a sender needs.
func (p Provider) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errs.Validation("provider id is required")
	}
	switch p.Type {
	case TypeFonnte, TypeWablas, TypeWebhook:
	default:
		return errs.Validation("provider %s: unknown type %q", p.ID, p.Type)
	}
	if strings.TrimSpace(p.APIURL) == "" {
		return errs.Validation("provider %s: apiUrl is required", p.ID)
	}
	if p.RatePerSec < 0 {
		return errs.Validation("provider %s: ratePerSec must be >= 0", p.ID)
	}
	if p.SuccessExpr != "" {
		if err := compileExpr(p.SuccessExpr); err != nil {
			return errs.Validation("provider %s: invalid successExpr: %v", p.ID, err)
		}
	}
	return nil
}
