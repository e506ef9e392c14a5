// Package endpoint describes the addresses connectors receive from and send
// to.
package endpoint

import (
	"fmt"
	"strings"

	errspkg "github.com/drblury/esbflow/internal/runtime/errors"
)

// Pattern is the message exchange pattern of an endpoint.
type Pattern string

const (
	OneWay          Pattern = "one-way"
	RequestResponse Pattern = "request-response"
)

// Endpoint names a transport address owned by a connector. Addresses take
// the form scheme://resource, for example kafka://orders or channel://audit.
type Endpoint struct {
	Name      string
	Address   string
	Connector string
	Pattern   Pattern
}

// Key identifies the endpoint in a connector's receiver registry.
func (e Endpoint) Key() string {
	return e.Name
}

// Scheme returns the address scheme, or "" when the address has none.
func (e Endpoint) Scheme() string {
	scheme, _, ok := strings.Cut(e.Address, "://")
	if !ok {
		return ""
	}
	return scheme
}

// Resource returns the topic, queue or path the transport works on.
func (e Endpoint) Resource() string {
	if _, resource, ok := strings.Cut(e.Address, "://"); ok {
		return resource
	}
	return e.Address
}

// ExchangePattern returns the pattern, defaulting to one-way.
func (e Endpoint) ExchangePattern() Pattern {
	if e.Pattern == "" {
		return OneWay
	}
	return e.Pattern
}

// Validate reports missing names and addresses and unknown patterns.
func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return errspkg.ErrEndpointNameRequired
	}
	if strings.TrimSpace(e.Resource()) == "" {
		return fmt.Errorf("%w: %s", errspkg.ErrEndpointAddrRequired, e.Name)
	}
	switch e.ExchangePattern() {
	case OneWay, RequestResponse:
	default:
		return fmt.Errorf("esbflow: endpoint %s: unknown exchange pattern %q", e.Name, e.Pattern)
	}
	return nil
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s(%s)", e.Name, e.Address)
}

// Inbound is an endpoint messages arrive on.
type Inbound struct {
	Endpoint
}

// Outbound is an endpoint messages leave through.
type Outbound struct {
	Endpoint
}

// NewInbound builds a one-way inbound endpoint.
func NewInbound(name, address string) Inbound {
	return Inbound{Endpoint{Name: name, Address: address, Pattern: OneWay}}
}

// NewOutbound builds a one-way outbound endpoint.
func NewOutbound(name, address string) Outbound {
	return Outbound{Endpoint{Name: name, Address: address, Pattern: OneWay}}
}

func (i Inbound) String() string {
	return "inbound " + i.Endpoint.String()
}

func (o Outbound) String() string {
	return "outbound " + o.Endpoint.String()
}
