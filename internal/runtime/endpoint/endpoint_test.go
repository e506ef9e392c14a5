package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"

	errspkg "github.com/drblury/esbflow/internal/runtime/errors"
)

func TestResourceAndScheme(t *testing.T) {
	tests := []struct {
		address  string
		scheme   string
		resource string
	}{
		{address: "kafka://orders", scheme: "kafka", resource: "orders"},
		{address: "http:///webhooks/orders", scheme: "http", resource: "/webhooks/orders"},
		{address: "audit", scheme: "", resource: "audit"},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			e := Endpoint{Name: "e", Address: tt.address}
			assert.Equal(t, tt.scheme, e.Scheme())
			assert.Equal(t, tt.resource, e.Resource())
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		ep      Endpoint
		wantErr error
	}{
		{name: "valid", ep: Endpoint{Name: "in", Address: "channel://in"}},
		{name: "missing name", ep: Endpoint{Address: "channel://in"}, wantErr: errspkg.ErrEndpointNameRequired},
		{name: "missing address", ep: Endpoint{Name: "in"}, wantErr: errspkg.ErrEndpointAddrRequired},
		{name: "scheme only", ep: Endpoint{Name: "in", Address: "kafka://"}, wantErr: errspkg.ErrEndpointAddrRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ep.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	bad := Endpoint{Name: "in", Address: "channel://in", Pattern: "fire-and-forget"}
	assert.Error(t, bad.Validate())
}

func TestKeysAndPatterns(t *testing.T) {
	in := NewInbound("orders-in", "kafka://orders")
	assert.Equal(t, "orders-in", in.Key())
	assert.Equal(t, OneWay, in.ExchangePattern())
	assert.Equal(t, "inbound orders-in(kafka://orders)", in.String())

	out := Outbound{Endpoint{Name: "lookup", Address: "http://lookup"}}
	assert.Equal(t, OneWay, out.ExchangePattern())
	out.Pattern = RequestResponse
	assert.Equal(t, RequestResponse, out.ExchangePattern())

	// Outbound endpoints are comparable so they can key pools.
	assert.Equal(t, NewOutbound("a", "channel://a"), NewOutbound("a", "channel://a"))
}
