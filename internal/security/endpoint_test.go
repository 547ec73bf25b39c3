package security

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fixedLookup(addrs ...string) func(context.Context, string) ([]string, error) {
	return func(context.Context, string) ([]string, error) { return addrs, nil }
}

func TestEndpointPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  EndpointPolicy
		url     string
		wantErr bool
	}{
		{"public https", EndpointPolicy{LookupHost: fixedLookup("93.184.216.34")}, "https://hooks.example.com/x", false},
		{"public ip literal", EndpointPolicy{}, "https://93.184.216.34/hook", false},
		{"ftp scheme", EndpointPolicy{}, "ftp://example.com", true},
		{"http when https required", EndpointPolicy{RequireHTTPS: true}, "http://93.184.216.34/", true},
		{"no host", EndpointPolicy{}, "https:///path", true},
		{"userinfo", EndpointPolicy{}, "https://user:pw@93.184.216.34/", true},
		{"localhost", EndpointPolicy{}, "http://localhost:8080/", true},
		{"metadata", EndpointPolicy{}, "http://metadata.google.internal/", true},
		{"loopback literal", EndpointPolicy{}, "http://127.0.0.1/", true},
		{"private literal", EndpointPolicy{}, "http://10.1.2.3/", true},
		{"link-local literal", EndpointPolicy{}, "http://169.254.169.254/", true},
		{"unspecified", EndpointPolicy{}, "http://0.0.0.0/", true},
		{"resolves private", EndpointPolicy{LookupHost: fixedLookup("93.184.216.34", "192.168.1.5")}, "https://rebind.example.com", true},
		{"unresolvable", EndpointPolicy{LookupHost: func(context.Context, string) ([]string, error) {
			return nil, errors.New("no such host")
		}}, "https://nope.invalid", true},
		{"private allowed in development", EndpointPolicy{AllowPrivate: true}, "http://127.0.0.1:9000/hook", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate(context.Background(), tt.url)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBlockedEndpoint)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_DefaultPolicyBlocksIPv6Loopback(t *testing.T) {
	assert.ErrorIs(t, EndpointPolicy{}.Validate(context.Background(), "http://[::1]/"), ErrBlockedEndpoint)
}
