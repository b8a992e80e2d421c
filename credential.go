package realtime

import (
	"context"
	"fmt"

	"github.com/bt-bridge/realtime-console/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

// Credential is the ephemeral session secret issued by the realtime service.
// Only client_secret is interpreted; the relay forwards the rest untouched.
type Credential struct {
	ClientSecret *ClientSecret `json:"client_secret"`
}

type ClientSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

// Value returns the secret or "" when the payload carries none.
func (c *Credential) Value() string {
	if c == nil || c.ClientSecret == nil {
		return ""
	}
	return c.ClientSecret.Value
}

// ParseCredential decodes a session payload and checks it carries a usable
// secret.
func ParseCredential(data []byte) (*Credential, error) {
	cred := new(Credential)
	if err := sonic.Unmarshal(data, cred); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrInvalidCredential, err)
	}
	if cred.Value() == "" {
		return nil, shared.ErrInvalidCredential
	}
	return cred, nil
}

type CredentialSource interface {
	Issue(ctx context.Context) (*Credential, error)
}

// RelayCredentials fetches credentials from the relay's token route.
type RelayCredentials struct {
	URL    string
	Client *fasthttp.Client
}

var _ CredentialSource = (*RelayCredentials)(nil)

type relayError struct {
	Error string `json:"error"`
}

func (r *RelayCredentials) Issue(ctx context.Context) (*Credential, error) {
	var (
		status int
		body   []byte
	)
	err := shared.RoundTrip(ctx, r.Client,
		func(req *fasthttp.Request) {
			req.SetRequestURI(r.URL)
			req.Header.SetMethod(fasthttp.MethodGet)
			req.Header.Set("Accept", "application/json")
		},
		func(resp *fasthttp.Response) error {
			status = resp.StatusCode()
			body = append([]byte(nil), resp.Body()...)
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("requesting token: %w", err)
	}
	if status != fasthttp.StatusOK {
		var re relayError
		if err := sonic.Unmarshal(body, &re); err == nil && re.Error != "" {
			return nil, fmt.Errorf("%w: %s", shared.ErrCredentialRequest, re.Error)
		}
		return nil, fmt.Errorf("%w: status %d", shared.ErrCredentialRequest, status)
	}
	return ParseCredential(body)
}
