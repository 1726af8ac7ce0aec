package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ggoodman/kcbearer/claims"
	"github.com/ggoodman/kcbearer/token"
)

// EntitlementPath is the realm relative path of the entitlement endpoint. The
// client id is appended.
const EntitlementPath = "/authz/entitlement/"

// Entitlement exchanges an access token for a Requesting Party Token and
// uses the RPT claims in place of the access token's.
type Entitlement struct {
	endpoint string
	client   *http.Client
}

// NewEntitlement builds an entitlement verifier for clientID.
func NewEntitlement(realmURL, clientID string, client *http.Client) *Entitlement {
	return &Entitlement{
		endpoint: realmEndpoint(realmURL, EntitlementPath+clientID),
		client:   httpClientOrDefault(client),
	}
}

func (e *Entitlement) Name() string { return "entitlement" }

func (e *Entitlement) Verify(ctx context.Context, tok string) (*Verified, error) {
	c, err := e.fetch(ctx, tok)
	if err != nil {
		return nil, &Error{Kind: KindRPT, Reason: MsgRPTFailed, Err: err}
	}
	return &Verified{Claims: c, Expiry: claims.ExpiryIssuedAt}, nil
}

func (e *Entitlement) fetch(ctx context.Context, tok string) (claims.Claims, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "bearer "+tok)
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("entitlement request failed, status %d", resp.StatusCode)
	}
	if err := checkJSON(resp); err != nil {
		return nil, err
	}
	var body struct {
		RPT string `json:"rpt"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode entitlement response: %w", err)
	}
	if body.RPT == "" {
		return nil, errors.New("entitlement response carries no rpt")
	}
	return token.Decode(body.RPT)
}

func (e *Entitlement) Close() error { return nil }
