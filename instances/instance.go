// Package instances holds the durable record of configured identity provider
// connections.
package instances

import "time"

// ProviderCodeAwsIdc identifies AWS IAM Identity Center instances.
const ProviderCodeAwsIdc = "aws-idc"

// ProviderInstance is one configured identity provider connection.
// (StartURL, Region) is unique across all instances.
type ProviderInstance struct {
	InstanceID           string    `json:"instanceId"`
	ProviderCode         string    `json:"providerCode"`
	StartURL             string    `json:"startUrl"`
	Region               string    `json:"region"`
	Label                string    `json:"label"`
	ClientID             string    `json:"clientId"`
	AccessToken          string    `json:"-"`
	AccessTokenExpiresAt time.Time `json:"accessTokenExpiresAt"`
	AccessTokenStale     bool      `json:"accessTokenStale"`
	IsFavorite           bool      `json:"isFavorite"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
	Version              int       `json:"version"`
}

// Clone returns a copy that callers may mutate without touching the original.
func (p *ProviderInstance) Clone() *ProviderInstance {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// HasToken reports whether the instance was ever authorized.
func (p *ProviderInstance) HasToken() bool {
	return p.AccessToken != "" && !p.AccessTokenExpiresAt.IsZero()
}
