package deviceauth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-credential-broker/gateway"
	"github.com/pkg/errors"
)

// clientCache keeps one registered OIDC client per region and replaces it
// once the provider-side registration expires.
type clientCache struct {
	mu      sync.Mutex
	clients map[string]*gateway.ClientRegistration
}

func newClientCache() *clientCache {
	return &clientCache{clients: make(map[string]*gateway.ClientRegistration)}
}

func (e *Engine) clientName() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s", e.clientNamePrefix, suffix)
}

func (e *Engine) getOrRegisterClient(ctx context.Context, region string) (*gateway.ClientRegistration, error) {
	e.clients.mu.Lock()
	defer e.clients.mu.Unlock()

	if client, ok := e.clients.clients[region]; ok {
		if !client.Expired(e.nowFunc()) {
			return client, nil
		}
		e.logger.Info().Msgf("client for region [%s] expired. registering new client", region)
	}

	name := e.clientName()
	e.logger.Info().Msgf("registering new client [%s] in [%s]", name, region)
	client, err := e.gateway.RegisterClient(ctx, region, name)
	if err != nil {
		return nil, errors.Wrap(err, "[Engine.getOrRegisterClient]")
	}
	clientRegistrationsTotal.Inc()

	e.clients.clients[region] = client
	return client, nil
}
