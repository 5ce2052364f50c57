// Package service implements the gateway's routing, health tracking and
// upstream invocation.
package service

import (
	"github.com/user/smartroute-go/internal/config"
	"github.com/user/smartroute-go/internal/models"
)

// ProviderRegistry resolves configured model entries to upstream
// endpoints. Resolution order: an explicit "provider/model" prefix wins,
// then the model-provider map, then the implicit default upstream.
type ProviderRegistry struct {
	providers config.ProvidersConfig
}

// NewProviderRegistry creates a registry over one configuration snapshot.
func NewProviderRegistry(providers config.ProvidersConfig) *ProviderRegistry {
	return &ProviderRegistry{providers: providers}
}

// Resolve maps a configured model entry to its bare model reference and
// provider endpoint. A prefix naming an unconfigured provider returns
// *models.ProviderMissingError.
func (r *ProviderRegistry) Resolve(entry string) (models.ModelRef, models.ProviderEndpoint, error) {
	ref := models.ParseModelRef(entry)

	if ref.Provider == "" {
		if id, ok := r.providers.Map[ref.Model]; ok {
			ref.Provider = id
		} else {
			ref.Provider = models.DefaultProviderID
		}
	}

	if ref.Provider == models.DefaultProviderID {
		return ref, r.providers.Upstream.Endpoint(), nil
	}
	if p, ok := r.providers.Custom[ref.Provider]; ok {
		return ref, p.Endpoint(), nil
	}
	return ref, models.ProviderEndpoint{}, &models.ProviderMissingError{
		Provider: ref.Provider,
		Model:    ref.Model,
	}
}
