package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/rechargekit/automation/internal/platform/firestore"
	"github.com/rechargekit/automation/internal/repositories"
)

// Registry wires the Firestore-backed repositories behind the repository
// interfaces.
type Registry struct {
	provider   *pfirestore.Provider
	licenses   *LicenseRepository
	automation *AutomationRepository
}

// NewRegistry constructs the repository set for a provider.
func NewRegistry(provider *pfirestore.Provider, cipher *CodeCipher) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}
	licenses, err := NewLicenseRepository(provider, cipher)
	if err != nil {
		return nil, err
	}
	automation, err := NewAutomationRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:   provider,
		licenses:   licenses,
		automation: automation,
	}, nil
}

func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Licenses() repositories.LicenseRepository { return r.licenses }

func (r *Registry) Automation() repositories.AutomationRepository { return r.automation }
