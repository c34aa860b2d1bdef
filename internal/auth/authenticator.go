// ABOUTME: Connection authentication for visitors and agents
// ABOUTME: Validates claimed identities before the registry admits a connection

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dramac-main/dramac-chat-hub/internal/store"
)

// Authentication errors. All of them are terminal for the connection: the hub
// closes it without retrying.
var (
	ErrUnknownSite       = errors.New("unknown site")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrMalformedIdentity = errors.New("malformed identity")
)

// SiteDirectory validates that a site id is known to the system.
type SiteDirectory interface {
	ValidateSite(ctx context.Context, siteID string) (bool, error)
}

// Claims is the identity a connection asserts during the handshake.
// Visitors supply a VisitorID; agents supply a bearer Credential.
type Claims struct {
	SiteID     string
	Kind       store.ActorKind
	VisitorID  string
	Credential string
}

// Identity is an admitted connection identity.
type Identity struct {
	Kind    store.ActorKind
	SiteID  string
	ActorID string
}

// Authenticator validates connection claims against the site directory and
// the agent credential verifier.
type Authenticator struct {
	sites    SiteDirectory
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewAuthenticator creates an Authenticator. Pass nil logger for default.
func NewAuthenticator(sites SiteDirectory, verifier TokenVerifier, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		sites:    sites,
		verifier: verifier,
		logger:   logger.With("component", "auth"),
	}
}

// Authenticate resolves claims to an admitted identity or rejects them.
//
// Visitor authentication is intentionally weak (pseudo-anonymous support
// chat): the site must exist and the visitor id must be a well-formed UUID.
// Agent authentication requires a credential that resolves to a user id bound
// to the claimed site.
func (a *Authenticator) Authenticate(ctx context.Context, claims Claims) (*Identity, error) {
	ok, err := a.sites.ValidateSite(ctx, claims.SiteID)
	if err != nil {
		return nil, fmt.Errorf("validating site: %w", err)
	}
	if !ok {
		a.logger.Warn("rejected connection for unknown site", "site_id", claims.SiteID)
		return nil, ErrUnknownSite
	}

	switch claims.Kind {
	case store.ActorVisitor:
		if _, err := uuid.Parse(claims.VisitorID); err != nil {
			a.logger.Warn("rejected malformed visitor id", "site_id", claims.SiteID)
			return nil, fmt.Errorf("%w: visitor id", ErrMalformedIdentity)
		}
		return &Identity{
			Kind:    store.ActorVisitor,
			SiteID:  claims.SiteID,
			ActorID: claims.VisitorID,
		}, nil

	case store.ActorAgent:
		userID, siteID, err := a.verifier.Verify(claims.Credential)
		if err != nil {
			a.logger.Warn("rejected agent credential", "site_id", claims.SiteID, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		if siteID != claims.SiteID {
			a.logger.Warn("rejected agent credential for wrong site",
				"claimed_site", claims.SiteID, "token_site", siteID)
			return nil, fmt.Errorf("%w: credential not bound to site", ErrInvalidCredential)
		}
		return &Identity{
			Kind:    store.ActorAgent,
			SiteID:  claims.SiteID,
			ActorID: userID,
		}, nil

	default:
		return nil, fmt.Errorf("%w: actor kind %q", ErrMalformedIdentity, claims.Kind)
	}
}

// ConfigSiteDirectory is a SiteDirectory backed by a static list of site ids.
type ConfigSiteDirectory struct {
	sites map[string]struct{}
}

// NewConfigSiteDirectory builds a directory from the configured site ids.
func NewConfigSiteDirectory(siteIDs []string) *ConfigSiteDirectory {
	sites := make(map[string]struct{}, len(siteIDs))
	for _, id := range siteIDs {
		sites[id] = struct{}{}
	}
	return &ConfigSiteDirectory{sites: sites}
}

// ValidateSite reports whether the site id is configured.
func (d *ConfigSiteDirectory) ValidateSite(_ context.Context, siteID string) (bool, error) {
	_, ok := d.sites[siteID]
	return ok, nil
}

// Ensure ConfigSiteDirectory implements SiteDirectory
var _ SiteDirectory = (*ConfigSiteDirectory)(nil)
