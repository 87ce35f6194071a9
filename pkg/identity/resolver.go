// Package identity maps a router's view of a client (username, IP) back to
// an application user.
package identity

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspotd/pkg/directory"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
)

// Confidence says how a match was made.
type Confidence string

const (
	// MatchNone means the client could not be attributed to a user.
	MatchNone Confidence = "none"
	// MatchUsername is exact: the router reported a username we provisioned.
	MatchUsername Confidence = "username"
	// MatchIP is best effort: the IP was last seen on a device of this user
	// and may since have been reassigned by DHCP.
	MatchIP Confidence = "ip"
)

// Match is the outcome of resolving one poll result.
type Match struct {
	UserID     string
	Confidence Confidence
	// AccountID is set for username matches.
	AccountID string
}

// Resolved reports whether a user was found.
func (m Match) Resolved() bool {
	return m.Confidence != MatchNone && m.UserID != ""
}

// Resolver resolves poll results against the directory.
type Resolver struct {
	dir    directory.Directory
	logger *zap.Logger
}

// NewResolver creates a resolver.
func NewResolver(dir directory.Directory, logger *zap.Logger) *Resolver {
	return &Resolver{dir: dir, logger: logger}
}

// Resolve tries the router username first, then the IP. An unresolved
// client is not an error; only directory failures are returned.
func (r *Resolver) Resolve(ctx context.Context, res platform.PollResult) (Match, error) {
	if res.RouterUsername != "" {
		acct, err := r.dir.GetAccountByVendorUsername(ctx, res.RouterUsername)
		switch {
		case err == nil && acct.AppUserID != "":
			return Match{UserID: acct.AppUserID, Confidence: MatchUsername, AccountID: acct.ID}, nil
		case err != nil && !errors.Is(err, directory.ErrNotFound):
			return Match{Confidence: MatchNone}, fmt.Errorf("lookup account %q: %w", res.RouterUsername, err)
		}
		r.logger.Debug("Router username has no account, falling back to IP",
			zap.String("router_username", res.RouterUsername),
			zap.String("router_id", res.RouterID),
		)
	}

	if res.IP != "" {
		dev, err := r.dir.FindDeviceByIP(ctx, res.IP)
		switch {
		case err == nil:
			return Match{UserID: dev.UserID, Confidence: MatchIP}, nil
		case !errors.Is(err, directory.ErrNotFound):
			return Match{Confidence: MatchNone}, fmt.Errorf("lookup device by ip %s: %w", res.IP, err)
		}
	}

	return Match{Confidence: MatchNone}, nil
}
