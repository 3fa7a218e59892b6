package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"kwalert/internal/model"
)

// ErrResolve wraps every failure seen while resolving a channel.
var ErrResolve = errors.New("resolve channel")

// Directory is the part of the channel transport used for resolution.
type Directory interface {
	// LookupHandle resolves a public handle without joining it.
	LookupHandle(ctx context.Context, handle string) (model.Peer, error)
	// JoinHandle subscribes the account to a public channel.
	JoinHandle(ctx context.Context, handle string) error
	// ImportInvite joins through an invite token. Importing a token that
	// was already imported may fail; resolution continues regardless.
	ImportInvite(ctx context.Context, token string) error
	// CheckInvite returns the chat an invite token points to.
	CheckInvite(ctx context.Context, token string) (model.Peer, error)
}

// Resolver resolves channel identifiers against a Directory.
type Resolver struct {
	dir Directory
	log *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(dir Directory, log *slog.Logger) *Resolver {
	return &Resolver{dir: dir, log: log}
}

// Resolve turns identifier into a peer. It never fails: whatever could
// not be resolved is left empty and the problem is logged, so scanning
// can fall back to the raw identifier.
func (r *Resolver) Resolve(ctx context.Context, identifier string) Resolved {
	res := Resolved{Raw: strings.TrimSpace(identifier)}
	peer, err := r.resolve(ctx, res.Raw)
	res.Peer = peer
	if err != nil {
		r.log.Warn("resolve channel", "channel", res.Raw, "handle", peer.Handle, "address", peer.Address, "error", err)
	}
	return res
}

func (r *Resolver) resolve(ctx context.Context, id string) (model.Peer, error) {
	switch ShapeOf(id) {
	case ShapeNumeric:
		// Numeric references are only used for channels the account
		// already belongs to, so no join is attempted.
		addr, err := DecodeAddress(id)
		if err != nil {
			return model.Peer{}, fmt.Errorf("%w: %w", ErrResolve, err)
		}
		return model.Peer{Address: addr}, nil

	case ShapeInvite:
		token := strings.TrimPrefix(id, invitePrefix)
		importErr := r.dir.ImportInvite(ctx, token)
		if importErr != nil {
			r.log.Debug("import invite", "channel", id, "error", importErr)
		}
		peer, err := r.dir.CheckInvite(ctx, token)
		if err != nil {
			return model.Peer{}, fmt.Errorf("%w: check invite: %w", ErrResolve, err)
		}
		return peer, nil

	default:
		handle := ParseRef(id).Name
		if handle == "" {
			return model.Peer{}, fmt.Errorf("%w: empty handle", ErrResolve)
		}
		peer, err := r.dir.LookupHandle(ctx, handle)
		if err == nil {
			return withHandle(peer, handle), nil
		}
		r.log.Debug("lookup handle failed, joining", "channel", id, "error", err)

		if err := r.dir.JoinHandle(ctx, handle); err != nil {
			return model.Peer{}, fmt.Errorf("%w: join %s: %w", ErrResolve, handle, err)
		}
		peer, err = r.dir.LookupHandle(ctx, handle)
		if err != nil {
			return model.Peer{}, fmt.Errorf("%w: lookup %s after join: %w", ErrResolve, handle, err)
		}
		return withHandle(peer, handle), nil
	}
}

func withHandle(p model.Peer, handle string) model.Peer {
	if p.Handle == "" {
		p.Handle = handle
	}
	return p
}
