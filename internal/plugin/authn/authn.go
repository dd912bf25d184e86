// Package authn provides the authentication plugin stages. Importing it
// registers the "authn" provider with the default stage registry.
package authn

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/ChuLiYu/nearline-mover/internal/stage"
	"github.com/ChuLiYu/nearline-mover/internal/wire"
)

const (
	NameNone  = "authn:none"
	NameToken = "authn:token"

	// ProviderName is the name the provider registers under.
	ProviderName = "authn"
)

var (
	// ErrUnauthenticated closes a connection that sent work before login.
	ErrUnauthenticated = errors.New("authn: request before login")
	// ErrBadToken closes a connection that presented a wrong token.
	ErrBadToken = errors.New("authn: invalid token")
)

func init() {
	stage.Register(NewProvider())
}

// NewProvider returns the provider serving authn:none and authn:token.
func NewProvider() stage.Provider {
	return stage.NewProvider(ProviderName, 0, map[string]stage.Constructor{
		NameNone: func(stage.Options) (stage.Factory, error) {
			return stage.FactoryFunc(NameNone, func() (stage.Stage, error) {
				return &none{}, nil
			}), nil
		},
		NameToken: func(opts stage.Options) (stage.Factory, error) {
			token := opts.String("token", "")
			if token == "" {
				return nil, fmt.Errorf("%s: option token is required", NameToken)
			}
			principal := opts.String("principal", "token")
			return stage.FactoryFunc(NameToken, func() (stage.Stage, error) {
				return &tokenAuth{token: []byte(token), principal: principal}, nil
			}), nil
		},
	})
}

// none accepts every peer. It answers login so clients that always log in
// work against either stage.
type none struct{}

func (*none) Name() string { return NameNone }

func (*none) Handle(ctx context.Context, sess *stage.Session, req *wire.Request, next stage.Next) error {
	if req.Op != wire.OpLogin {
		return next(ctx, req)
	}
	sess.Authenticate("anonymous")
	sess.Logger.Debug("session authenticated", "principal", sess.Principal(), "stage", NameNone)
	return sess.Reply(wire.OK(req))
}

// tokenAuth requires a login carrying a shared secret before anything else.
type tokenAuth struct {
	token     []byte
	principal string
}

func (*tokenAuth) Name() string { return NameToken }

func (a *tokenAuth) Handle(ctx context.Context, sess *stage.Session, req *wire.Request, next stage.Next) error {
	if req.Op == wire.OpPing {
		return next(ctx, req)
	}
	if req.Op == wire.OpLogin {
		if subtle.ConstantTimeCompare([]byte(req.Token), a.token) != 1 {
			_ = sess.Reply(wire.Errorf(req, wire.CodeNotAuthorized, "invalid token"))
			return ErrBadToken
		}
		sess.Authenticate(a.principal)
		sess.Logger.Debug("session authenticated", "principal", a.principal, "stage", NameToken)
		return sess.Reply(wire.OK(req))
	}
	if !sess.Authenticated() {
		_ = sess.Reply(wire.Errorf(req, wire.CodeNotAuthorized, "login required"))
		return ErrUnauthenticated
	}
	return next(ctx, req)
}
