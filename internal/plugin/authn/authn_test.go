package authn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/nearline-mover/internal/stage"
	"github.com/ChuLiYu/nearline-mover/internal/wire"
)

type capture struct {
	resps []*wire.Response
}

func (c *capture) WriteResponse(resp *wire.Response) error {
	c.resps = append(c.resps, resp)
	return nil
}

// newSession returns a session whose replies are captured.
func newSession(t *testing.T) (*stage.Session, *capture) {
	t.Helper()
	c := &capture{}
	sess := stage.NewSession("s", nil, nil)
	sess.SetWriter(c)
	return sess, c
}

func newStage(t *testing.T, name string, opts stage.Options) stage.InboundStage {
	t.Helper()
	f, err := NewProvider().NewFactory(name, opts)
	require.NoError(t, err)
	require.NotNil(t, f)
	s, err := f.NewStage()
	require.NoError(t, err)
	return s.(stage.InboundStage)
}

func passThrough(called *bool) stage.Next {
	return func(context.Context, *wire.Request) error {
		*called = true
		return nil
	}
}

func TestRegisteredWithDefault(t *testing.T) {
	res, err := stage.Default.Resolve(NameNone, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderName, res.Provider)
}

func TestProviderAbsentName(t *testing.T) {
	f, err := NewProvider().NewFactory("authn:kerberos", nil)
	assert.NoError(t, err)
	assert.Nil(t, f)
}

func TestNoneAuthenticatesOnLogin(t *testing.T) {
	s := newStage(t, NameNone, nil)
	sess, c := newSession(t)

	var called bool
	require.NoError(t, s.Handle(context.Background(), sess, &wire.Request{Stream: 1, Op: wire.OpLogin}, passThrough(&called)))
	assert.False(t, called)
	assert.True(t, sess.Authenticated())
	require.Len(t, c.resps, 1)
	assert.Equal(t, wire.StatusOK, c.resps[0].Status)

	require.NoError(t, s.Handle(context.Background(), sess, &wire.Request{Stream: 2, Op: wire.OpOpen}, passThrough(&called)))
	assert.True(t, called)
}

func TestNoneDoesNotRequireLogin(t *testing.T) {
	s := newStage(t, NameNone, nil)
	sess, _ := newSession(t)

	var called bool
	require.NoError(t, s.Handle(context.Background(), sess, &wire.Request{Op: wire.OpOpen}, passThrough(&called)))
	assert.True(t, called)
}

func TestTokenRequiresOption(t *testing.T) {
	_, err := NewProvider().NewFactory(NameToken, nil)
	assert.Error(t, err)
}

func TestTokenLogin(t *testing.T) {
	s := newStage(t, NameToken, stage.Options{"token": "s3cret", "principal": "cta"})
	sess, c := newSession(t)

	var called bool
	require.NoError(t, s.Handle(context.Background(), sess, &wire.Request{Op: wire.OpLogin, Token: "s3cret"}, passThrough(&called)))
	assert.True(t, sess.Authenticated())
	assert.Equal(t, "cta", sess.Principal())
	assert.Equal(t, wire.StatusOK, c.resps[0].Status)

	require.NoError(t, s.Handle(context.Background(), sess, &wire.Request{Op: wire.OpRead}, passThrough(&called)))
	assert.True(t, called)
}

func TestTokenWrongToken(t *testing.T) {
	s := newStage(t, NameToken, stage.Options{"token": "s3cret"})
	sess, c := newSession(t)

	err := s.Handle(context.Background(), sess, &wire.Request{Op: wire.OpLogin, Token: "guess"}, passThrough(new(bool)))
	assert.ErrorIs(t, err, ErrBadToken)
	assert.False(t, sess.Authenticated())
	require.Len(t, c.resps, 1)
	assert.Equal(t, wire.CodeNotAuthorized, c.resps[0].Code)
}

func TestTokenRequestBeforeLogin(t *testing.T) {
	s := newStage(t, NameToken, stage.Options{"token": "s3cret"})
	sess, c := newSession(t)

	var called bool
	require.NoError(t, s.Handle(context.Background(), sess, &wire.Request{Op: wire.OpPing}, passThrough(&called)))
	assert.True(t, called, "ping is allowed before login")

	called = false
	err := s.Handle(context.Background(), sess, &wire.Request{Op: wire.OpOpen, TransferID: "abc123"}, passThrough(&called))
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.False(t, called)
	require.Len(t, c.resps, 1)
	assert.Equal(t, wire.CodeNotAuthorized, c.resps[0].Code)
}

func TestTokenInstancesAreFresh(t *testing.T) {
	f, err := NewProvider().NewFactory(NameToken, stage.Options{"token": "x"})
	require.NoError(t, err)
	a, _ := f.NewStage()
	b, _ := f.NewStage()
	assert.NotSame(t, a, b)
}
