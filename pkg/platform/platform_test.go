package platform

import (
	"context"
	"errors"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSession struct {
	closed int
}

func (s *stubSession) ListActiveClients(ctx context.Context) ([]PollResult, error) {
	return []PollResult{}, nil
}

func (s *stubSession) CreateBoundAccount(ctx context.Context, req AccountRequest) (Credentials, error) {
	return Credentials{Username: req.Username, Password: req.Password}, nil
}

func (s *stubSession) Close() error {
	s.closed++
	return nil
}

type stubClient struct {
	id         string
	platform   Platform
	session    *stubSession
	connectErr error
}

func (c *stubClient) Platform() Platform { return c.platform }
func (c *stubClient) RouterID() string   { return c.id }

func (c *stubClient) Connect(ctx context.Context) (Session, error) {
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	return c.session, nil
}

func TestWithSession_ClosesOnEveryPath(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		c := &stubClient{id: "r1", platform: PlatformMikroTik, session: &stubSession{}}
		err := WithSession(context.Background(), c, func(Session) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, 1, c.session.closed)
	})

	t.Run("fn error", func(t *testing.T) {
		c := &stubClient{id: "r1", platform: PlatformMikroTik, session: &stubSession{}}
		boom := errors.New("boom")
		err := WithSession(context.Background(), c, func(Session) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, c.session.closed)
	})

	t.Run("panic", func(t *testing.T) {
		c := &stubClient{id: "r1", platform: PlatformMikroTik, session: &stubSession{}}
		assert.Panics(t, func() {
			_ = WithSession(context.Background(), c, func(Session) error { panic("bad") })
		})
		assert.Equal(t, 1, c.session.closed)
	})

	t.Run("connect error", func(t *testing.T) {
		connErr := ConnectError(PlatformOpenWrt, "r2", errors.New("refused"))
		c := &stubClient{id: "r2", platform: PlatformOpenWrt, connectErr: connErr}
		called := false
		err := WithSession(context.Background(), c, func(Session) error {
			called = true
			return nil
		})
		assert.False(t, called)
		assert.ErrorIs(t, err, ErrConnect)
	})
}

func TestError_Is(t *testing.T) {
	cause := errors.New("i/o timeout")
	err := CommandError(PlatformMikroTik, "lobby", "list active", cause)

	assert.ErrorIs(t, err, ErrCommand)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrConnect)
	assert.True(t, IsTransient(err))
	assert.Equal(t, "mikrotik router lobby: list active: vendor command failed: i/o timeout", err.Error())

	var vErr *Error
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, PlatformMikroTik, vErr.Platform)
}

func TestParsePlatform(t *testing.T) {
	for _, p := range KnownPlatforms {
		got, err := ParsePlatform(string(p))
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := ParsePlatform("cisco")
	assert.ErrorIs(t, err, ErrUnsupportedVendor)
	assert.False(t, IsTransient(err))
}

func TestGeneratePassword(t *testing.T) {
	for _, n := range []int{0, 4, 8, 16} {
		pw, err := GeneratePassword(n)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(pw), MinPasswordLength)
		for _, r := range pw {
			assert.True(t, unicode.IsLetter(r) || unicode.IsDigit(r), "unexpected rune %q", r)
		}
	}

	a, _ := GeneratePassword(12)
	b, _ := GeneratePassword(12)
	assert.NotEqual(t, a, b)

	pw, err := PasswordOrGenerate("given-secret")
	require.NoError(t, err)
	assert.Equal(t, "given-secret", pw)
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry()
	reg.Register(PlatformMikroTik, func(cfg RouterConfig, logger *zap.Logger) (Client, error) {
		return &stubClient{id: cfg.ID, platform: cfg.Platform, session: &stubSession{}}, nil
	})

	assert.True(t, reg.Supports(PlatformMikroTik))
	assert.False(t, reg.Supports(PlatformUniFi))

	c, err := reg.Build(RouterConfig{ID: "lobby", Platform: PlatformMikroTik}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "lobby", c.RouterID())

	_, err = reg.Build(RouterConfig{ID: "ctrl", Platform: PlatformUniFi}, zap.NewNop())
	assert.ErrorIs(t, err, ErrUnsupportedVendor)

	_, err = reg.Build(RouterConfig{Platform: PlatformMikroTik}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewFleet(t *testing.T) {
	reg := NewRegistry()
	reg.Register(PlatformMikroTik, func(cfg RouterConfig, logger *zap.Logger) (Client, error) {
		return &stubClient{id: cfg.ID, platform: cfg.Platform}, nil
	})
	reg.Register(PlatformOpenWrt, func(cfg RouterConfig, logger *zap.Logger) (Client, error) {
		return &stubClient{id: cfg.ID, platform: cfg.Platform}, nil
	})

	fleet, err := NewFleet(reg, []RouterConfig{
		{ID: "b", Platform: PlatformOpenWrt},
		{ID: "a", Platform: PlatformMikroTik},
		{ID: "c", Platform: PlatformMikroTik},
	}, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, fleet.RouterIDs())
	assert.Len(t, fleet.Clients(), 3)
	assert.Equal(t, "b", fleet.Clients()[0].RouterID())

	mt := fleet.ByPlatform(PlatformMikroTik)
	require.Len(t, mt, 2)
	assert.Equal(t, "a", mt[0].RouterID())
	assert.Empty(t, fleet.ByPlatform(PlatformUniFi))

	_, ok := fleet.Get("c")
	assert.True(t, ok)

	_, err = NewFleet(reg, []RouterConfig{
		{ID: "a", Platform: PlatformMikroTik},
		{ID: "a", Platform: PlatformOpenWrt},
	}, zap.NewNop())
	assert.Error(t, err)
}
