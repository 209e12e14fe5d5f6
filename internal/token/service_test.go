package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dropDatabas3/keybridge/internal/store/core"
	"github.com/dropDatabas3/keybridge/internal/store/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestService(t *testing.T) (*Service, *memory.Store, *fakeClock) {
	t.Helper()
	st := memory.New()
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(Deps{
		Users:      st.Users(),
		Secret:     []byte("test-signing-secret"),
		Issuer:     "keybridge-test",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 14 * 24 * time.Hour,
		Now:        clk.Now,
	})
	return svc, st, clk
}

func seedUser(t *testing.T, st *memory.Store) *core.User {
	t.Helper()
	u := &core.User{Email: "ada@example.com", Name: "Ada", Role: core.RoleUser, IsActive: true}
	if err := st.Users().Create(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func TestIssuePair_AndAuthenticate(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	u := seedUser(t, st)
	ctx := context.Background()

	pair, err := svc.IssuePair(ctx, u, RequestContext{ClientIP: "10.0.0.1", UserAgent: "test"})
	if err != nil {
		t.Fatalf("IssuePair err: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("empty tokens in pair")
	}

	got, err := svc.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate err: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("authenticated wrong user: %s", got.ID)
	}

	// El refresh token quedó persistido (hasheado) con metadata de auditoría.
	stored, _ := st.Users().GetByID(ctx, u.ID)
	if len(stored.RefreshTokens) != 1 {
		t.Fatalf("expected 1 stored refresh token, got %d", len(stored.RefreshTokens))
	}
	if stored.RefreshTokens[0].TokenHash == pair.RefreshToken {
		t.Fatalf("refresh token stored raw, expected hash")
	}
	if stored.RefreshTokens[0].ClientIP != "10.0.0.1" {
		t.Fatalf("audit IP not recorded")
	}
}

func TestAuthenticate_RejectsStaleTokenVersion(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	u := seedUser(t, st)
	ctx := context.Background()

	access, _, err := svc.IssueAccessToken(u)
	if err != nil {
		t.Fatal(err)
	}
	// Firma y expiración siguen válidas, pero la versión quedó atrás.
	if _, err := st.Users().BumpTokenVersion(ctx, u.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Authenticate(ctx, access); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
}

func TestVerifyAccess_ExpiredVsInvalid(t *testing.T) {
	t.Parallel()
	svc, st, clk := newTestService(t)
	u := seedUser(t, st)

	access, _, err := svc.IssueAccessToken(u)
	if err != nil {
		t.Fatal(err)
	}

	clk.Advance(16 * time.Minute)
	if _, err := svc.VerifyAccess(access); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if _, err := svc.VerifyAccess("not.a.jwt"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
	// Un refresh token no pasa como access.
	refresh, err := svc.IssueRefreshToken(context.Background(), u, RequestContext{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.VerifyAccess(refresh); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("refresh token accepted as access: %v", err)
	}
}

func TestRotate_SingleUse(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	u := seedUser(t, st)
	ctx := context.Background()

	pair, err := svc.IssuePair(ctx, u, RequestContext{})
	if err != nil {
		t.Fatal(err)
	}

	next, err := svc.Rotate(ctx, pair.RefreshToken, RequestContext{})
	if err != nil {
		t.Fatalf("Rotate err: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatalf("rotation returned the same refresh token")
	}

	// Sigue habiendo exactamente un token almacenado (el nuevo).
	stored, _ := st.Users().GetByID(ctx, u.ID)
	if len(stored.RefreshTokens) != 1 {
		t.Fatalf("expected 1 refresh token after rotation, got %d", len(stored.RefreshTokens))
	}
}

func TestRotate_ReuseDetectionWipesSessions(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	u := seedUser(t, st)
	ctx := context.Background()

	pair, err := svc.IssuePair(ctx, u, RequestContext{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Rotate(ctx, pair.RefreshToken, RequestContext{}); err != nil {
		t.Fatal(err)
	}

	before, _ := st.Users().GetByID(ctx, u.ID)

	// Replay del token ya rotado: firma válida pero ausente de la lista.
	_, err = svc.Rotate(ctx, pair.RefreshToken, RequestContext{})
	if !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse, got %v", err)
	}

	after, _ := st.Users().GetByID(ctx, u.ID)
	if len(after.RefreshTokens) != 0 {
		t.Fatalf("expected zero refresh tokens after reuse, got %d", len(after.RefreshTokens))
	}
	if after.TokenVersion <= before.TokenVersion {
		t.Fatalf("tokenVersion not bumped after reuse: before=%d after=%d",
			before.TokenVersion, after.TokenVersion)
	}
}

func TestIssueRefreshToken_BoundedListFIFO(t *testing.T) {
	t.Parallel()
	svc, st, clk := newTestService(t)
	u := seedUser(t, st)
	ctx := context.Background()

	var first string
	for i := 0; i < core.MaxRefreshTokens+3; i++ {
		clk.Advance(time.Second) // iat distinto => token distinto
		tok, err := svc.IssueRefreshToken(ctx, u, RequestContext{})
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = tok
		}
	}

	stored, _ := st.Users().GetByID(ctx, u.ID)
	if len(stored.RefreshTokens) != core.MaxRefreshTokens {
		t.Fatalf("expected cap of %d, got %d", core.MaxRefreshTokens, len(stored.RefreshTokens))
	}

	// El más viejo fue evictado: su replay dispara la detección de reuso.
	if _, err := svc.Rotate(ctx, first, RequestContext{}); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse for evicted token, got %v", err)
	}
}

func TestRevokeAll(t *testing.T) {
	t.Parallel()
	svc, st, clk := newTestService(t)
	u := seedUser(t, st)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		clk.Advance(time.Second)
		if _, err := svc.IssueRefreshToken(ctx, u, RequestContext{}); err != nil {
			t.Fatal(err)
		}
	}
	access, _, _ := svc.IssueAccessToken(u)

	if err := svc.RevokeAll(ctx, u.ID); err != nil {
		t.Fatalf("RevokeAll err: %v", err)
	}

	stored, _ := st.Users().GetByID(ctx, u.ID)
	if len(stored.RefreshTokens) != 0 {
		t.Fatalf("refresh tokens not cleared")
	}
	// Los access tokens en vuelo también mueren (versión bumpeada).
	if _, err := svc.Authenticate(ctx, access); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked after RevokeAll, got %v", err)
	}
}

func TestVerificationTokens_OneWayLifecycle(t *testing.T) {
	t.Parallel()
	svc, st, clk := newTestService(t)
	u := seedUser(t, st)
	ctx := context.Background()

	raw, err := svc.CreateVerificationToken(ctx, u.ID, core.VerificationEmail)
	if err != nil {
		t.Fatalf("CreateVerificationToken err: %v", err)
	}

	// Solo el hash queda persistido.
	stored, _ := st.Users().GetByID(ctx, u.ID)
	if stored.VerifyTokenHash == nil || *stored.VerifyTokenHash == raw {
		t.Fatalf("raw verification token persisted, expected one-way hash")
	}

	got, err := svc.ConsumeVerificationToken(ctx, core.VerificationEmail, raw)
	if err != nil {
		t.Fatalf("ConsumeVerificationToken err: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("consumed token resolved wrong user")
	}

	// Single-use: el segundo consumo falla.
	if _, err := svc.ConsumeVerificationToken(ctx, core.VerificationEmail, raw); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second consume, got %v", err)
	}

	// Expiración: reset token vencido no se consume.
	rawReset, err := svc.CreateVerificationToken(ctx, u.ID, core.VerificationReset)
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Hour)
	if _, err := svc.ConsumeVerificationToken(ctx, core.VerificationReset, rawReset); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired token, got %v", err)
	}
}
