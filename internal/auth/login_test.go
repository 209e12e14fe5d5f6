package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/keybridge/internal/security/password"
	"github.com/dropDatabas3/keybridge/internal/store/core"
	"github.com/dropDatabas3/keybridge/internal/store/memory"
	"github.com/dropDatabas3/keybridge/internal/token"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newAuthService(t *testing.T) (*Service, *memory.Store, *fakeClock) {
	t.Helper()
	st := memory.New()
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	tokSvc := token.NewService(token.Deps{
		Users:     st.Users(),
		Secret:    []byte("test-secret"),
		Issuer:    "keybridge-test",
		AccessTTL: 15 * time.Minute,
		Now:       clk.Now,
	})
	svc := NewService(Deps{
		Users:        st.Users(),
		Tokens:       tokSvc,
		MaxAttempts:  5,
		LockDuration: 2 * time.Hour,
		Now:          clk.Now,
	})
	return svc, st, clk
}

func register(t *testing.T, svc *Service) *core.User {
	t.Helper()
	u, err := svc.Register(context.Background(), RegisterInput{
		Email:    "Ada@Example.com",
		Password: "hunter2hunter2",
		Name:     "Ada",
	})
	require.NoError(t, err)
	return u
}

func TestRegister_NormalizesEmailAndHashesPassword(t *testing.T) {
	t.Parallel()
	svc, st, _ := newAuthService(t)
	u := register(t, svc)

	require.Equal(t, "ada@example.com", u.Email)

	stored, err := st.Users().GetByEmail(context.Background(), "ADA@EXAMPLE.COM")
	require.NoError(t, err)
	require.NotNil(t, stored.PasswordHash)
	require.NotEqual(t, "hunter2hunter2", *stored.PasswordHash)

	// Email duplicado (case-insensitive) rechazado.
	_, err = svc.Register(context.Background(), RegisterInput{
		Email: "ada@example.com", Password: "hunter2hunter2",
	})
	require.ErrorIs(t, err, ErrEmailTaken)
}

func TestLogin_HappyPathAndRefreshRotation(t *testing.T) {
	// Escenario end-to-end: registro -> login -> refresh -> replay rechazado.
	t.Parallel()
	svc, _, _ := newAuthService(t)
	register(t, svc)
	ctx := context.Background()

	res, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "hunter2hunter2"},
		token.RequestContext{ClientIP: "10.1.1.1"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Pair.AccessToken)
	require.NotEmpty(t, res.Pair.RefreshToken)

	next, err := svc.deps.Tokens.Rotate(ctx, res.Pair.RefreshToken, token.RequestContext{})
	require.NoError(t, err)
	require.NotEqual(t, res.Pair.RefreshToken, next.RefreshToken)

	// Replay del refresh viejo: reuso detectado.
	_, err = svc.deps.Tokens.Rotate(ctx, res.Pair.RefreshToken, token.RequestContext{})
	require.ErrorIs(t, err, token.ErrRefreshReuse)

	// El nuevo refresh también murió en el wipe.
	_, err = svc.deps.Tokens.Rotate(ctx, next.RefreshToken, token.RequestContext{})
	require.ErrorIs(t, err, token.ErrRefreshReuse)
}

func TestLogin_WrongPasswordIsGeneric(t *testing.T) {
	t.Parallel()
	svc, _, _ := newAuthService(t)
	register(t, svc)
	ctx := context.Background()

	_, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "wrongpass1"}, token.RequestContext{})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// Usuario inexistente: mismo error.
	_, err = svc.Login(ctx, LoginInput{Email: "nobody@example.com", Password: "whatever1"}, token.RequestContext{})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// Campos faltantes: mismo error.
	_, err = svc.Login(ctx, LoginInput{Email: "", Password: ""}, token.RequestContext{})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_LockoutStateMachine(t *testing.T) {
	t.Parallel()
	svc, st, clk := newAuthService(t)
	u := register(t, svc)
	ctx := context.Background()

	// Cinco fallos consecutivos => locked.
	for i := 0; i < 5; i++ {
		_, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "wrongpass1"}, token.RequestContext{})
		require.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i+1)
	}
	stored, _ := st.Users().GetByID(ctx, u.ID)
	require.NotNil(t, stored.LockUntil)
	require.True(t, stored.LockUntil.After(clk.Now()))

	// Sexto intento, incluso con el password CORRECTO: ErrAccountLocked.
	// El lockout es autoritativo y no filtra la corrección del password.
	_, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "hunter2hunter2"}, token.RequestContext{})
	require.ErrorIs(t, err, ErrAccountLocked)

	// Un intento durante el lockout no consume otro intento fallido.
	after, _ := st.Users().GetByID(ctx, u.ID)
	require.Equal(t, stored.LoginAttempts, after.LoginAttempts)

	// El lock expira solo: pasadas las 2h se evalúa normal.
	clk.Advance(2*time.Hour + time.Minute)
	res, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "hunter2hunter2"}, token.RequestContext{})
	require.NoError(t, err)
	require.NotNil(t, res.Pair)

	// Y el contador quedó en cero.
	final, _ := st.Users().GetByID(ctx, u.ID)
	require.Zero(t, final.LoginAttempts)
	require.Nil(t, final.LockUntil)
}

func TestLogin_LockedAccountSkipsComparison(t *testing.T) {
	// Con lockout vigente el password ni se compara: el rechazo sale antes.
	t.Parallel()
	st := memory.New()
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	tokSvc := token.NewService(token.Deps{
		Users:     st.Users(),
		Secret:    []byte("test-secret"),
		Issuer:    "keybridge-test",
		AccessTTL: 15 * time.Minute,
		Now:       clk.Now,
	})
	var compares int
	svc := NewService(Deps{
		Users:        st.Users(),
		Tokens:       tokSvc,
		MaxAttempts:  5,
		LockDuration: 2 * time.Hour,
		Now:          clk.Now,
		Verify: func(plain, hash string) bool {
			compares++
			return password.Verify(plain, hash)
		},
	})
	register(t, svc)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "wrongpass1"}, token.RequestContext{})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	require.Equal(t, 5, compares)

	// Cuenta bloqueada, password CORRECTO: cero comparaciones nuevas.
	_, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "hunter2hunter2"}, token.RequestContext{})
	require.ErrorIs(t, err, ErrAccountLocked)
	require.Equal(t, 5, compares)

	// Lock vencido: la comparación vuelve a ejecutarse.
	clk.Advance(2*time.Hour + time.Minute)
	_, err = svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "hunter2hunter2"}, token.RequestContext{})
	require.NoError(t, err)
	require.Equal(t, 6, compares)
}

func TestLogin_SuccessResetsAttempts(t *testing.T) {
	t.Parallel()
	svc, st, _ := newAuthService(t)
	u := register(t, svc)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "wrongpass1"}, token.RequestContext{})
	}
	_, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "hunter2hunter2"}, token.RequestContext{})
	require.NoError(t, err)

	stored, _ := st.Users().GetByID(ctx, u.ID)
	require.Zero(t, stored.LoginAttempts)
}

func TestLogin_DeactivatedAccount(t *testing.T) {
	t.Parallel()
	svc, _, _ := newAuthService(t)
	u := register(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.Deactivate(ctx, u.ID))

	_, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "hunter2hunter2"}, token.RequestContext{})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestChangePassword_RevokesAllSessions(t *testing.T) {
	t.Parallel()
	svc, _, _ := newAuthService(t)
	u := register(t, svc)
	ctx := context.Background()

	res, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "hunter2hunter2"}, token.RequestContext{})
	require.NoError(t, err)

	require.NoError(t, svc.ChangePassword(ctx, u.ID, "hunter2hunter2", "newpass123new"))

	// El access token viejo quedó invalidado por el bump de tokenVersion.
	_, err = svc.deps.Tokens.Authenticate(ctx, res.Pair.AccessToken)
	require.ErrorIs(t, err, token.ErrTokenRevoked)

	// Y el refresh viejo fue barrido de la lista: replay => reuso.
	_, err = svc.deps.Tokens.Rotate(ctx, res.Pair.RefreshToken, token.RequestContext{})
	require.ErrorIs(t, err, token.ErrRefreshReuse)

	// Login con el password nuevo funciona.
	_, err = svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "newpass123new"}, token.RequestContext{})
	require.NoError(t, err)
}

func TestPasswordResetFlow(t *testing.T) {
	t.Parallel()
	svc, st, _ := newAuthService(t)
	u := register(t, svc)
	ctx := context.Background()

	// El token crudo viaja por mail; acá lo generamos directo.
	raw, err := svc.deps.Tokens.CreateVerificationToken(ctx, u.ID, core.VerificationReset)
	require.NoError(t, err)

	require.NoError(t, svc.ResetPassword(ctx, raw, "resetpass99x"))

	// Single-use.
	err = svc.ResetPassword(ctx, raw, "otherpass99x")
	require.ErrorIs(t, err, ErrTokenInvalid)

	_, err = svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "resetpass99x"}, token.RequestContext{})
	require.NoError(t, err)

	_ = st // el store queda disponible para asserts adicionales
}

func TestConfirmEmail(t *testing.T) {
	t.Parallel()
	svc, st, _ := newAuthService(t)
	u := register(t, svc)
	ctx := context.Background()

	raw, err := svc.deps.Tokens.CreateVerificationToken(ctx, u.ID, core.VerificationEmail)
	require.NoError(t, err)

	require.NoError(t, svc.ConfirmEmail(ctx, raw))

	stored, _ := st.Users().GetByID(ctx, u.ID)
	require.True(t, stored.IsEmailVerified)

	// Token trucho.
	err = svc.ConfirmEmail(ctx, "forged-token")
	require.True(t, errors.Is(err, ErrTokenInvalid))
}
