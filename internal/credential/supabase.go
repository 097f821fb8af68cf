package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/supabase-community/supabase-go"
)

// SupabaseConfig holds the email/password sign-in settings.
type SupabaseConfig struct {
	URL      string
	AnonKey  string
	Email    string
	Password string
}

// signInFunc returns an access token, the user id and the token expiry.
type signInFunc func(ctx context.Context) (Credential, error)

// Supabase signs in with email and password and caches the session until it
// nears expiry, then signs in again.
type Supabase struct {
	signIn signInFunc
	now    func() time.Time
	skew   time.Duration

	mu     sync.Mutex
	cached Credential
}

// NewSupabase builds a source backed by supabase-go auth.
func NewSupabase(cfg SupabaseConfig) (*Supabase, error) {
	if cfg.URL == "" || cfg.AnonKey == "" {
		return nil, fmt.Errorf("supabase: url and anon key required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.AnonKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("supabase: new client: %w", err)
	}
	signIn := func(ctx context.Context) (Credential, error) {
		session, err := client.SignInWithEmailPassword(cfg.Email, cfg.Password)
		if err != nil {
			return Credential{}, fmt.Errorf("supabase: sign in: %w", err)
		}
		c := Credential{Token: session.AccessToken, UserID: fmt.Sprint(session.User.ID)}
		if session.ExpiresAt > 0 {
			c.Expiry = time.Unix(session.ExpiresAt, 0)
		} else if exp, ok := Expiry(session.AccessToken); ok {
			c.Expiry = exp
		}
		return c, nil
	}
	return newSupabase(signIn), nil
}

func newSupabase(signIn signInFunc) *Supabase {
	return &Supabase{signIn: signIn, now: time.Now, skew: 30 * time.Second}
}

func (s *Supabase) Credential(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached.Token != "" && s.cached.Check(s.now().Add(s.skew)) == nil {
		return s.cached, nil
	}
	c, err := s.signIn(ctx)
	if err != nil {
		log.Error().Err(err).Msg("credential: supabase sign-in failed")
		return Credential{}, fmt.Errorf("%w: %v", ErrMissing, err)
	}
	s.cached = c
	log.Info().Str("user", c.UserID).Str("token", Preview(c.Token)).Time("expires", c.Expiry).Msg("credential: signed in")
	return c, nil
}

// Forget drops the cached session, e.g. on logout.
func (s *Supabase) Forget() {
	s.mu.Lock()
	s.cached = Credential{}
	s.mu.Unlock()
}
