package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/agentbazaar/backend/internal/chain"
	"github.com/agentbazaar/backend/internal/models"
	"github.com/agentbazaar/backend/internal/repository"
)

const (
	DefaultTokenTTL = 24 * time.Hour
	// MaxClockSkew bounds how old or early a signed login message may be.
	MaxClockSkew = 5 * time.Minute
	loginPrefix  = "agentbazaar login"
)

var (
	ErrInvalidSignature = errors.New("invalid wallet signature")
	ErrStaleLogin       = errors.New("login message timestamp out of range")
	ErrInvalidToken     = errors.New("invalid token")
)

// Session is the identity carried by a wallet token.
type Session struct {
	Wallet  string
	AgentID *uuid.UUID
}

type Service interface {
	Login(ctx context.Context, wallet string, timestamp int64, signature string) (string, time.Time, error)
	ValidateToken(ctx context.Context, token string) (*Session, error)
}

// AgentFinder maps a wallet to the agent it owns, if any.
type AgentFinder interface {
	FindByOwnerWallet(ctx context.Context, wallet string) (*models.Agent, error)
}

type service struct {
	agents AgentFinder
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(agents AgentFinder, secret string, ttl time.Duration) *service {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &service{agents: agents, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	AgentID string `json:"agent_id,omitempty"`
}

// LoginMessage is the exact text a wallet signs to log in.
func LoginMessage(wallet string, timestamp int64) string {
	return loginPrefix + " " + wallet + " " + strconv.FormatInt(timestamp, 10)
}

// ParseLoginMessage splits a signed login message into wallet and timestamp.
func ParseLoginMessage(msg string) (string, int64, error) {
	rest, ok := strings.CutPrefix(msg, loginPrefix+" ")
	if !ok {
		return "", 0, fmt.Errorf("%w: unexpected message", ErrInvalidSignature)
	}
	wallet, ts, ok := strings.Cut(rest, " ")
	if !ok {
		return "", 0, fmt.Errorf("%w: unexpected message", ErrInvalidSignature)
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	return wallet, n, nil
}

func (s *service) Login(ctx context.Context, wallet string, timestamp int64, signature string) (string, time.Time, error) {
	now := s.now()
	if d := now.Sub(time.Unix(timestamp, 0)); d > MaxClockSkew || d < -MaxClockSkew {
		return "", time.Time{}, ErrStaleLogin
	}
	if err := chain.VerifyMessage(wallet, LoginMessage(wallet, timestamp), signature); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var agentID *uuid.UUID
	if s.agents != nil {
		ag, err := s.agents.FindByOwnerWallet(ctx, wallet)
		switch {
		case err == nil:
			agentID = &ag.ID
		case !errors.Is(err, repository.ErrNotFound):
			return "", time.Time{}, fmt.Errorf("find agent: %w", err)
		}
	}
	return s.issueToken(wallet, agentID, now)
}

func (s *service) issueToken(wallet string, agentID *uuid.UUID, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.ttl)
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   wallet,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	if agentID != nil {
		c.AgentID = agentID.String()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(s.secret)
	return signed, exp, err
}

func (s *service) ValidateToken(ctx context.Context, token string) (*Session, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || c.Subject == "" {
		return nil, ErrInvalidToken
	}
	sess := &Session{Wallet: c.Subject}
	if c.AgentID != "" {
		id, err := uuid.Parse(c.AgentID)
		if err != nil {
			return nil, ErrInvalidToken
		}
		sess.AgentID = &id
	}
	return sess, nil
}
