package user

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/techSaswata/StackLane/internal/room"
)

type Service struct {
	repo      *Repository
	jwtSecret string
}

type Claims struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
	jwt.RegisteredClaims
}

func NewService(repo *Repository, secret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username:  req.Username,
		Password:  string(hashedPwd),
		AvatarURL: req.AvatarURL,
	}

	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	return u, nil
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, err
	}

	ss, err := s.issueToken(u)
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: ss,
		ID:          u.ID,
		Username:    u.Username,
		AvatarURL:   u.AvatarURL,
	}, nil
}

func (s *Service) issueToken(u *User) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:        u.ID,
		Username:  u.Username,
		AvatarURL: u.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "stacklane",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	})
	return token.SignedString([]byte(s.jwtSecret))
}

// ValidateToken resolves a bearer token to the identity stamped onto every
// message and presence entry.
func (s *Service) ValidateToken(tokenString string) (room.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return room.Identity{}, err
	}
	if !token.Valid {
		return room.Identity{}, jwt.ErrTokenInvalidClaims
	}

	return room.Identity{
		ID:        claims.ID,
		Username:  claims.Username,
		AvatarURL: claims.AvatarURL,
	}, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	return s.repo.SearchUsers(ctx, query)
}
