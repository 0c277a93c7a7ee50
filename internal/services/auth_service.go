package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wa_broadcast/internal/errs"
	"wa_broadcast/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// TokenTTL is the lifetime of issued tokens.
const TokenTTL = 24 * time.Hour

type AuthService struct {
	db     *gorm.DB
	secret []byte
}

type JWTClaims struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func NewAuthService(db *gorm.DB, secret string) *AuthService {
	return &AuthService{db: db, secret: []byte(secret)}
}

// Register creates a new user account
func (as *AuthService) Register(ctx context.Context, req models.UserRegister) (*models.UserResponse, error) {
	db := as.db.WithContext(ctx)
	email := strings.ToLower(strings.TrimSpace(req.Email))

	// Check if email already exists
	var existing models.User
	if err := db.Where("email = ?", email).First(&existing).Error; err == nil {
		return nil, fmt.Errorf("%w: email already registered", errs.ErrConflict)
	}

	// Check if username already exists
	if err := db.Where("username = ?", req.Username).First(&existing).Error; err == nil {
		return nil, fmt.Errorf("%w: username already taken", errs.ErrConflict)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := models.User{
		Username:     req.Username,
		Email:        email,
		PasswordHash: string(hashed),
		Role:         "user",
		IsActive:     true,
	}
	if err := db.Create(&user).Error; err != nil {
		return nil, err
	}
	return toResponse(user), nil
}

// Login authenticates user and returns JWT token
func (as *AuthService) Login(ctx context.Context, req models.UserLogin) (string, *models.UserResponse, error) {
	var user models.User
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if err := as.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		return "", nil, fmt.Errorf("%w: invalid email or password", errs.ErrUnauthorized)
	}

	if !user.IsActive {
		return "", nil, fmt.Errorf("%w: account is deactivated", errs.ErrForbidden)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return "", nil, fmt.Errorf("%w: invalid email or password", errs.ErrUnauthorized)
	}

	token, err := as.generateJWT(user)
	if err != nil {
		return "", nil, err
	}
	return token, toResponse(user), nil
}

// generateJWT creates a JWT token for the user
func (as *AuthService) generateJWT(user models.User) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(as.secret)
}

// ValidateToken validates JWT token and returns user claims
func (as *AuthService) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return as.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
}

// GetUserByID retrieves user by ID
func (as *AuthService) GetUserByID(ctx context.Context, userID uint) (*models.UserResponse, error) {
	var user models.User
	if err := as.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return toResponse(user), nil
}

func toResponse(user models.User) *models.UserResponse {
	return &models.UserResponse{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
	}
}
