package handlers

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/config"
)

const (
	AdminRole        = "admin"
	adminTokenIssuer = "uxwallet-admin"
)

// AdminJWTClaims 管理员 JWT Claims
type AdminJWTClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// AdminTokens issues and validates HS256 admin tokens.
type AdminTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAdminTokens(secret string, ttl time.Duration) *AdminTokens {
	return &AdminTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue 生成管理员 JWT token
func (t *AdminTokens) Issue(username string) (string, time.Time, error) {
	if len(t.secret) == 0 {
		return "", time.Time{}, errors.New("admin JWT secret is not configured")
	}
	now := t.now()
	expiresAt := now.Add(t.ttl)
	claims := AdminJWTClaims{
		Username: username,
		Role:     AdminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    adminTokenIssuer,
			Subject:   username,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate 验证管理员 JWT token
func (t *AdminTokens) Validate(tokenString string) (*AdminJWTClaims, error) {
	if len(t.secret) == 0 {
		return nil, errors.New("admin JWT secret is not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &AdminJWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithIssuer(adminTokenIssuer), jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*AdminJWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// GenerateTOTPKey creates a new admin TOTP enrollment.
func GenerateTOTPKey(account string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      "UXWallet Admin",
		AccountName: account,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
}

// AdminAuthHandler 管理员认证处理器
type AdminAuthHandler struct {
	cfg    config.AdminConfig
	tokens *AdminTokens
	log    logrus.FieldLogger
}

// AdminLoginRequest 管理员登录请求
type AdminLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	TOTPCode string `json:"totpCode" binding:"required"`
}

// NewAdminAuthHandler 创建管理员认证处理器
func NewAdminAuthHandler(cfg config.AdminConfig, tokens *AdminTokens, log logrus.FieldLogger) *AdminAuthHandler {
	if cfg.PasswordHash == "" || cfg.TOTPSecret == "" || cfg.JWTSecret == "" {
		log.Warn("⚠️ Admin credentials are incomplete; admin login will be rejected")
	}
	return &AdminAuthHandler{cfg: cfg, tokens: tokens, log: log}
}

// AdminLoginHandler POST /api/admin/login
func (h *AdminAuthHandler) AdminLoginHandler(c *gin.Context) {
	if h.cfg.PasswordHash == "" || h.cfg.TOTPSecret == "" {
		RespondError(c, apperr.AuthFailed("Admin login is not configured"))
		return
	}

	var req AdminLoginRequest
	if err := bindJSON(c, &req); err != nil {
		RespondError(c, err)
		return
	}

	if req.Username != h.cfg.Username ||
		bcrypt.CompareHashAndPassword([]byte(h.cfg.PasswordHash), []byte(req.Password)) != nil {
		h.log.WithField("username", req.Username).Warn("Admin login failed - invalid credentials")
		RespondError(c, apperr.AuthFailed("Invalid credentials"))
		return
	}

	if !totp.Validate(req.TOTPCode, h.cfg.TOTPSecret) {
		h.log.WithField("username", req.Username).Warn("Admin login failed - invalid TOTP code")
		RespondError(c, apperr.AuthFailed("Invalid TOTP code"))
		return
	}

	token, expiresAt, err := h.tokens.Issue(req.Username)
	if err != nil {
		RespondError(c, err)
		return
	}

	h.log.WithField("username", req.Username).Info("🔑 Admin logged in")
	respondOK(c, gin.H{"token": token, "expiresAt": expiresAt})
}
