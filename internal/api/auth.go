package api

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"ledger-core/pkg/db"
)

const (
	userContextKey = "UserID"
	roleContextKey = "UserRole"

	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// UserClaims represents JWT claims for authenticated users.
type UserClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func checkPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func generateToken(userID, secret string, expiresAt time.Time) (string, error) {
	claims := UserClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if claims, ok := token.Claims.(*UserClaims); ok && token.Valid {
		return claims.UserID, nil
	}
	return "", errors.New("invalid token claims")
}

// authenticate resolves the bearer token to a user, loading the role from
// the DB so revoking admin takes effect immediately.
func (s *Server) authenticate(c *gin.Context) (*db.User, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return nil, errors.New("missing Authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, errors.New("invalid Authorization header")
	}

	userID, err := parseToken(parts[1], s.JWTSecret)
	if err != nil {
		return nil, errors.New("invalid or expired token")
	}

	user, err := db.GetUserByID(c.Request.Context(), s.DB.DB, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errors.New("user no longer exists")
	}
	return user, nil
}

// AuthMiddleware enforces JWT auth for protected routes.
func (s *Server) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.authenticate(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "UNAUTHORIZED",
				"error": err.Error(),
			})
			return
		}

		c.Set(userContextKey, user.ID)
		c.Set(roleContextKey, user.Role)
		c.Next()
	}
}

// RequireAdmin gates admin-only routes. Runs after AuthMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentRole(c) != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":  "FORBIDDEN",
				"error": "admin role required",
			})
			return
		}
		c.Next()
	}
}

// CurrentUserID returns the authenticated user ID from context.
func CurrentUserID(c *gin.Context) string {
	if v, ok := c.Get(userContextKey); ok {
		if id, okCast := v.(string); okCast {
			return id
		}
	}
	return ""
}

// CurrentRole returns the authenticated user's role from context.
func CurrentRole(c *gin.Context) string {
	if v, ok := c.Get(roleContextKey); ok {
		if role, okCast := v.(string); okCast {
			return role
		}
	}
	return ""
}

// sweepAuthorizer decides whether a request may trigger the auto-resolve
// sweep. Strategies are tried in order; the first match wins.
type sweepAuthorizer interface {
	authorize(c *gin.Context) (actorID string, ok bool)
}

// cronSecretAuth accepts the shared-secret header from the external
// scheduler. The system is the actor, so actorID stays empty.
type cronSecretAuth struct {
	secret string
}

func (a cronSecretAuth) authorize(c *gin.Context) (string, bool) {
	if a.secret == "" {
		return "", false
	}
	return "", c.GetHeader("X-Cron-Secret") == a.secret
}

// adminSessionAuth accepts an authenticated admin session. It authenticates
// on its own because the sweep route sits outside the JWT middleware.
type adminSessionAuth struct {
	server *Server
}

func (a adminSessionAuth) authorize(c *gin.Context) (string, bool) {
	user, err := a.server.authenticate(c)
	if err != nil || user.Role != RoleAdmin {
		return "", false
	}
	return user.ID, true
}

// registerUser handles user registration. New users start with a zero
// balance and the USER role.
func (s *Server) registerUser(c *gin.Context) {
	var req struct {
		Email         string `json:"email"`
		Password      string `json:"password"`
		WalletAddress string `json:"wallet_address"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_CREDENTIALS",
			"error": "email and password are required",
		})
		return
	}

	if _, err := mail.ParseAddress(req.Email); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_EMAIL",
			"error": "invalid email format",
		})
		return
	}

	ctx := c.Request.Context()
	existing, err := db.GetUserByEmail(ctx, s.DB.DB, req.Email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{
			"code":  "EMAIL_ALREADY_REGISTERED",
			"error": "email already registered",
		})
		return
	}

	pwHash, err := hashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": "failed to hash password",
		})
		return
	}

	now := time.Now().UTC()
	user := db.User{
		ID:            uuid.NewString(),
		Email:         req.Email,
		PasswordHash:  pwHash,
		Role:          RoleUser,
		WalletAddress: strings.ToLower(req.WalletAddress),
		Balance:       decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := db.CreateUser(ctx, s.DB.DB, user); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user_id": user.ID,
		"email":   user.Email,
	})
}

// loginUser handles user login.
func (s *Server) loginUser(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_CREDENTIALS",
			"error": "email and password are required",
		})
		return
	}

	ctx := c.Request.Context()
	user, err := db.GetUserByEmail(ctx, s.DB.DB, req.Email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":  "INVALID_CREDENTIALS",
			"error": "invalid credentials",
		})
		return
	}

	if err := checkPassword(user.PasswordHash, req.Password); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":  "INVALID_CREDENTIALS",
			"error": "invalid credentials",
		})
		return
	}

	expiresAt := time.Now().Add(72 * time.Hour)
	token, err := generateToken(user.ID, s.JWTSecret, expiresAt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": "failed to generate token",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
		"user_id":    user.ID,
		"user_email": user.Email,
		"role":       user.Role,
	})
}
