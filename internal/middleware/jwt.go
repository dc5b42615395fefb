package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// JWTOptions 配置 Bearer Token 校验。Secret 用于 HS256，JWKSURL 用于非对称签名。
type JWTOptions struct {
	Secret  string
	JWKSURL string
	Logger  zerolog.Logger
}

// BearerAuth 创建 JWT 鉴权中间件，sub 声明作为调用方标识。
// 返回的 stop 用于结束 JWKS 的后台刷新。
func BearerAuth(opts JWTOptions) (mw func(http.Handler) http.Handler, stop func(), err error) {
	if opts.Secret == "" && opts.JWKSURL == "" {
		return nil, nil, errors.New("jwt auth needs a secret or a JWKS url")
	}
	logger := opts.Logger.With().Str("component", "auth").Logger()

	var jwks *keyfunc.JWKS
	stop = func() {}
	if opts.JWKSURL != "" {
		jwks, err = keyfunc.Get(opts.JWKSURL, keyfunc.Options{
			Client:            &http.Client{Timeout: 10 * time.Second},
			RefreshInterval:   time.Hour,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				logger.Error().Err(err).Msg("JWKS refresh failed")
			},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("load JWKS from %s: %w", opts.JWKSURL, err)
		}
		stop = jwks.EndBackground
	}

	secret := []byte(opts.Secret)
	keyFunc := func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
			if len(secret) == 0 {
				return nil, errors.New("hmac tokens are not accepted")
			}
			return secret, nil
		}
		if jwks != nil {
			return jwks.Keyfunc(token)
		}
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	parser := jwt.NewParser(jwt.WithExpirationRequired(), jwt.WithLeeway(30*time.Second))

	mw = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, prefix) {
				writeAuthError(w, http.StatusUnauthorized, "Bearer", "missing token, expected: Authorization: Bearer <token>")
				return
			}
			tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))

			claims := jwt.RegisteredClaims{}
			token, err := parser.ParseWithClaims(tokenString, &claims, keyFunc)
			if err != nil || !token.Valid {
				logger.Debug().Err(err).Msg("token rejected")
				writeAuthError(w, http.StatusUnauthorized, "Bearer", "invalid token")
				return
			}
			if claims.Subject == "" {
				writeAuthError(w, http.StatusUnauthorized, "Bearer", "token has no subject")
				return
			}

			ctx := context.WithValue(r.Context(), PrincipalContextKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	return mw, stop, nil
}
