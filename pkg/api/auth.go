// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ownerKey holds the owner_id resolved by the auth middleware.
const ownerKey = "petsync.owner"

// DefaultOwnerHeader is read by HeaderAuth.
const DefaultOwnerHeader = "X-Owner-ID"

// OwnerFrom returns the owner_id the request was authenticated as.
func OwnerFrom(c *gin.Context) string {
	return c.GetString(ownerKey)
}

func abortUnauthorized(c *gin.Context, err error) {
	zap.S().Infow("Unauthorized request", "path", c.FullPath(), "error", err)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   err.Error(),
		"status":  http.StatusUnauthorized,
		"message": "Authentication required.",
	})
}

// ParseAccounts parses "user:password,user2:password2" into gin accounts.
func ParseAccounts(s string) (gin.Accounts, error) {
	accounts := gin.Accounts{}

	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		user, password, ok := strings.Cut(pair, ":")
		if !ok || user == "" || password == "" {
			return nil, fmt.Errorf("invalid account %q, expected user:password", user)
		}

		accounts[user] = password
	}

	if len(accounts) == 0 {
		return nil, errors.New("no accounts configured")
	}

	return accounts, nil
}

// BasicAuth authenticates with HTTP basic auth. The user name is the owner_id.
func BasicAuth(accounts gin.Accounts) gin.HandlerFunc {
	basic := gin.BasicAuth(accounts)

	return func(c *gin.Context) {
		basic(c)

		if c.IsAborted() {
			return
		}

		c.Set(ownerKey, c.GetString(gin.AuthUserKey))
		c.Next()
	}
}

// JWTAuth authenticates with an HS256 bearer token. The subject claim is the owner_id.
func JWTAuth(secret []byte) gin.HandlerFunc {
	if len(secret) == 0 {
		panic("jwt secret must not be empty")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())

	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || raw == "" {
			abortUnauthorized(c, errors.New("missing bearer token"))

			return
		}

		claims := &jwt.RegisteredClaims{}

		token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil {
			abortUnauthorized(c, err)

			return
		}

		if !token.Valid || claims.Subject == "" {
			abortUnauthorized(c, errors.New("token without subject"))

			return
		}

		c.Set(ownerKey, claims.Subject)
		c.Next()
	}
}

// HeaderAuth trusts an upstream gateway that already authenticated the
// caller and put the owner_id into header.
func HeaderAuth(header string) gin.HandlerFunc {
	if header == "" {
		header = DefaultOwnerHeader
	}

	return func(c *gin.Context) {
		owner := strings.TrimSpace(c.GetHeader(header))
		if owner == "" {
			abortUnauthorized(c, fmt.Errorf("missing %s header", header))

			return
		}

		c.Set(ownerKey, owner)
		c.Next()
	}
}
