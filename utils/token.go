package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// JwtCustomClaim is what the operator surface trusts: who is calling and for which business.
type JwtCustomClaim struct {
	ID         int    `json:"id"`
	Role       string `json:"role"`
	BusinessId string `json:"business_id"`
	UserName   string `json:"user_name"`
	jwt.StandardClaims
}

func (c *JwtCustomClaim) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

var jwtSecret = []byte(getJwtSecret())

func getJwtSecret() string {
	secret := os.Getenv("API_SECRET")
	if secret == "" {
		return "eboekhouden-dev-secret"
	}
	return secret
}

func tokenLifespan() time.Duration {
	hours, err := strconv.Atoi(strings.TrimSpace(os.Getenv("TOKEN_HOUR_LIFESPAN")))
	if err != nil || hours <= 0 {
		hours = 12
	}
	return time.Hour * time.Duration(hours)
}

func JwtGenerate(userID int, role, businessId, userName string) (string, error) {
	if strings.TrimSpace(businessId) == "" && role != RoleAdmin {
		return "", errors.New("business_id is required")
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &JwtCustomClaim{
		ID:         userID,
		Role:       role,
		BusinessId: businessId,
		UserName:   userName,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(tokenLifespan()).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	})

	token, err := t.SignedString(jwtSecret)
	if err != nil {
		return "", err
	}

	return token, nil
}

func JwtValidate(token string) (*jwt.Token, error) {
	return jwt.ParseWithClaims(token, &JwtCustomClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return jwtSecret, nil
	})
}
