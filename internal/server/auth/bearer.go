package auth

import (
	"net/http"
	"strings"

	"github.com/dmitrijs2005/cipherrelay/internal/common"
)

// BearerToken extracts the token from an "Authorization: Bearer <jwt>" value.
func BearerToken(header string) (string, bool) {
	if len(header) <= len(common.BearerPrefix) || !strings.EqualFold(header[:len(common.BearerPrefix)], common.BearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(common.BearerPrefix):])
	return token, token != ""
}

// TokenFromRequest looks for a credential in the Authorization header first
// and then in the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if token, ok := BearerToken(r.Header.Get(common.AuthorizationHeaderName)); ok {
		return token
	}
	return r.URL.Query().Get(common.AccessTokenQueryParam)
}
