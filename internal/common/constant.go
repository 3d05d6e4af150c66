package common

// AccessTokenQueryParam is the query parameter a websocket client may use to
// pass its access token when it cannot set the Authorization header.
const AccessTokenQueryParam = "token"

// AuthorizationHeaderName carries "Bearer <token>" on control-plane requests
// and on the websocket upgrade request.
const AuthorizationHeaderName = "Authorization"

// BearerPrefix precedes the token in AuthorizationHeaderName.
const BearerPrefix = "Bearer "
