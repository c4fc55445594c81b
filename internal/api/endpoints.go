package api

// Gateway service endpoints
const (
	// Service name
	GatewayService = "warden.v1.Gateway"

	// Session endpoints
	GatewayLogin     = "/warden.v1.Gateway/Login"
	GatewayVerifyMfa = "/warden.v1.Gateway/VerifyMfa"
	GatewayRefresh   = "/warden.v1.Gateway/Refresh"
	GatewayLogout    = "/warden.v1.Gateway/Logout"
	GatewayRegister  = "/warden.v1.Gateway/Register"

	// Authenticated endpoints
	GatewayRevokeSessions       = "/warden.v1.Gateway/RevokeSessions"
	GatewayBeginMfaEnrollment   = "/warden.v1.Gateway/BeginMfaEnrollment"
	GatewayConfirmMfaEnrollment = "/warden.v1.Gateway/ConfirmMfaEnrollment"
)

// PublicEndpoints defines endpoints that don't require authentication
var PublicEndpoints = map[string]bool{
	GatewayLogin:     true,
	GatewayVerifyMfa: true,
	GatewayRefresh:   true,
	GatewayLogout:    true,
	GatewayRegister:  true,
}

// RateLimitedEndpoints are throttled per caller address.
var RateLimitedEndpoints = map[string]bool{
	GatewayLogin:     true,
	GatewayVerifyMfa: true,
	GatewayRefresh:   true,
	GatewayRegister:  true,
}
