package auth

import (
	"context"
	"errors"
	"net/mail"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/elskow/warden/internal/api"
	"github.com/elskow/warden/internal/mfa"
	"github.com/elskow/warden/internal/model"
)

const minPasswordLength = 8

// GatewayServer is the warden.v1.Gateway service. Messages are
// google.protobuf.Struct so clients need no generated stubs.
type GatewayServer interface {
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyMfa(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Refresh(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Register(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RevokeSessions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BeginMfaEnrollment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConfirmMfaEnrollment(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type Handler struct {
	service *Service
	log     *zap.Logger
}

var _ GatewayServer = (*Handler)(nil)

func NewHandler(service *Service, log *zap.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log,
	}
}

// RegisterService attaches the gateway to a gRPC server.
func (h *Handler) RegisterService(s grpc.ServiceRegistrar) {
	s.RegisterService(&GatewayServiceDesc, h)
}

func (h *Handler) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	email := stringField(req, "email")
	password := stringField(req, "password")
	if email == "" {
		return nil, status.Error(codes.InvalidArgument, "email is required")
	}
	if password == "" {
		return nil, status.Error(codes.InvalidArgument, "password is required")
	}

	session, err := h.service.Login(ctx, LoginRequest{
		Email:             email,
		Password:          password,
		DeviceFingerprint: stringField(req, "device_fingerprint"),
		Application:       stringField(req, "application"),
	})

	var mfaRequired *MFARequiredError
	if errors.As(err, &mfaRequired) {
		return structpb.NewStruct(map[string]interface{}{
			"mfa_required":          true,
			"mfa_ticket":            mfaRequired.Ticket,
			"mfa_ticket_expires_at": mfaRequired.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	if err != nil {
		return nil, h.toStatus(ctx, "login", err)
	}
	return sessionResponse(session, nil)
}

func (h *Handler) VerifyMfa(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ticket := stringField(req, "ticket")
	code := stringField(req, "code")
	if ticket == "" || code == "" {
		return nil, status.Error(codes.InvalidArgument, "ticket and code are required")
	}

	session, err := h.service.VerifyMfa(ctx, VerifyMfaRequest{
		Ticket:            ticket,
		Code:              code,
		DeviceFingerprint: stringField(req, "device_fingerprint"),
		TrustDevice:       boolField(req, "trust_device"),
	})
	if err != nil {
		return nil, h.toStatus(ctx, "verify mfa", err)
	}
	return sessionResponse(session, nil)
}

func (h *Handler) Refresh(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	refreshToken := stringField(req, "refresh_token")
	if refreshToken == "" {
		return nil, status.Error(codes.InvalidArgument, "refresh_token is required")
	}

	session, err := h.service.Refresh(ctx, RefreshRequest{
		RefreshToken:     refreshToken,
		PriorAccessToken: stringField(req, "access_token"),
	})
	if err != nil {
		return nil, h.toStatus(ctx, "refresh", err)
	}
	return sessionResponse(session, nil)
}

func (h *Handler) Logout(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := h.service.Logout(ctx, stringField(req, "refresh_token")); err != nil {
		return nil, h.toStatus(ctx, "logout", err)
	}
	return structpb.NewStruct(map[string]interface{}{"success": true})
}

func (h *Handler) Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := RegisterRequest{
		Email:            stringField(req, "email"),
		Password:         stringField(req, "password"),
		OrganizationName: stringField(req, "organization_name"),
		Phone:            stringField(req, "phone"),
	}
	if err := validateRegisterRequest(r); err != nil {
		h.log.Warn("invalid register request", zap.String("error", err.Error()))
		return nil, err
	}

	registration, err := h.service.RegisterWithPendingOrganization(ctx, r)
	if err != nil {
		return nil, h.toStatus(ctx, "register", err)
	}
	extra := map[string]interface{}{
		"user_id": registration.UserID,
		"status":  string(registration.Status),
	}
	if registration.Session == nil {
		resp, err := structpb.NewStruct(extra)
		if err != nil {
			return nil, status.Error(codes.Internal, "failed to encode response")
		}
		return resp, nil
	}
	return sessionResponse(registration.Session, extra)
}

func (h *Handler) RevokeSessions(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	principal, err := PrincipalFromContext(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}

	n, err := h.service.RevokeAll(ctx, principal.UserID, model.RevokedReasonUserRequest)
	if err != nil {
		return nil, h.toStatus(ctx, "revoke sessions", err)
	}
	h.log.Info("sessions revoked by user", zap.String("user_id", principal.UserID), zap.Int64("revoked", n))
	return structpb.NewStruct(map[string]interface{}{"revoked": n})
}

func (h *Handler) BeginMfaEnrollment(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	principal, err := PrincipalFromContext(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}

	enrollment, err := h.service.BeginMfaEnrollment(ctx, principal.UserID)
	if err != nil {
		return nil, h.toStatus(ctx, "begin mfa enrollment", err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"secret":      enrollment.Secret,
		"otpauth_url": enrollment.URL,
	})
}

func (h *Handler) ConfirmMfaEnrollment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	principal, err := PrincipalFromContext(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}
	code := stringField(req, "code")
	if code == "" {
		return nil, status.Error(codes.InvalidArgument, "code is required")
	}

	recovery, err := h.service.ConfirmMfaEnrollment(ctx, principal.UserID, code)
	if err != nil {
		return nil, h.toStatus(ctx, "confirm mfa enrollment", err)
	}

	list := make([]interface{}, len(recovery))
	for i, c := range recovery {
		list[i] = c
	}
	return structpb.NewStruct(map[string]interface{}{
		"mfa_enabled":    true,
		"recovery_codes": list,
	})
}

// toStatus maps domain errors to stable gRPC statuses. Anything unexpected is
// logged and reported as Internal without detail.
func (h *Handler) toStatus(ctx context.Context, op string, err error) error {
	var locked *AccountLockedError
	switch {
	case errors.As(err, &locked):
		_ = grpc.SetTrailer(ctx, metadata.Pairs("unlock_at", locked.Until.UTC().Format(time.RFC3339)))
		return status.Error(codes.ResourceExhausted, "account temporarily locked")
	case errors.Is(err, ErrInvalidCredentials):
		return status.Error(codes.Unauthenticated, "invalid email or password")
	case errors.Is(err, ErrInvalidToken):
		return status.Error(codes.Unauthenticated, "invalid token")
	case errors.Is(err, ErrTokenExpired):
		return status.Error(codes.Unauthenticated, "token expired")
	case errors.Is(err, ErrInvalidMfaCode):
		return status.Error(codes.Unauthenticated, "invalid verification code")
	case errors.Is(err, ErrAccessDenied):
		return status.Error(codes.PermissionDenied, "access denied")
	case errors.Is(err, ErrOrganizationRequired):
		return status.Error(codes.PermissionDenied, "organization required")
	case errors.Is(err, ErrAccountInactive):
		return status.Error(codes.PermissionDenied, "account inactive")
	case errors.Is(err, ErrEmailTaken):
		return status.Error(codes.AlreadyExists, "email already registered")
	case errors.Is(err, mfa.ErrAlreadyEnabled):
		return status.Error(codes.FailedPrecondition, "mfa already enabled")
	case errors.Is(err, mfa.ErrNotEnrolled):
		return status.Error(codes.FailedPrecondition, "mfa enrollment not started")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	}

	h.log.Error(op+" failed", zap.Error(err))
	return status.Error(codes.Internal, op+" failed")
}

func sessionResponse(session *Session, extra map[string]interface{}) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"access_token":  session.AccessToken,
		"refresh_token": session.RefreshToken,
		"expires_in":    session.ExpiresIn,
		"token_type":    session.TokenType,
	}
	for k, v := range extra {
		fields[k] = v
	}
	resp, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return resp, nil
}

func validateRegisterRequest(req RegisterRequest) error {
	if req.Email == "" {
		return status.Error(codes.InvalidArgument, "email is required")
	}
	if !isValidEmail(req.Email) {
		return status.Error(codes.InvalidArgument, "invalid email format")
	}
	if req.Password == "" {
		return status.Error(codes.InvalidArgument, "password is required")
	}
	if len(req.Password) < minPasswordLength {
		return status.Error(codes.InvalidArgument, "password must be at least 8 characters")
	}
	if req.OrganizationName == "" {
		return status.Error(codes.InvalidArgument, "organization_name is required")
	}
	return nil
}

func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

func stringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	if v, ok := s.GetFields()[name]; ok {
		return v.GetStringValue()
	}
	return ""
}

func boolField(s *structpb.Struct, name string) bool {
	if s == nil {
		return false
	}
	if v, ok := s.GetFields()[name]; ok {
		return v.GetBoolValue()
	}
	return false
}

// GatewayServiceDesc is the hand-written descriptor for warden.v1.Gateway.
var GatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: api.GatewayService,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Login", GatewayServer.Login),
		unaryMethod("VerifyMfa", GatewayServer.VerifyMfa),
		unaryMethod("Refresh", GatewayServer.Refresh),
		unaryMethod("Logout", GatewayServer.Logout),
		unaryMethod("Register", GatewayServer.Register),
		unaryMethod("RevokeSessions", GatewayServer.RevokeSessions),
		unaryMethod("BeginMfaEnrollment", GatewayServer.BeginMfaEnrollment),
		unaryMethod("ConfirmMfaEnrollment", GatewayServer.ConfirmMfaEnrollment),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "warden/v1/gateway.proto",
}

type unaryCall func(GatewayServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	fullMethod := "/" + api.GatewayService + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(GatewayServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(GatewayServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
