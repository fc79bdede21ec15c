package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/zllovesuki/coolvpn/auth"
	resp "github.com/zllovesuki/coolvpn/response"

	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	DeviceManager *Manager
	Logger        *zap.Logger
}

// Service is the device API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the device API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.DeviceManager == nil {
		return nil, fmt.Errorf("nil DeviceManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// RegisterRequest describes the device presenting itself for admission
type RegisterRequest struct {
	ClientUUID string `json:"client_uuid" validate:"required"`
	Platform   string `json:"platform"`
	Name       string `json:"name"`
	OSVersion  string `json:"os_version"`
	AppVersion string `json:"app_version"`
}

// RegisterResponse is the admitted device as seen by the server
type RegisterResponse struct {
	DeviceUUID string    `json:"device_uuid"`
	ClientUUID string    `json:"client_uuid"`
	Platform   Platform  `json:"platform"`
	Name       string    `json:"name"`
	LastSeen   time.Time `json:"last_seen"`
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("A client_uuid is required"))
		return
	}

	d, err := s.DeviceManager.Register(ctx, RegisterOptions{
		AccountID:  claims.ID,
		ClientUUID: req.ClientUUID,
		Platform:   NormalizePlatform(req.Platform),
		Name:       req.Name,
		OSVersion:  req.OSVersion,
		AppVersion: req.AppVersion,
		IP:         remoteIP(r),
	})
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			resp.WriteError(w, r, resp.ErrQuotaExceeded().AddMessages("Device limit reached for the current plan"))
			return
		}
		s.Logger.Error("Unable to register device",
			zap.Error(err),
			zap.String("AccountID", claims.ID),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, RegisterResponse{
		DeviceUUID: d.UUID,
		ClientUUID: d.ClientUUID,
		Platform:   d.Platform,
		Name:       d.Name,
		LastSeen:   d.LastSeen,
	})
}

// remoteIP strips the ephemeral port from the connection's remote address
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RevokeRequest identifies the device to deactivate, by client identifier
// or by server identity
type RevokeRequest struct {
	Identifier string `json:"identifier" validate:"required"`
}

// RevokeResponse reports the revocation outcome
type RevokeResponse struct {
	DeviceUUID string `json:"device_uuid"`
	Revoked    bool   `json:"revoked"`
	Noop       bool   `json:"noop"`
}

func (s *Service) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("An identifier is required"))
		return
	}

	d, noop, err := s.DeviceManager.Revoke(ctx, claims.ID, req.Identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find device with specific identifier"))
			return
		}
		s.Logger.Error("Unable to revoke device",
			zap.Error(err),
			zap.String("AccountID", claims.ID),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, RevokeResponse{
		DeviceUUID: d.UUID,
		Revoked:    !d.Active,
		Noop:       noop,
	})
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	devices, err := s.DeviceManager.ListActive(ctx, claims.ID)
	if err != nil {
		s.Logger.Error("Unable to list devices",
			zap.Error(err),
			zap.String("AccountID", claims.ID),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, devices)
}

// HandshakeRequest carries the client identifier presenting for service
type HandshakeRequest struct {
	ClientUUID string `json:"client_uuid" validate:"required"`
}

func (s *Service) handleHandshake(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req HandshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("A client_uuid is required"))
		return
	}

	resolution, err := s.DeviceManager.Resolve(ctx, req.ClientUUID)
	if err != nil {
		s.Logger.Error("Unable to resolve client identifier",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, resolution)
}

// Router will return the authenticated routes under the device API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.handleList)
	r.Post("/register", s.handleRegister)
	r.Post("/revoke", s.handleRevoke)

	return r
}

// HandshakeRouter returns the unauthenticated handshake route. Clients
// call it before any login, so it is session independent and CORS open.
func (s *Service) HandshakeRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Post("/", s.handleHandshake)

	return r
}
