package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspotd/pkg/directory"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
	"github.com/codelaboratoryltd/hotspotd/pkg/poller"
	"github.com/codelaboratoryltd/hotspotd/pkg/presence"
	"github.com/codelaboratoryltd/hotspotd/pkg/provision"
)

type disconnectRequest struct {
	UserID string `json:"user_id"`
	MAC    string `json:"mac_address"`
}

// ProvisionRequest is the purchase-flow trigger. Either PackageName (from the
// configured catalog) or an inline Package is required.
type ProvisionRequest struct {
	UserID      string             `json:"user_id"`
	RouterType  string             `json:"router_type"`
	RouterID    string             `json:"router_id,omitempty"`
	PackageName string             `json:"package_name,omitempty"`
	Package     *directory.Package `json:"package,omitempty"`
}

// ProvisionResponse carries the credentials the customer needs.
type ProvisionResponse struct {
	AccountID   string            `json:"account_id"`
	Platform    platform.Platform `json:"platform"`
	Username    string            `json:"username"`
	Password    string            `json:"password"`
	RouterID    string            `json:"router_id"`
	DeviceLimit int               `json:"device_limit"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req presence.ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.presence.Connect(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.presence.Disconnect(r.Context(), req.UserID, req.MAC)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	devices, err := s.dir.ListDevices(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if devices == nil {
		devices = []directory.DeviceRecord{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pkg, err := s.lookupPackage(req)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	acct, err := s.provisioner.Provision(r.Context(), provision.Purchase{
		UserID:     req.UserID,
		Package:    pkg,
		RouterType: platform.Platform(req.RouterType),
		RouterID:   req.RouterID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, ProvisionResponse{
		AccountID:   acct.ID,
		Platform:    acct.Platform,
		Username:    acct.VendorUsername,
		Password:    acct.VendorPassword,
		RouterID:    acct.RouterID,
		DeviceLimit: acct.DeviceLimit,
	})
}

func (s *Server) lookupPackage(req ProvisionRequest) (directory.Package, error) {
	if req.PackageName == "" {
		if req.Package == nil {
			return directory.Package{}, fmt.Errorf("%w: package or package_name required", provision.ErrInvalidPackage)
		}
		return *req.Package, nil
	}
	for _, p := range s.cfg.Packages {
		if p.Name == req.PackageName {
			return p, nil
		}
	}
	return directory.Package{}, fmt.Errorf("%w: unknown package %q", provision.ErrInvalidPackage, req.PackageName)
}

func (s *Server) handleRouters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.poller.Status())
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	routerID := chi.URLParam(r, "routerID")
	res, err := s.poller.PollOnce(r.Context(), routerID)
	if err != nil && !platform.IsTransient(err) {
		s.fail(w, r, err)
		return
	}
	// A vendor failure is reported in the cycle result, not as an HTTP error.
	writeJSON(w, http.StatusOK, res)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, presence.ErrInvalidRequest),
		errors.Is(err, provision.ErrInvalidPackage),
		errors.Is(err, provision.ErrInvalidPurchase),
		errors.Is(err, platform.ErrUnsupportedVendor):
		return http.StatusBadRequest
	case errors.Is(err, directory.ErrNotFound),
		errors.Is(err, poller.ErrUnknownRouter):
		return http.StatusNotFound
	case errors.Is(err, poller.ErrCycleInFlight):
		return http.StatusConflict
	case errors.Is(err, provision.ErrAccountNotRecorded):
		return http.StatusInternalServerError
	case platform.IsTransient(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}
