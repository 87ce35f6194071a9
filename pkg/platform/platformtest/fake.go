// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"sync"

	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
)

// Router is a scriptable fake router.
type Router struct {
	ID   string
	Kind platform.Platform

	mu         sync.Mutex
	active     []platform.PollResult
	connectErr error
	listErr    error
	createErr  error
	block      chan struct{}
	created    []platform.AccountRequest
	connects   int
	closes     int
}

// NewRouter creates a fake router with no active clients.
func NewRouter(id string, p platform.Platform) *Router {
	return &Router{ID: id, Kind: p}
}

// SetActive replaces what ListActiveClients returns.
func (r *Router) SetActive(results ...platform.PollResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = append([]platform.PollResult(nil), results...)
}

// FailConnect makes Connect return a connect error wrapping err.
func (r *Router) FailConnect(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectErr = err
}

// FailList makes ListActiveClients return a command error wrapping err.
func (r *Router) FailList(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listErr = err
}

// FailCreate makes CreateBoundAccount return a command error wrapping err.
func (r *Router) FailCreate(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createErr = err
}

// Block makes ListActiveClients wait until Release or ctx cancellation.
func (r *Router) Block() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.block = make(chan struct{})
}

// Release unblocks a pending ListActiveClients.
func (r *Router) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.block != nil {
		close(r.block)
		r.block = nil
	}
}

// Created returns every account request received.
func (r *Router) Created() []platform.AccountRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]platform.AccountRequest(nil), r.created...)
}

// Connects returns how many sessions were opened.
func (r *Router) Connects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

// Closes returns how many sessions were closed.
func (r *Router) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

// Platform implements platform.Client.
func (r *Router) Platform() platform.Platform { return r.Kind }

// RouterID implements platform.Client.
func (r *Router) RouterID() string { return r.ID }

// Connect implements platform.Client.
func (r *Router) Connect(ctx context.Context) (platform.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectErr != nil {
		return nil, platform.ConnectError(r.Kind, r.ID, r.connectErr)
	}
	r.connects++
	return &session{r: r}, nil
}

type session struct {
	r      *Router
	closed bool
}

func (s *session) ListActiveClients(ctx context.Context) ([]platform.PollResult, error) {
	s.r.mu.Lock()
	block := s.r.block
	s.r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, platform.CommandError(s.r.Kind, s.r.ID, "list active", ctx.Err())
		}
	}

	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if s.r.listErr != nil {
		return nil, platform.CommandError(s.r.Kind, s.r.ID, "list active", s.r.listErr)
	}
	out := make([]platform.PollResult, len(s.r.active))
	for i, res := range s.r.active {
		res.RouterID = s.r.ID
		out[i] = res
	}
	return out, nil
}

func (s *session) CreateBoundAccount(ctx context.Context, req platform.AccountRequest) (platform.Credentials, error) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if s.r.createErr != nil {
		return platform.Credentials{}, platform.CommandError(s.r.Kind, s.r.ID, "create account", s.r.createErr)
	}
	s.r.created = append(s.r.created, req)
	pw, err := platform.PasswordOrGenerate(req.Password)
	if err != nil {
		return platform.Credentials{}, err
	}
	return platform.Credentials{Username: req.Username, Password: pw}, nil
}

func (s *session) Close() error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.r.closes++
	}
	return nil
}
