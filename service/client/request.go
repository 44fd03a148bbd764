package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/itiky/resource-sync/model"
)

type (
	// Request is a handle of an in-flight submission (a single resource or a whole bundle).
	// Callbacks registered after completion are invoked immediately.
	Request struct {
		// Resource key as submitted (zero for bundle requests)
		Key model.ResourceKey
		// Submitted mutation (empty for bundle requests)
		Method model.Method
		// Submission scope
		Scope string

		parent    context.Context
		ctx       context.Context
		cancel    context.CancelFunc
		aborted   atomic.Bool
		bundle    *Request
		mu        sync.Mutex
		doneCh    chan struct{}
		result    *Result
		err       error
		onSuccess []func(*Result)
		onError   []func(error)
	}

	// Result is a successful submission outcome.
	Result struct {
		// Resource key after reconciliation (server-assigned id for creates)
		Key model.ResourceKey
		// HTTP status (or bundle entry status)
		Status int
		// Server confirmed resource (nil for deletes)
		Resource model.Resource
		// Bundle requests only: reconciled entries
		Succeeded []model.ResourceKey
	}

	// Submission groups request handles of a single Engine.Submit call.
	Submission struct {
		Scopes []*ScopeSubmission

		mu      sync.Mutex
		doneCh  chan struct{}
		err     error
		onError []func(error)
	}

	// ScopeSubmission keeps request handles of a scope: Bundle is set for BATCH and TRANSACTION
	// scopes, Direct otherwise. Entries holds per-resource handles in both cases.
	ScopeSubmission struct {
		Scope   string
		Mode    model.SubmitMode
		Bundle  *Request
		Direct  []*Request
		Entries []*Request
	}
)

// String implements the stringer interface.
func (r *Request) String() string {
	if r.Method == "" {
		return fmt.Sprintf("Request (bundle %q)", r.Scope)
	}

	return fmt.Sprintf("Request (%s %s)", r.Method, r.Key)
}

// OnSuccess registers a success callback.
func (r *Request) OnSuccess(fn func(*Result)) *Request {
	r.mu.Lock()
	if !r.isDone() {
		r.onSuccess = append(r.onSuccess, fn)
		r.mu.Unlock()
		return r
	}
	result, err := r.result, r.err
	r.mu.Unlock()

	if err == nil {
		fn(result)
	}

	return r
}

// OnError registers an error callback.
func (r *Request) OnError(fn func(error)) *Request {
	r.mu.Lock()
	if !r.isDone() {
		r.onError = append(r.onError, fn)
		r.mu.Unlock()
		return r
	}
	err := r.err
	r.mu.Unlock()

	if err != nil {
		fn(err)
	}

	return r
}

// Abort cancels the request. An abort before the response is reconciled leaves the engine state untouched.
func (r *Request) Abort() {
	if r.bundle != nil {
		r.bundle.Abort()
		return
	}
	r.aborted.Store(true)
	r.cancel()
}

// Done is closed once the request is completed.
func (r *Request) Done() <-chan struct{} {
	return r.doneCh
}

// Wait blocks until the request is completed.
func (r *Request) Wait() (*Result, error) {
	<-r.doneCh

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.result, r.err
}

// Aborted checks if the request was cancelled.
func (r *Request) Aborted() bool {
	if r.bundle != nil {
		return r.bundle.Aborted()
	}

	return r.aborted.Load() || r.parent.Err() != nil
}

// complete sets the outcome and invokes callbacks (once).
func (r *Request) complete(result *Result, err error) {
	r.mu.Lock()
	if r.isDone() {
		r.mu.Unlock()
		return
	}
	r.result, r.err = result, err
	onSuccess, onError := r.onSuccess, r.onError
	r.onSuccess, r.onError = nil, nil
	close(r.doneCh)
	r.mu.Unlock()

	if r.bundle == nil {
		r.cancel()
	}
	if err != nil {
		for _, fn := range onError {
			fn(err)
		}
		return
	}
	for _, fn := range onSuccess {
		fn(result)
	}
}

func (r *Request) isDone() bool {
	select {
	case <-r.doneCh:
		return true
	default:
		return false
	}
}

// Requests returns all handles of the submission.
func (s *Submission) Requests() []*Request {
	reqs := make([]*Request, 0)
	for _, scope := range s.Scopes {
		if scope.Bundle != nil {
			reqs = append(reqs, scope.Bundle)
		}
		reqs = append(reqs, scope.Direct...)
	}

	return reqs
}

// Scope returns handles of a scope (nil if the scope had nothing to submit).
func (s *Submission) Scope(name string) *ScopeSubmission {
	for _, scope := range s.Scopes {
		if scope.Scope == name {
			return scope
		}
	}

	return nil
}

// Entry returns the handle of a submitted resource.
func (s *Submission) Entry(key model.ResourceKey) *Request {
	for _, scope := range s.Scopes {
		for _, req := range scope.Entries {
			if req.Key == key {
				return req
			}
		}
	}

	return nil
}

// OnError registers a callback invoked once with all failures after every request completed.
func (s *Submission) OnError(fn func(error)) *Submission {
	s.mu.Lock()
	select {
	case <-s.doneCh:
	default:
		s.onError = append(s.onError, fn)
		s.mu.Unlock()
		return s
	}
	err := s.err
	s.mu.Unlock()

	if err != nil {
		fn(err)
	}

	return s
}

// Abort cancels all requests.
func (s *Submission) Abort() {
	for _, scope := range s.Scopes {
		for _, req := range scope.Entries {
			req.Abort()
		}
		if scope.Bundle != nil {
			scope.Bundle.Abort()
		}
	}
}

// Done is closed once all requests are completed.
func (s *Submission) Done() <-chan struct{} {
	return s.doneCh
}

// Wait blocks until all requests are completed and returns the joined failures.
func (s *Submission) Wait() error {
	<-s.doneCh

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// watch completes the submission once all top level requests are completed.
func (s *Submission) watch() {
	reqs := s.Requests()
	go func() {
		errs := make([]error, 0)
		for _, req := range reqs {
			if _, err := req.Wait(); err != nil {
				errs = append(errs, err)
			}
		}

		s.mu.Lock()
		s.err = errors.Join(errs...)
		onError := s.onError
		s.onError = nil
		close(s.doneCh)
		s.mu.Unlock()

		if s.err != nil {
			for _, fn := range onError {
				fn(s.err)
			}
		}
	}()
}

func newRequest(ctx context.Context, key model.ResourceKey, method model.Method, scope string) *Request {
	reqCtx, cancel := context.WithCancel(ctx)

	return &Request{
		Key:    key,
		Method: method,
		Scope:  scope,
		parent: ctx,
		ctx:    reqCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
}

// newEntryRequest creates a bundle entry handle sharing the bundle's context: entries of a
// bundle travel in one HTTP exchange, so aborting one aborts the bundle.
func newEntryRequest(bundle *Request, key model.ResourceKey, method model.Method) *Request {
	return &Request{
		Key:    key,
		Method: method,
		Scope:  bundle.Scope,
		parent: bundle.parent,
		ctx:    bundle.ctx,
		cancel: bundle.cancel,
		bundle: bundle,
		doneCh: make(chan struct{}),
	}
}

func newSubmission() *Submission {
	return &Submission{
		Scopes: make([]*ScopeSubmission, 0),
		doneCh: make(chan struct{}),
	}
}
