package proxyrotator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var errInjected = errors.New("injected failure")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// popErr returns and removes the first queued error, nil once the queue is empty.
func popErr(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	var err = (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

type fakeProvisioner struct {
	mu         sync.Mutex
	next       int
	createErrs []error
	deleteErr  error
	listErr    error
	instances  []Instance
	created    []Instance
	deleted    []string
}

func (p *fakeProvisioner) Create(_ context.Context, region RegionID) (Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := popErr(&p.createErrs); err != nil {
		return Instance{}, err
	}
	p.next++
	var instance = Instance{
		Address:    fmt.Sprintf("10.%d.0.%d", int(region), p.next),
		Region:     region,
		InstanceID: fmt.Sprintf("%d", 1000+p.next),
		Label:      fmt.Sprintf("proxy-%d", p.next),
	}
	p.instances = append(p.instances, instance)
	p.created = append(p.created, instance)
	return instance, nil
}

func (p *fakeProvisioner) Delete(_ context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, instanceID)
	if p.deleteErr != nil {
		return p.deleteErr
	}
	for i, instance := range p.instances {
		if instance.InstanceID == instanceID {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			break
		}
	}
	return nil
}

func (p *fakeProvisioner) ListActive(_ context.Context) ([]Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]Instance(nil), p.instances...), nil
}

func (p *fakeProvisioner) Label(_ context.Context, instanceID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, instance := range p.instances {
		if instance.InstanceID == instanceID {
			return instance.Label, nil
		}
	}
	return "", fmt.Errorf("instance %s not found", instanceID)
}

func (p *fakeProvisioner) Deleted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deleted...)
}

type fakeLoadBalancer struct {
	mu        sync.Mutex
	applyErrs []error
	reloadErr []error
	applied   []string
	reloads   int
}

func (lb *fakeLoadBalancer) Render(active []ProxyRecord) ([]byte, error) {
	var addresses = make([]string, len(active))
	for i, record := range active {
		addresses[i] = record.Address
	}
	return []byte(strings.Join(addresses, "\n")), nil
}

func (lb *fakeLoadBalancer) Apply(_ context.Context, config []byte) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if err := popErr(&lb.applyErrs); err != nil {
		return err
	}
	lb.applied = append(lb.applied, string(config))
	return nil
}

func (lb *fakeLoadBalancer) Reload(_ context.Context) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.reloads++
	return popErr(&lb.reloadErr)
}

// Current returns the addresses of the last applied config.
func (lb *fakeLoadBalancer) Current() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if len(lb.applied) == 0 || lb.applied[len(lb.applied)-1] == "" {
		return nil
	}
	return strings.Split(lb.applied[len(lb.applied)-1], "\n")
}

// fakeStore is a MemoryStore whose Persist can be made to fail.
type fakeStore struct {
	*MemoryStore
	mu          sync.Mutex
	persistErrs []error
	persists    int
}

func newFakeStore(fleet *Fleet) *fakeStore {
	var ms, _ = NewMemoryStore(fleet)
	return &fakeStore{MemoryStore: ms}
}

func (s *fakeStore) Persist(fleet *Fleet) error {
	s.mu.Lock()
	s.persists++
	var err = popErr(&s.persistErrs)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.Persist(fleet)
}

type fakeNotifier struct {
	mu     sync.Mutex
	err    error
	events []RotationEvent
}

func (n *fakeNotifier) Notify(_ context.Context, event RotationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

type fakePostProcessor struct {
	mu         sync.Mutex
	err        error
	configured []string
}

func (p *fakePostProcessor) Configure(_ context.Context, address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configured = append(p.configured, address)
	return p.err
}

type fakeRotator struct {
	mu       sync.Mutex
	requests []RotateRequest
	ctxErrs  []error
	delay    time.Duration
	err      error
}

func (r *fakeRotator) Rotate(ctx context.Context, req RotateRequest) (RotationResult, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	return RotationResult{Cycle: uint64(len(r.requests))}, r.err
}

func (r *fakeRotator) Requests() []RotateRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RotateRequest(nil), r.requests...)
}

type fakeLiveness struct {
	mu    sync.Mutex
	alive bool
}

func (l *fakeLiveness) Alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alive
}

func (l *fakeLiveness) Kill() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alive = false
}
