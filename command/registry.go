package command

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Zereker/g9socket/packet"
)

var (
	ErrDuplicateCommand = errors.New("command already registered")
	ErrReservedCommand  = errors.New("command name is reserved")
	ErrInvalidName      = errors.New("invalid command name")
	ErrRegistryFrozen   = errors.New("registry is frozen")
)

// Registry maps command names to their handlers for one role.
//
// Commands are registered during startup; Freeze is called when the
// connection manager starts, after which the map is read without locking.
type Registry struct {
	mu      sync.Mutex
	frozen  atomic.Bool
	entries map[string]Command
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Command)}
}

// Register adds commands. A duplicate or reserved name fails the whole call
// and leaves the registry unchanged.
func (r *Registry) Register(cmds ...Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return ErrRegistryFrozen
	}

	seen := make(map[string]struct{}, len(cmds))
	for _, c := range cmds {
		name := c.Name()
		switch {
		case name == "" || strings.TrimSpace(name) != name:
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		case IsReserved(name):
			return fmt.Errorf("%w: %s", ErrReservedCommand, name)
		}
		if _, dup := r.entries[name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
		}
		seen[name] = struct{}{}
	}

	for _, c := range cmds {
		r.entries[c.Name()] = c
	}
	return nil
}

// MustRegister is Register that panics, for registration tables built at init.
func (r *Registry) MustRegister(cmds ...Command) {
	if err := r.Register(cmds...); err != nil {
		panic(err)
	}
}

// Freeze forbids further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

// Lookup finds the command registered under name.
func (r *Registry) Lookup(name string) (Command, bool) {
	if r.frozen.Load() {
		c, ok := r.entries[name]
		return c, ok
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.entries[name]
	return c, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every registered and reserved name fits the name
// slot of w.
func (r *Registry) Validate(w *packet.Wire) error {
	names := append(r.Names(), EchoCommand, TestSendReceive, PingCommand, AuthorizationCommand)
	for _, n := range names {
		if _, err := w.EncodeName(n); err != nil {
			return err
		}
	}
	return nil
}
