package provider

import (
	"context"
	"fmt"
	"time"
)

// Instance is a handle to one compute instance owned by the fleet. The
// provisioner layer is credential-free: CI tokens never pass through it.
type Instance struct {
	ID         string
	Name       string
	Provider   string
	ProviderID string
	CreatedAt  time.Time
	Metadata   map[string]string
}

// ProvisionSpec contains parameters for allocating a new compute instance.
type ProvisionSpec struct {
	Name string
	Tags map[string]string
}

// CommandResult is the outcome of running a script on an instance.
type CommandResult struct {
	ExitCode int
	Output   string
}

// Provider is the external compute-provisioning collaborator.
type Provider interface {
	// Name returns the provider name
	Name() string

	// Provision allocates a new compute instance
	Provision(ctx context.Context, spec *ProvisionSpec) (*Instance, error)

	// Destroy terminates a compute instance
	Destroy(ctx context.Context, inst *Instance) error

	// RunCommand executes a shell script on the instance
	RunCommand(ctx context.Context, inst *Instance, script string) (*CommandResult, error)

	// List returns all instances this provider manages for the fleet daemon
	List(ctx context.Context) ([]*Instance, error)

	// HealthCheck performs a health check on the provider
	HealthCheck(ctx context.Context) error

	// Close releases any resources held by the provider
	Close() error
}

// ProvisionError wraps a failure to allocate or destroy compute.
type ProvisionError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }
