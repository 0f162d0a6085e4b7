// Package backend manages the ephemeral emulated-backend containers that
// validation tasks deploy against. Containers are driven through the docker
// CLI; every instance gets a host-assigned port so parallel tasks never race
// on a fixed one.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds container settings for one backend flavor.
type Config struct {
	// Image is the backend container image.
	Image string

	// InternalPort is the service port inside the container.
	InternalPort int

	// NamePrefix prefixes generated container names.
	NamePrefix string

	// Env is the container environment.
	Env map[string]string

	// Memory is the container memory limit (docker syntax, e.g. "2g").
	Memory string

	// CPUs is the container CPU limit.
	CPUs string

	// PidsLimit caps the number of processes inside the container.
	// Zero means the runtime default.
	PidsLimit int

	// HealthPath is the HTTP path polled for readiness.
	HealthPath string

	// HealthInterval is the poll interval.
	HealthInterval time.Duration

	// HealthTimeout is the hard readiness deadline.
	HealthTimeout time.Duration
}

// DefaultConfig returns the stock emulated-AWS backend settings.
func DefaultConfig() Config {
	return Config{
		Image:        "localstack/localstack:latest",
		InternalPort: 4566,
		NamePrefix:   "probe-backend",
		Env: map[string]string{
			"DEBUG":                 "0",
			"PERSISTENCE":           "0",
			"EAGER_SERVICE_LOADING": "1",
		},
		Memory:         "2g",
		CPUs:           "1",
		PidsLimit:      512,
		HealthPath:     "/_localstack/health",
		HealthInterval: 2 * time.Second,
		HealthTimeout:  60 * time.Second,
	}
}

// Instance describes one running backend container.
type Instance struct {
	// ID is the container name, unique per instance.
	ID string

	// ContainerID is the runtime's container identifier.
	ContainerID string

	// HostPort is the host port mapped to the internal service port.
	HostPort int

	// Endpoint is the service URL reachable from the host.
	Endpoint string

	// StartedAt is when the container was launched.
	StartedAt time.Time
}

// CommandRunner executes a container runtime command and captures its output.
// It exists so tests can stand in for the docker CLI.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// Manager starts, health-checks, and tears down backend containers.
// It keeps a registry of live instances so Stop is idempotent and
// CleanupAll can sweep whatever a run leaves behind.
type Manager struct {
	cfg    Config
	runner CommandRunner
	client *http.Client
	logger zerolog.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewManager creates a container manager. A nil runner uses the docker CLI.
func NewManager(cfg Config, runner CommandRunner, logger zerolog.Logger) *Manager {
	if cfg.Image == "" {
		cfg = DefaultConfig()
	}
	if runner == nil {
		runner = &dockerRunner{}
	}
	return &Manager{
		cfg:       cfg,
		runner:    runner,
		client:    &http.Client{Timeout: 5 * time.Second},
		logger:    logger.With().Str("component", "container-manager").Logger(),
		instances: make(map[string]*Instance),
	}
}

// Start launches a backend container and waits for it to become healthy.
// The instance is registered before the health poll, so on a health timeout
// the caller receives both the instance and an error and must Stop it.
func (m *Manager) Start(ctx context.Context) (*Instance, error) {
	if err := m.ensureImage(ctx); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s-%s", m.cfg.NamePrefix, uuid.New().String()[:8])

	args := []string{
		"run", "-d",
		"--name", name,
		// Port 0 lets the host pick a free port, avoiding races between
		// parallel tasks.
		"-p", fmt.Sprintf("127.0.0.1:0:%d", m.cfg.InternalPort),
	}
	if m.cfg.Memory != "" {
		args = append(args, "--memory", m.cfg.Memory)
	}
	if m.cfg.CPUs != "" {
		args = append(args, "--cpus", m.cfg.CPUs)
	}
	if m.cfg.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(m.cfg.PidsLimit))
	}
	for k, v := range m.cfg.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, m.cfg.Image)

	stdout, stderr, code, err := m.runner.Run(ctx, "docker", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run container: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("failed to run container: %s", strings.TrimSpace(stderr))
	}
	containerID := strings.TrimSpace(stdout)

	port, err := m.mappedPort(ctx, name)
	if err != nil {
		// The container exists but is unusable; remove it before failing.
		m.removeContainer(ctx, name)
		return nil, err
	}

	inst := &Instance{
		ID:          name,
		ContainerID: containerID,
		HostPort:    port,
		Endpoint:    fmt.Sprintf("http://127.0.0.1:%d", port),
		StartedAt:   time.Now(),
	}

	m.mu.Lock()
	m.instances[name] = inst
	m.mu.Unlock()

	m.logger.Info().
		Str("instance_id", name).
		Int("port", port).
		Msg("Backend container started")

	if err := m.waitHealthy(ctx, inst); err != nil {
		return inst, err
	}

	return inst, nil
}

// ensureImage pulls the image when it is not present locally.
func (m *Manager) ensureImage(ctx context.Context) error {
	_, _, code, err := m.runner.Run(ctx, "docker", "image", "inspect", m.cfg.Image)
	if err != nil {
		return fmt.Errorf("failed to inspect image: %w", err)
	}
	if code == 0 {
		return nil
	}

	m.logger.Info().Str("image", m.cfg.Image).Msg("Pulling backend image")

	_, stderr, code, err := m.runner.Run(ctx, "docker", "pull", m.cfg.Image)
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("failed to pull image %s: %s", m.cfg.Image, strings.TrimSpace(stderr))
	}
	return nil
}

// mappedPort asks the runtime which host port was assigned.
func (m *Manager) mappedPort(ctx context.Context, name string) (int, error) {
	spec := fmt.Sprintf("%d/tcp", m.cfg.InternalPort)

	stdout, stderr, code, err := m.runner.Run(ctx, "docker", "port", name, spec)
	if err != nil {
		return 0, fmt.Errorf("failed to query mapped port: %w", err)
	}
	if code != 0 {
		return 0, fmt.Errorf("failed to query mapped port: %s", strings.TrimSpace(stderr))
	}

	// Output looks like "127.0.0.1:49321", possibly one line per address
	// family. The first line is enough.
	line := strings.TrimSpace(stdout)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	idx := strings.LastIndexByte(line, ':')
	if idx < 0 {
		return 0, fmt.Errorf("unexpected port mapping output: %q", line)
	}
	port, err := strconv.Atoi(line[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("unexpected port mapping output %q: %w", line, err)
	}
	return port, nil
}

// waitHealthy polls the health endpoint until it answers or the deadline
// passes.
func (m *Manager) waitHealthy(ctx context.Context, inst *Instance) error {
	url := inst.Endpoint + m.cfg.HealthPath
	deadline := time.Now().Add(m.cfg.HealthTimeout)

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to build health request: %w", err)
		}

		resp, err := m.client.Do(req)
		if err == nil {
			healthy := resp.StatusCode == http.StatusOK
			_ = resp.Body.Close()
			if healthy {
				m.logger.Debug().Str("instance_id", inst.ID).Msg("Backend healthy")
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("backend %s not healthy after %v", inst.ID, m.cfg.HealthTimeout)
		}

		select {
		case <-time.After(m.cfg.HealthInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop removes an instance's container. It is best-effort and idempotent:
// failures are logged, an unknown ID is a no-op, and the instance is always
// dropped from the registry.
func (m *Manager) Stop(ctx context.Context, instanceID string) {
	m.mu.Lock()
	_, known := m.instances[instanceID]
	delete(m.instances, instanceID)
	m.mu.Unlock()

	if !known {
		return
	}

	m.removeContainer(ctx, instanceID)
	m.logger.Info().Str("instance_id", instanceID).Msg("Backend container stopped")
}

func (m *Manager) removeContainer(ctx context.Context, name string) {
	_, stderr, code, err := m.runner.Run(ctx, "docker", "rm", "-f", name)
	if err != nil || code != 0 {
		m.logger.Warn().
			Str("instance_id", name).
			Err(err).
			Str("stderr", strings.TrimSpace(stderr)).
			Msg("Failed to remove container")
	}
}

// CleanupAll removes every registered container. Used as the final safety
// net after a run.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(ctx, id)
	}

	if len(ids) > 0 {
		m.logger.Info().Int("count", len(ids)).Msg("Cleaned up leftover containers")
	}
}

// Logs returns the container log output. Best-effort: any failure yields an
// empty string so log collection never fails a task.
func (m *Manager) Logs(ctx context.Context, instanceID string) string {
	stdout, stderr, code, err := m.runner.Run(ctx, "docker", "logs", instanceID)
	if err != nil || code != 0 {
		m.logger.Debug().
			Str("instance_id", instanceID).
			Err(err).
			Msg("Failed to collect container logs")
		return ""
	}
	if stdout == "" {
		return stderr
	}
	return stdout
}

// Active returns the number of currently registered instances.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}
