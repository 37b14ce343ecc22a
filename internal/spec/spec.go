package spec

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var serviceNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// Defaults applied when a descriptor leaves a value unset.
const (
	DefaultProbeInterval      = 1 * time.Second
	DefaultProbeTimeout       = 2 * time.Second
	DefaultStartTimeout       = 60 * time.Second
	DefaultUnhealthyThreshold = 3
	DefaultRestartDelay       = 2 * time.Second
)

// Crash policies for the whole constellation.
const (
	OnCrashReport         = "report"
	OnCrashStopDependents = "stop-dependents"
)

// File is the top-level structure of a troupe.yaml descriptor file.
type File struct {
	OnCrash  string         `yaml:"on_crash,omitempty"`
	Services []*ServiceSpec `yaml:"services"`
}

// ServiceSpec describes one manageable service.
type ServiceSpec struct {
	Service   Service           `yaml:"service"`
	Network   Network           `yaml:"network"`
	Health    *HealthCheck      `yaml:"health,omitempty"`
	Restart   *RestartPolicy    `yaml:"restart,omitempty"`
	DependsOn []string          `yaml:"depends_on,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	Volumes   map[string]string `yaml:"volumes,omitempty"`
}

type Service struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`                   // "native" | "container"
	Command     string `yaml:"command,omitempty"`      // native only
	WorkingDir  string `yaml:"working_dir,omitempty"`  // native only
	Image       string `yaml:"image,omitempty"`        // container only
	NetworkMode string `yaml:"network_mode,omitempty"` // container only, default "bridge"
}

type Network struct {
	Port int `yaml:"port"`
	// Reclaim lists extra process names that count as leftovers of this
	// service when found bound to its port.
	Reclaim []string `yaml:"reclaim,omitempty"`
}

type HealthCheck struct {
	Type               string   `yaml:"type,omitempty"` // "http" | "tcp"
	Path               string   `yaml:"path,omitempty"`
	URL                string   `yaml:"url,omitempty"`
	Interval           Duration `yaml:"interval,omitempty"`
	Timeout            Duration `yaml:"timeout,omitempty"`
	StartTimeout       Duration `yaml:"start_timeout,omitempty"`
	UnhealthyThreshold int      `yaml:"unhealthy_threshold,omitempty"`
}

type RestartPolicy struct {
	Policy      string   `yaml:"policy"` // "never" | "on-failure"
	MaxAttempts int      `yaml:"max_attempts,omitempty"`
	Delay       Duration `yaml:"delay,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Load reads, parses and validates a descriptor file. Dependency references
// and cycles are checked by NewRegistry, which Load calls before returning.
func Load(path string) (*File, *Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading descriptors %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes descriptor YAML. The source is used in error messages only.
func Parse(data []byte, source string) (*File, *Registry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("parsing descriptors %s: %w", source, err)
	}

	switch f.OnCrash {
	case "":
		f.OnCrash = OnCrashReport
	case OnCrashReport, OnCrashStopDependents:
	default:
		return nil, nil, fmt.Errorf("validating descriptors %s: on_crash must be %q or %q, got %q",
			source, OnCrashReport, OnCrashStopDependents, f.OnCrash)
	}

	for i, s := range f.Services {
		if s == nil {
			return nil, nil, fmt.Errorf("validating descriptors %s: services[%d] is empty", source, i)
		}
		if err := s.Validate(); err != nil {
			return nil, nil, fmt.Errorf("validating descriptors %s: %w", source, err)
		}
	}

	reg, err := NewRegistry(f.Services)
	if err != nil {
		return nil, nil, fmt.Errorf("validating descriptors %s: %w", source, err)
	}
	return &f, reg, nil
}

// Validate checks that a single service descriptor is well-formed.
func (s *ServiceSpec) Validate() error {
	if s.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if !serviceNameRe.MatchString(s.Service.Name) {
		return fmt.Errorf("service.name %q is invalid: must match ^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$", s.Service.Name)
	}
	name := s.Service.Name

	switch s.Service.Type {
	case "", "native":
		if s.Service.Command == "" {
			return fmt.Errorf("%s: service.command is required for native services", name)
		}
		if s.Service.Image != "" {
			return fmt.Errorf("%s: service.image is not valid for native services", name)
		}
	case "container":
		if s.Service.Image == "" {
			return fmt.Errorf("%s: service.image is required for container services", name)
		}
		if s.Service.Command != "" {
			return fmt.Errorf("%s: service.command is not valid for container services", name)
		}
	default:
		return fmt.Errorf("%s: service.type must be \"native\" or \"container\", got %q", name, s.Service.Type)
	}

	if s.Network.Port <= 0 || s.Network.Port > 65535 {
		return fmt.Errorf("%s: network.port must be between 1 and 65535, got %d", name, s.Network.Port)
	}

	if h := s.Health; h != nil {
		switch h.Type {
		case "", "http":
			if h.Type == "http" && h.Path == "" && h.URL == "" {
				return fmt.Errorf("%s: health.path or health.url is required for http health checks", name)
			}
		case "tcp":
			if h.Path != "" || h.URL != "" {
				return fmt.Errorf("%s: health.path and health.url are not valid for tcp health checks", name)
			}
		default:
			return fmt.Errorf("%s: health.type must be \"http\" or \"tcp\", got %q", name, h.Type)
		}
		if h.URL != "" {
			u, err := url.Parse(h.URL)
			if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
				return fmt.Errorf("%s: health.url %q is not an absolute http(s) URL", name, h.URL)
			}
		}
		if h.Interval.Duration < 0 || h.Timeout.Duration < 0 || h.StartTimeout.Duration < 0 {
			return fmt.Errorf("%s: health durations must not be negative", name)
		}
		if h.UnhealthyThreshold < 0 {
			return fmt.Errorf("%s: health.unhealthy_threshold must not be negative", name)
		}
	}

	if r := s.Restart; r != nil {
		switch r.Policy {
		case "never", "on-failure":
			// ok
		default:
			return fmt.Errorf("%s: restart.policy must be \"never\" or \"on-failure\", got %q", name, r.Policy)
		}
		if r.MaxAttempts < 0 {
			return fmt.Errorf("%s: restart.max_attempts must not be negative", name)
		}
	}

	for _, dep := range s.DependsOn {
		if dep == name {
			return fmt.Errorf("%s: service cannot depend on itself", name)
		}
	}

	return nil
}

// Name returns the service name.
func (s *ServiceSpec) Name() string { return s.Service.Name }

// IsContainer reports whether the service runs in a container.
func (s *ServiceSpec) IsContainer() bool { return s.Service.Type == "container" }

// HealthURL returns the URL polled for readiness, or "" when the service is
// probed by TCP connect.
func (s *ServiceSpec) HealthURL() string {
	h := s.Health
	if h == nil || h.Type == "tcp" {
		return ""
	}
	if h.URL != "" {
		return h.URL
	}
	if h.Path != "" {
		return fmt.Sprintf("http://127.0.0.1:%d%s", s.Network.Port, h.Path)
	}
	return ""
}

// ProbeInterval returns the health polling interval.
func (s *ServiceSpec) ProbeInterval() time.Duration {
	if s.Health != nil && s.Health.Interval.Duration > 0 {
		return s.Health.Interval.Duration
	}
	return DefaultProbeInterval
}

// ProbeTimeout returns the per-check timeout.
func (s *ServiceSpec) ProbeTimeout() time.Duration {
	if s.Health != nil && s.Health.Timeout.Duration > 0 {
		return s.Health.Timeout.Duration
	}
	return DefaultProbeTimeout
}

// StartTimeout returns how long the service may take to become healthy.
func (s *ServiceSpec) StartTimeout() time.Duration {
	if s.Health != nil && s.Health.StartTimeout.Duration > 0 {
		return s.Health.StartTimeout.Duration
	}
	return DefaultStartTimeout
}

// UnhealthyThreshold returns the number of consecutive failed checks that
// mark a running service degraded.
func (s *ServiceSpec) UnhealthyThreshold() int {
	if s.Health != nil && s.Health.UnhealthyThreshold > 0 {
		return s.Health.UnhealthyThreshold
	}
	return DefaultUnhealthyThreshold
}

// RestartOnFailure reports whether a crashed service should be relaunched,
// along with the attempt cap (0 means unlimited) and the delay between tries.
func (s *ServiceSpec) RestartOnFailure() (bool, int, time.Duration) {
	r := s.Restart
	if r == nil || r.Policy != "on-failure" {
		return false, 0, 0
	}
	delay := r.Delay.Duration
	if delay <= 0 {
		delay = DefaultRestartDelay
	}
	return true, r.MaxAttempts, delay
}
