package config

import (
	"context"
	"fmt"
)

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files,
// environment variables, or remote configuration services.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	// It returns the parsed configuration or an error if loading fails.
	Load(ctx context.Context) (*Config, error)
}

// Validate checks the parts of the configuration that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Worker.Path == "" {
		return fmt.Errorf("worker.path is required")
	}

	switch c.HA.Source {
	case "", HaSourceNone:
	case HaSourceNotifier:
		if c.HA.Notifier == nil || c.HA.Notifier.Addr == "" {
			return fmt.Errorf("ha.notifier.addr is required when ha.source is %q", HaSourceNotifier)
		}
	case HaSourceKubernetes:
		if c.HA.Kubernetes == nil || c.HA.Kubernetes.Namespace == "" || c.HA.Kubernetes.LeaderLockID == "" {
			return fmt.Errorf("ha.kubernetes.namespace and ha.kubernetes.leader_lock_id are required when ha.source is %q", HaSourceKubernetes)
		}
	case HaSourceKafka:
		if c.HA.Kafka == nil || len(c.HA.Kafka.Brokers) == 0 || c.HA.Kafka.RoleTopic == "" {
			return fmt.Errorf("ha.kafka.brokers and ha.kafka.role_topic are required when ha.source is %q", HaSourceKafka)
		}
	default:
		return fmt.Errorf("unknown ha.source %q", c.HA.Source)
	}

	return nil
}
