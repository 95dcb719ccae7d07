package config

import "time"

// HaSourceType enumerates the supported HA role sources.
type HaSourceType string

const (
	// HaSourceNone disables HA awareness; the worker is gated by the enable
	// flag alone.
	HaSourceNone HaSourceType = "none"
	// HaSourceNotifier streams role notifications from a local notification
	// socket.
	HaSourceNotifier HaSourceType = "notifier"
	// HaSourceKubernetes derives the role from a Kubernetes leader election
	// lease.
	HaSourceKubernetes HaSourceType = "kubernetes"
	// HaSourceKafka consumes role notifications from a Kafka topic.
	HaSourceKafka HaSourceType = "kafka"
)

// Config represents the top-level supervisor configuration.
type Config struct {
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Worker     WorkerConfig     `yaml:"worker"`
	HA         HaConfig         `yaml:"ha"`
}

// SupervisorConfig controls the event loop and the watched runtime config.
type SupervisorConfig struct {
	// RuntimeConfigFile is the operator-editable config file watched for
	// enable-flag changes.
	RuntimeConfigFile string `yaml:"runtime_config_file"`

	// EnablePath is the dotted path of the boolean leaf gating the worker.
	// Empty means the worker is always enabled by configuration.
	EnablePath string `yaml:"enable_path,omitempty"`

	// QueueCapacity bounds the supervisor event queue. Zero uses the
	// default.
	QueueCapacity int `yaml:"queue_capacity,omitempty"`

	// ReceiveTimeout bounds each blocking receive on the event queue.
	ReceiveTimeout time.Duration `yaml:"receive_timeout,omitempty"`

	// RestartRate and RestartBurst throttle how quickly a crashing worker
	// is relaunched.
	RestartRate  float64 `yaml:"restart_rate,omitempty"`
	RestartBurst int     `yaml:"restart_burst,omitempty"`
}

// WorkerConfig describes the worker process the supervisor manages.
type WorkerConfig struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args,omitempty"`
	Env  []string `yaml:"env,omitempty"`
	Dir  string   `yaml:"dir,omitempty"`

	// StopGrace is how long a terminated worker is given to exit before the
	// supervisor gives up on it. Zero uses the default.
	StopGrace time.Duration `yaml:"stop_grace,omitempty"`
}

// HaConfig selects and configures the HA role source.
type HaConfig struct {
	Source     HaSourceType      `yaml:"source"`
	Notifier   *NotifierConfig   `yaml:"notifier,omitempty"`
	Kubernetes *KubernetesConfig `yaml:"kubernetes,omitempty"`
	Kafka      *KafkaConfig      `yaml:"kafka,omitempty"`
}

// NotifierConfig points at the local notification socket.
type NotifierConfig struct {
	Addr              string        `yaml:"addr"`
	DialTimeout       time.Duration `yaml:"dial_timeout,omitempty"`
	MaxConnectElapsed time.Duration `yaml:"max_connect_elapsed,omitempty"`
}

// KubernetesConfig configures lease-based role detection.
type KubernetesConfig struct {
	Namespace    string `yaml:"namespace"`
	LeaderLockID string `yaml:"leader_lock_id"`
	Identity     string `yaml:"identity,omitempty"`
	KubeConfig   string `yaml:"kube_config,omitempty"`
}

// KafkaConfig configures topic-based role detection.
type KafkaConfig struct {
	Brokers   []string `yaml:"brokers"`
	RoleTopic string   `yaml:"role_topic"`
	GroupID   string   `yaml:"group_id"`
	ClientID  string   `yaml:"client_id,omitempty"`
}
