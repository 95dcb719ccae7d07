package kubernetes

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Config holds the lease-election settings for the role source.
type Config struct {
	// Namespace scopes the lease object.
	Namespace string `yaml:"namespace"`

	// LeaderLockID names the lease object shared by all candidates.
	LeaderLockID string `yaml:"leader_lock_id"`

	// Identity uniquely identifies this node among candidates, typically
	// the pod name.
	Identity string `yaml:"identity"`

	// KubeConfig optionally points at a kubeconfig file for out-of-cluster
	// use; in-cluster config is preferred when available.
	KubeConfig string `yaml:"kube_config,omitempty"`
}

func getKubernetesClient(cfg *Config) (kubernetes.Interface, error) {
	// First try in-cluster config (when running in k8s).
	config, err := rest.InClusterConfig()
	if err == nil {
		return kubernetes.NewForConfig(config)
	}

	// Fall back to kubeconfig file.
	kubeconfig := cfg.KubeConfig
	if kubeconfig == "" {
		kubeconfig = clientcmd.RecommendedHomeFile
	}
	config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to get kubeconfig: %w", err)
	}

	return kubernetes.NewForConfig(config)
}
