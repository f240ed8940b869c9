package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/animus-train/internal/platform/env"
	"github.com/animus-labs/animus-train/internal/platform/k8s"
	"github.com/animus-labs/animus-train/internal/store"
)

const (
	KindLocal      = "local"
	KindDocker     = "docker"
	KindKubernetes = "kubernetes"
)

type Config struct {
	Kind           string
	Image          string
	DockerBin      string
	DockerNetwork  string
	Namespace      string
	ServiceAccount string
	JobTTLSeconds  int
	Poll           time.Duration
	Resources      Resources
}

func ConfigFromEnv() (Config, error) {
	poll, err := env.Duration("ANIMUS_TRAIN_BACKEND_POLL", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	ttl, err := env.Int("ANIMUS_TRAIN_K8S_JOB_TTL_SECONDS", 3600)
	if err != nil {
		return Config{}, err
	}
	gpus, err := env.Int("ANIMUS_TRAIN_WORKER_GPUS", 0)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Kind:           strings.ToLower(strings.TrimSpace(env.String("ANIMUS_TRAIN_BACKEND", KindLocal))),
		Image:          env.String("ANIMUS_TRAIN_WORKER_IMAGE", ""),
		DockerBin:      env.String("ANIMUS_TRAIN_DOCKER_BIN", "docker"),
		DockerNetwork:  env.String("ANIMUS_TRAIN_DOCKER_NETWORK", "host"),
		Namespace:      env.String("ANIMUS_TRAIN_K8S_NAMESPACE", ""),
		ServiceAccount: env.String("ANIMUS_TRAIN_K8S_SERVICE_ACCOUNT", ""),
		JobTTLSeconds:  ttl,
		Poll:           poll,
		Resources: Resources{
			CPU:    env.String("ANIMUS_TRAIN_WORKER_CPU", ""),
			Memory: env.String("ANIMUS_TRAIN_WORKER_MEMORY", ""),
			GPUs:   gpus,
		},
	}
	if cfg.Kind == "" {
		cfg.Kind = KindLocal
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Kind {
	case KindLocal:
		return nil
	case KindDocker, KindKubernetes:
		if strings.TrimSpace(c.Image) == "" {
			return fmt.Errorf("ANIMUS_TRAIN_WORKER_IMAGE is required for the %s backend", c.Kind)
		}
		if c.JobTTLSeconds < 0 {
			return fmt.Errorf("job ttl must be non-negative, got %d", c.JobTTLSeconds)
		}
		return nil
	default:
		return fmt.Errorf("unknown backend kind %q", c.Kind)
	}
}

// New builds a backend of the configured kind sized to numProc. Out-of-process
// kinds forward every ANIMUS_TRAIN_ variable so workers open the same store.
func New(_ context.Context, cfg Config, numProc int, st store.Store, logger *slog.Logger) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	workerEnv := env.WithPrefix("ANIMUS_TRAIN_")
	switch cfg.Kind {
	case KindDocker:
		return NewDockerBackend(DockerConfig{
			Bin:       cfg.DockerBin,
			Image:     cfg.Image,
			Network:   cfg.DockerNetwork,
			NumProc:   numProc,
			WorkerEnv: workerEnv,
			Resources: cfg.Resources,
			Poll:      cfg.Poll,
		}, st, logger)
	case KindKubernetes:
		client, err := k8s.NewInClusterClient()
		if err != nil {
			return nil, err
		}
		return NewKubernetesBackend(client, KubernetesConfig{
			Namespace:      cfg.Namespace,
			Image:          cfg.Image,
			ServiceAccount: cfg.ServiceAccount,
			JobTTLSeconds:  int32(cfg.JobTTLSeconds),
			NumProc:        numProc,
			WorkerEnv:      workerEnv,
			Resources:      cfg.Resources,
			Poll:           cfg.Poll,
		}, st, logger)
	default:
		return NewLocalBackend(numProc, logger)
	}
}
