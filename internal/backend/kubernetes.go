package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-train/internal/domain"
	"github.com/animus-labs/animus-train/internal/platform/k8s"
	"github.com/animus-labs/animus-train/internal/store"
)

// JobClient is the subset of the Kubernetes client the backend needs.
type JobClient interface {
	Namespace() string
	CreateJob(ctx context.Context, namespace string, job k8s.Job) error
	GetJob(ctx context.Context, namespace, name string) (k8s.Job, error)
	DeleteJob(ctx context.Context, namespace, name string) error
}

type KubernetesConfig struct {
	Namespace      string
	Image          string
	ServiceAccount string
	JobTTLSeconds  int32
	NumProc        int
	WorkerEnv      map[string]string
	Resources      Resources
	Poll           time.Duration
	DeleteOnFinish bool
}

// KubernetesBackend runs a round as one Indexed Job whose pods map to ranks
// through JOB_COMPLETION_INDEX.
type KubernetesBackend struct {
	client JobClient
	cfg    KubernetesConfig
	store  store.Store
	logger *slog.Logger
}

func NewKubernetesBackend(client JobClient, cfg KubernetesConfig, st store.Store, logger *slog.Logger) (*KubernetesBackend, error) {
	if client == nil {
		return nil, errors.New("k8s client is required")
	}
	cfg.Namespace = strings.TrimSpace(cfg.Namespace)
	if cfg.Namespace == "" {
		cfg.Namespace = strings.TrimSpace(client.Namespace())
	}
	if cfg.Namespace == "" {
		return nil, errors.New("training namespace is required")
	}
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, errors.New("worker image is required")
	}
	if cfg.NumProc < 1 {
		return nil, fmt.Errorf("num_proc must be positive, got %d", cfg.NumProc)
	}
	if cfg.JobTTLSeconds < 0 {
		return nil, errors.New("job ttl must be non-negative")
	}
	if st == nil {
		return nil, errors.New("kubernetes backend requires a shared store")
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 5 * time.Second
	}
	return &KubernetesBackend{client: client, cfg: cfg, store: st, logger: loggerOrDiscard(logger)}, nil
}

func (b *KubernetesBackend) NumProcesses() int {
	return b.cfg.NumProc
}

func (b *KubernetesBackend) Run(ctx context.Context, task Task, args Args, env map[string]string) ([]domain.RunResult, error) {
	portable, ok := task.(PortableTask)
	if !ok {
		return nil, &domain.BackendExecutionError{Rank: -1, Err: fmt.Errorf("task %T cannot be shipped to pods", task)}
	}
	payload, err := portable.MarshalBinary()
	if err != nil {
		return nil, &domain.BackendExecutionError{Rank: -1, Err: fmt.Errorf("marshal task: %w", err)}
	}
	runID := portable.RunID()
	if err := writeDispatch(ctx, b.store, Dispatch{RunID: runID, Size: b.cfg.NumProc, Task: payload, Args: args, Env: env}); err != nil {
		return nil, &domain.BackendExecutionError{Rank: -1, Err: err}
	}

	job := b.buildJob(runID)
	if err := b.client.CreateJob(ctx, b.cfg.Namespace, job); err != nil && !errors.Is(err, k8s.ErrAlreadyExists) {
		return nil, &domain.BackendExecutionError{Rank: -1, Err: fmt.Errorf("create job: %w", err)}
	}
	b.logger.Info("worker job created", "run_id", runID, "k8s_job_name", job.Metadata.Name, "k8s_namespace", b.cfg.Namespace)
	if b.cfg.DeleteOnFinish {
		defer func() {
			cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := b.client.DeleteJob(cctx, b.cfg.Namespace, job.Metadata.Name); err != nil {
				b.logger.Warn("delete worker job", "k8s_job_name", job.Metadata.Name, "error", err)
			}
		}()
	}

	if err := b.wait(ctx, job.Metadata.Name); err != nil {
		return nil, err
	}
	return collectResults(ctx, b.store, runID, b.cfg.NumProc)
}

func (b *KubernetesBackend) buildJob(runID string) k8s.Job {
	name := jobName(runID)
	labels := map[string]string{
		"app.kubernetes.io/name":      "animus-train",
		"app.kubernetes.io/component": "training-worker",
		"animus.run_id":               labelValue(runID),
	}

	container := k8s.Container{
		Name:  "worker",
		Image: b.cfg.Image,
		Args:  []string{"worker", "-run", runID},
		Env: []k8s.EnvVar{
			{Name: "ANIMUS_TRAIN_RUN_ID", Value: runID},
		},
	}
	keys := make([]string, 0, len(b.cfg.WorkerEnv))
	for k := range b.cfg.WorkerEnv {
		key := strings.TrimSpace(k)
		if key == "" || isReservedWorkerEnvKey(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		container.Env = append(container.Env, k8s.EnvVar{Name: key, Value: b.cfg.WorkerEnv[key]})
	}
	applyResourceHints(&container, b.cfg.Resources)

	podSpec := k8s.PodSpec{
		RestartPolicy:      "Never",
		ServiceAccountName: strings.TrimSpace(b.cfg.ServiceAccount),
		Containers:         []k8s.Container{container},
	}
	size := int32(b.cfg.NumProc)
	backoff := int32(0)
	var ttl *int32
	if b.cfg.JobTTLSeconds > 0 {
		ttl = &b.cfg.JobTTLSeconds
	}
	return k8s.Job{
		Metadata: k8s.ObjectMeta{Name: name, Namespace: b.cfg.Namespace, Labels: labels},
		Spec: k8s.JobSpec{
			Parallelism:             &size,
			Completions:             &size,
			CompletionMode:          k8s.CompletionModeIndexed,
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: ttl,
			Template: k8s.PodTemplateSpec{
				Metadata: k8s.ObjectMeta{Labels: labels},
				Spec:     podSpec,
			},
		},
	}
}

func (b *KubernetesBackend) wait(ctx context.Context, name string) error {
	ticker := time.NewTicker(b.cfg.Poll)
	defer ticker.Stop()
	for {
		job, err := b.client.GetJob(ctx, b.cfg.Namespace, name)
		switch {
		case errors.Is(err, k8s.ErrNotFound):
		case err != nil:
			return &domain.BackendExecutionError{Rank: -1, Err: fmt.Errorf("get job: %w", err)}
		default:
			done, failed, message := job.Finished()
			if done && failed {
				return &domain.BackendExecutionError{Rank: -1, Err: fmt.Errorf("job %s failed: %s", name, message)}
			}
			if done {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return &domain.BackendExecutionError{Rank: -1, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// jobName derives a DNS-1123 name from the run id.
func jobName(runID string) string {
	clean := labelValue(strings.ToLower(runID))
	clean = strings.Trim(strings.ReplaceAll(clean, "_", "-"), "-.")
	if len(clean) > 40 {
		clean = clean[:40]
	}
	return "train-" + strings.Trim(clean, "-.") + "-" + uuid.NewString()[:8]
}

func labelValue(v string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, v)
	if len(out) > 63 {
		out = out[:63]
	}
	return out
}

func applyResourceHints(container *k8s.Container, res Resources) {
	if res.GPUs > 0 {
		if container.Resources.Limits == nil {
			container.Resources.Limits = map[string]string{}
		}
		container.Resources.Limits["nvidia.com/gpu"] = strconv.Itoa(res.GPUs)
	}
	if cpu := strings.TrimSpace(res.CPU); cpu != "" {
		if container.Resources.Requests == nil {
			container.Resources.Requests = map[string]string{}
		}
		container.Resources.Requests["cpu"] = cpu
	}
	if memory := strings.TrimSpace(res.Memory); memory != "" {
		if container.Resources.Requests == nil {
			container.Resources.Requests = map[string]string{}
		}
		container.Resources.Requests["memory"] = memory
	}
}
