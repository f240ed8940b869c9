package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-train/internal/domain"
	"github.com/animus-labs/animus-train/internal/store"
)

// Resources are per-worker container resource hints.
type Resources struct {
	CPU    string `yaml:"cpu" json:"cpu,omitempty"`
	Memory string `yaml:"memory" json:"memory,omitempty"`
	GPUs   int    `yaml:"gpus" json:"gpus,omitempty"`
}

// DockerBackend runs one detached container per rank. Containers run the
// worker command of the image and exchange gradients through the store.
type DockerBackend struct {
	dockerBin string
	image     string
	network   string
	numProc   int
	workerEnv map[string]string
	resources Resources
	poll      time.Duration
	store     store.Store
	logger    *slog.Logger
}

type DockerConfig struct {
	Bin       string
	Image     string
	Network   string
	NumProc   int
	WorkerEnv map[string]string
	Resources Resources
	Poll      time.Duration
}

func NewDockerBackend(cfg DockerConfig, st store.Store, logger *slog.Logger) (*DockerBackend, error) {
	bin := strings.TrimSpace(cfg.Bin)
	if bin == "" {
		bin = "docker"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, errors.New("worker image is required")
	}
	if cfg.NumProc < 1 {
		return nil, fmt.Errorf("num_proc must be positive, got %d", cfg.NumProc)
	}
	if st == nil {
		return nil, errors.New("docker backend requires a shared store")
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 2 * time.Second
	}
	network := strings.TrimSpace(cfg.Network)
	if network == "" {
		network = "host"
	}
	return &DockerBackend{
		dockerBin: bin,
		image:     strings.TrimSpace(cfg.Image),
		network:   network,
		numProc:   cfg.NumProc,
		workerEnv: cfg.WorkerEnv,
		resources: cfg.Resources,
		poll:      cfg.Poll,
		store:     st,
		logger:    loggerOrDiscard(logger),
	}, nil
}

func (b *DockerBackend) NumProcesses() int {
	return b.numProc
}

func (b *DockerBackend) Run(ctx context.Context, task Task, args Args, env map[string]string) ([]domain.RunResult, error) {
	portable, ok := task.(PortableTask)
	if !ok {
		return nil, &domain.BackendExecutionError{Rank: -1, Err: fmt.Errorf("task %T cannot be shipped to containers", task)}
	}
	payload, err := portable.MarshalBinary()
	if err != nil {
		return nil, &domain.BackendExecutionError{Rank: -1, Err: fmt.Errorf("marshal task: %w", err)}
	}
	runID := portable.RunID()
	if err := writeDispatch(ctx, b.store, Dispatch{RunID: runID, Size: b.numProc, Task: payload, Args: args, Env: env}); err != nil {
		return nil, &domain.BackendExecutionError{Rank: -1, Err: err}
	}

	suffix := uuid.NewString()[:8]
	names := make([]string, b.numProc)
	defer b.cleanup(names)
	for rank := 0; rank < b.numProc; rank++ {
		names[rank] = containerName(runID, rank, suffix)
		if err := b.submit(ctx, names[rank], runID, rank); err != nil {
			return nil, &domain.BackendExecutionError{Rank: rank, Err: err}
		}
		b.logger.Info("worker container started", "run_id", runID, "rank", rank, "container", names[rank])
	}

	if err := b.wait(ctx, names); err != nil {
		return nil, err
	}
	return collectResults(ctx, b.store, runID, b.numProc)
}

func containerName(runID string, rank int, suffix string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, runID)
	return fmt.Sprintf("animus-train-%s-%d-%s", clean, rank, suffix)
}

func (b *DockerBackend) submit(ctx context.Context, name, runID string, rank int) error {
	args := []string{
		"run",
		"--detach",
		"--name", name,
		"--network", b.network,
		"-e", "ANIMUS_TRAIN_RUN_ID=" + runID,
		"-e", "ANIMUS_TRAIN_RANK=" + strconv.Itoa(rank),
	}
	keys := make([]string, 0, len(b.workerEnv))
	for k := range b.workerEnv {
		key := strings.TrimSpace(k)
		if key == "" || isReservedWorkerEnvKey(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "-e", key+"="+b.workerEnv[key])
	}
	if b.resources.GPUs > 0 {
		args = append(args, "--gpus", strconv.Itoa(b.resources.GPUs))
	}
	if cpu := strings.TrimSpace(b.resources.CPU); cpu != "" {
		if parsed, err := strconv.ParseFloat(cpu, 64); err == nil && parsed > 0 {
			args = append(args, "--cpus", fmt.Sprintf("%g", parsed))
		}
	}
	if mem := strings.TrimSpace(b.resources.Memory); mem != "" {
		args = append(args, "--memory", mem)
	}
	args = append(args, b.image, "worker", "-run", runID, "-rank", strconv.Itoa(rank))

	out, err := exec.CommandContext(ctx, b.dockerBin, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker run failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

var errContainerGone = errors.New("container no longer exists")

type dockerInspectState struct {
	Status   string `json:"Status"`
	ExitCode int    `json:"ExitCode"`
	Error    string `json:"Error"`
}

func (b *DockerBackend) inspect(ctx context.Context, name string) (dockerInspectState, error) {
	out, err := exec.CommandContext(ctx, b.dockerBin, "inspect", "--format", "{{json .State}}", name).CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "No such object") || strings.Contains(text, "not found") {
			return dockerInspectState{}, fmt.Errorf("%w: %s", errContainerGone, name)
		}
		return dockerInspectState{}, fmt.Errorf("docker inspect failed: %w: %s", err, text)
	}
	var state dockerInspectState
	if err := json.Unmarshal(out, &state); err != nil {
		return dockerInspectState{}, fmt.Errorf("parse docker inspect: %w", err)
	}
	return state, nil
}

// wait polls every container until all exited. The first non-zero exit
// fails the round, as does a submitted container that disappeared.
func (b *DockerBackend) wait(ctx context.Context, names []string) error {
	pending := make(map[int]string, len(names))
	for rank, name := range names {
		pending[rank] = name
	}
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		for rank, name := range pending {
			state, err := b.inspect(ctx, name)
			if err != nil {
				return &domain.BackendExecutionError{Rank: rank, Err: err}
			}
			if !strings.EqualFold(state.Status, "exited") && !strings.EqualFold(state.Status, "dead") {
				continue
			}
			if state.ExitCode != 0 {
				msg := fmt.Sprintf("container %s exited with code %d", name, state.ExitCode)
				if state.Error != "" {
					msg += ": " + state.Error
				}
				return &domain.BackendExecutionError{Rank: rank, Err: errors.New(msg)}
			}
			delete(pending, rank)
		}
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return &domain.BackendExecutionError{Rank: -1, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func (b *DockerBackend) cleanup(names []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, name := range names {
		if name == "" {
			continue
		}
		if out, err := exec.CommandContext(ctx, b.dockerBin, "rm", "--force", name).CombinedOutput(); err != nil {
			b.logger.Warn("remove worker container", "container", name, "error", err, "output", strings.TrimSpace(string(out)))
		}
	}
}

func isReservedWorkerEnvKey(key string) bool {
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case "ANIMUS_TRAIN_RUN_ID", "ANIMUS_TRAIN_RANK", "JOB_COMPLETION_INDEX":
		return true
	default:
		return false
	}
}
