package sandbox

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

// Labels set on every sandbox container. Orphans are found by label, so
// containers of other tools in the same namespace are never touched.
const (
	labelExecID   = "code-sandbox.exec_id"
	labelCodeHash = "code-sandbox.code_hash"
)

const orphanFilter = `labels."` + labelExecID + `"`

func containerLabels(execID, hash string) map[string]string {
	return map[string]string{
		labelExecID:   execID,
		labelCodeHash: hash[:16],
	}
}

// removeContainer kills any task still running in the container, then
// deletes the task, the container and its snapshot.
func (r *Runner) removeContainer(ctx context.Context, container containerd.Container) error {
	if container == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(r.client.WithNamespace(ctx), 30*time.Second)
	defer cancel()

	logger := log.With().Str("container_id", container.ID()).Logger()
	var errs []error

	task, err := container.Task(ctx, nil)
	switch {
	case err == nil:
		if err := stopTask(ctx, task); err != nil {
			logger.Warn().Err(err).Msg("task did not stop")
		}
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("deleting task: %w", err))
		}
	case !errdefs.IsNotFound(err):
		errs = append(errs, fmt.Errorf("loading task: %w", err))
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		errs = append(errs, fmt.Errorf("deleting container: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("removing container %s: %w", container.ID(), err)
	}
	logger.Debug().Msg("container removed")
	return nil
}

func stopTask(ctx context.Context, task containerd.Task) error {
	status, err := task.Status(ctx)
	if err != nil || status.Status == containerd.Stopped {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exitCh, err := task.Wait(waitCtx)
	if err != nil {
		return err
	}
	if err := task.Kill(ctx, syscall.SIGKILL, containerd.WithKillAll); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	select {
	case <-exitCh:
		return nil
	case <-waitCtx.Done():
		return waitCtx.Err()
	}
}

// CleanupOrphaned removes sandbox containers left behind by a previous
// process that died mid-execution.
func (r *Runner) CleanupOrphaned(ctx context.Context) (int, error) {
	containers, err := r.client.Raw().Containers(r.client.WithNamespace(ctx), orphanFilter)
	if err != nil {
		return 0, fmt.Errorf("listing sandbox containers: %w", err)
	}

	var removed int
	for _, c := range containers {
		if err := r.removeContainer(ctx, c); err != nil {
			log.Error().Err(err).Msg("failed to remove orphaned sandbox container")
			continue
		}
		removed++
	}
	return removed, nil
}
