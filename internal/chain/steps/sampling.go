package steps

import (
	"context"
	"fmt"
	"modelchain/internal/chain"
	"modelchain/internal/fsutil"
	"modelchain/internal/toolrunner"
	"sync"
	"sync/atomic"
	"time"
)

// sampling resamples the job's mesh into a point cloud with cloudcompare.
// The tool gives no usable progress and may linger after writing, so the
// run is done once its output file has seen no write for the quiet period.
type sampling struct {
	cfg Config

	output  string
	watcher fsutil.Watcher
	changed atomic.Bool
	exited  chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

func (sm *sampling) Launch(ctx context.Context, s *chain.Session) error {
	in, err := inputFile(ctx, s, codeMesh)
	if err != nil {
		return err
	}
	points, ok, err := s.Param(ctx, paramSamplingPointCount)
	if err != nil {
		return fmt.Errorf("read parameter %s: %w", paramSamplingPointCount, err)
	}
	if !ok || points == "" {
		return fmt.Errorf("parameter %s is not set", paramSamplingPointCount)
	}

	sm.output = derivedPath(in, "_RESAMPLED.asc")
	fs := s.FS()
	if err := fs.Truncate(sm.output); err != nil {
		return fmt.Errorf("create output %s: %w", sm.output, err)
	}
	w, err := fs.Watch(ctx, sm.output)
	if err != nil {
		return err
	}
	sm.watcher = w
	sm.exited = make(chan struct{}, 1)
	sm.stop = make(chan struct{})
	sm.wg.Add(1)
	go sm.quiesce(s)

	s.Logger().Info("Sampling mesh", "input", in, "output", sm.output, "points", points)
	return s.Spawn(toolrunner.Command{
		Name: sm.cfg.CloudCompareBin,
		Args: []string{
			"-NO_TIMESTAMP", "-C_EXPORT_FMT", "ASC", "-PREC", "12", "-SEP", "SPACE",
			"-O", in, "-SAMPLE_MESH", "POINT", points,
		},
	})
}

// quiesce finishes the run once the quiet period elapses after the last
// write. Every write restarts the period.
func (sm *sampling) quiesce(s *chain.Session) {
	defer sm.wg.Done()

	timer := time.NewTimer(sm.cfg.QuietPeriod)
	timer.Stop()
	defer timer.Stop()
	var expired <-chan time.Time

	for {
		select {
		case <-sm.stop:
			return
		case <-sm.watcher.Changes():
			sm.changed.Store(true)
			timer.Reset(sm.cfg.QuietPeriod)
			expired = timer.C
		case <-sm.exited:
			if expired == nil {
				timer.Reset(sm.cfg.QuietPeriod)
				expired = timer.C
			}
		case <-expired:
			s.Logger().Info("Output quiet, sampling done", "output", sm.output)
			s.Finish(&chain.Output{Code: codeMesh, Path: sm.output})
			return
		}
	}
}

func (sm *sampling) OnOutput(*chain.Session, toolrunner.Line) {}

// OnExit fails the run when the tool exits without having written
// anything. Output written just before the exit may not have been reported
// by the watch yet, so a non-empty file starts the quiet period instead.
func (sm *sampling) OnExit(ctx context.Context, s *chain.Session, exitErr error) {
	if sm.changed.Load() {
		return
	}
	if size, err := s.FS().Size(sm.output); err == nil && size > 0 {
		select {
		case sm.exited <- struct{}{}:
		default:
		}
		return
	}
	s.Fail(fmt.Errorf("%s exited with status %d before writing %s", sm.cfg.CloudCompareBin, exitStatus(exitErr), sm.output))
}

func (sm *sampling) Cleanup() {
	if sm.stop != nil {
		close(sm.stop)
		sm.wg.Wait()
	}
	if sm.watcher != nil {
		sm.watcher.Close()
	}
}
