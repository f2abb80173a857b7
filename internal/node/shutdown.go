package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/Klingon-tech/orignode/internal/log"
	"github.com/Klingon-tech/orignode/internal/loop"
)

// Stage names, in execution order.
const (
	StageFlag        = "flag"
	StageSaveState   = "save_state"
	StageStopNetwork = "stop_network"
	StageStopEngine  = "stop_engine"
	StageCancelTasks = "cancel_tasks"
	StageStopLoop    = "stop_loop"
)

// Stage is one step of the shutdown plan.
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// Coordinator runs an ordered shutdown plan at most once. Every stage runs
// even when earlier ones fail.
type Coordinator struct {
	stages []Stage
	once   sync.Once
}

// NewCoordinator creates a coordinator for stages.
func NewCoordinator(stages ...Stage) *Coordinator {
	return &Coordinator{stages: stages}
}

// Run executes the plan and returns the stage errors, each a
// *ShutdownStageError. Only the first call runs the plan; later calls
// return nil at once.
//
// On an event loop each stage runs with the loop released, so tasks being
// cancelled can still finish.
func (c *Coordinator) Run(ctx context.Context) []error {
	var errs []error
	c.once.Do(func() {
		for _, st := range c.stages {
			if err := runStage(ctx, st); err != nil {
				serr := &ShutdownStageError{Stage: st.Name, Err: err}
				log.Shutdown.Error().Err(err).Str("stage", st.Name).Msg("Shutdown stage failed")
				errs = append(errs, serr)
				continue
			}
			log.Shutdown.Debug().Str("stage", st.Name).Msg("Shutdown stage done")
		}
	})
	return errs
}

func runStage(ctx context.Context, st Stage) (err error) {
	loop.Suspend(ctx, func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = st.Run(ctx)
	})
	return err
}
