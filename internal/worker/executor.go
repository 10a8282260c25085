package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"kinvault/offchain/internal/models"
)

const stageTimeout = 5 * time.Minute

// Executor advances transfers through the settlement machine. Several run
// concurrently; the in-flight guard in the manager keeps any one transfer
// on a single executor.
type Executor struct {
	manager *Manager
	logger  *zap.Logger
}

func NewExecutor(manager *Manager, id int) *Executor {
	return &Executor{
		manager: manager,
		logger:  manager.logger.Named("executor").With(zap.Int("executor_id", id)),
	}
}

// Run consumes ready transfers until the channel closes
func (e *Executor) Run(ctx context.Context) {
	e.logger.Info("Executor started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Executor stopping")
			return
		case t, ok := <-e.manager.monitor.readyTransfers:
			if !ok {
				e.logger.Info("Transfer channel closed, executor stopping")
				return
			}
			e.handleTransfer(ctx, t)
		}
	}
}

// handleTransfer runs one stage of one transfer. Retry scheduling and
// failure terminals are the machine's business; the executor only reports.
func (e *Executor) handleTransfer(ctx context.Context, t *models.Transfer) {
	defer e.manager.release(t.TransferID)

	e.logger.Info("Handling transfer",
		zap.String("transfer_id", t.TransferID),
		zap.String("state", string(t.State)))

	stageCtx, cancel := context.WithTimeout(ctx, stageTimeout)
	defer cancel()

	if err := e.manager.machine.Step(stageCtx, t); err != nil {
		e.logger.Error("Stage execution failed",
			zap.String("transfer_id", t.TransferID),
			zap.String("state", string(t.State)),
			zap.Error(err))
	}
}
