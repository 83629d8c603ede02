package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mnesis-ai/mnesis/internal/model"
)

// MiningRunner runs one conversation-analysis pass.
type MiningRunner interface {
	Mine(ctx context.Context, params model.MineParams) (*model.MiningReport, error)
}

// AnalysisHandler adapts the miner into a job handler. The job payload is
// a model.MineParams document. WaitIfBusy is forced so a scheduled run
// queues behind a manual one instead of burning a retry attempt on the
// single-flight lock.
func AnalysisHandler(miner MiningRunner) Handler {
	return func(ctx context.Context, job *model.Job) (any, error) {
		var params model.MineParams
		if err := json.Unmarshal([]byte(job.Payload), &params); err != nil {
			return nil, fmt.Errorf("decode mining params: %w", err)
		}
		params.WaitIfBusy = true
		return miner.Mine(ctx, params)
	}
}
