package plugins

import (
	"context"
	"encoding/json"

	"github.com/durablerun/durable/internal/executor"
)

type coreRequest struct {
	Op string `json:"op"`
}

type coreResponse struct {
	TaskID        int64           `json:"task_id,omitempty"`
	TaskName      string          `json:"task_name,omitempty"`
	TaskData      json.RawMessage `json:"task_data,omitempty"`
	TaskCreatedAt int64           `json:"task_created_at_unix_milli,omitempty"`
}

// Core implements the core task API (spec §4.6): task_id, task_name,
// task_data, task_created_at. These are reads of the claimed task row
// cached at instantiation time, not host calls recorded in the event
// log — the value is fixed for the task's whole lifetime, so there is
// nothing to replay.
type Core struct{}

func (Core) Call(ctx context.Context, ex *executor.Executor, request []byte) ([]byte, error) {
	var req coreRequest
	if len(request) > 0 {
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, err
		}
	}

	resp := coreResponse{}
	switch req.Op {
	case "task_id":
		resp.TaskID = ex.TaskID()
	case "task_name":
		resp.TaskName = ex.TaskName()
	case "task_data":
		resp.TaskData = ex.TaskData()
	case "task_created_at":
		resp.TaskCreatedAt = ex.TaskCreatedAt().UnixMilli()
	default:
		resp.TaskID = ex.TaskID()
		resp.TaskName = ex.TaskName()
		resp.TaskData = ex.TaskData()
		resp.TaskCreatedAt = ex.TaskCreatedAt().UnixMilli()
	}
	return json.Marshal(resp)
}
