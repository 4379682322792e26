package plugins

import (
	"context"
	"encoding/json"

	"github.com/durablerun/durable/internal/executor"
	"github.com/durablerun/durable/internal/model"
	"github.com/durablerun/durable/internal/store"
)

type sqlRequest struct {
	Query string        `json:"query"`
	Args  []interface{} `json:"args"`
	// Limit bounds how many rows are returned to the guest; zero means
	// unbounded. The executor discards any rows beyond Limit before the
	// surrounding transaction closes (spec §4.6 "if the guest discards
	// the stream early, the executor discards remaining rows").
	Limit int `json:"limit"`
}

type sqlResponse struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// SQL implements the sql plugin (spec §4.6): a database-kind transaction
// whose body shares the executor's reserved connection, so guest SQL
// commits atomically with the event row it produces.
type SQL struct{}

func (SQL) Call(ctx context.Context, ex *executor.Executor, request []byte) ([]byte, error) {
	var req sqlRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, err
	}

	value, err := ex.Transaction(ctx, "sql: "+req.Query, model.TransactionDatabase, func(ctx context.Context, tx store.DBTX) ([]byte, error) {
		rows, err := tx.Query(ctx, req.Query, req.Args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		resp := sqlResponse{}
		count := 0
		for rows.Next() {
			if req.Limit > 0 && count >= req.Limit {
				break
			}
			cells, err := rows.Values()
			if err != nil {
				return nil, err
			}
			resp.Rows = append(resp.Rows, cells)
			count++
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}
