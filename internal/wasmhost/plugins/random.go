package plugins

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/durablerun/durable/internal/executor"
	"github.com/durablerun/durable/internal/model"
	"github.com/durablerun/durable/internal/store"
)

type randomRequest struct {
	N int `json:"n"`
}

type randomResponse struct {
	BytesBase64 string `json:"bytes_base64"`
}

// Random implements getrandom(n) (spec §4.6): a transaction returning n
// bytes read from the executor's entropy.Source and recorded through the
// log. The request carries only n: there is no insecure variant that
// bypasses the log, and no plugin uses internal/entropy.Seeded.
type Random struct{}

func (Random) Call(ctx context.Context, ex *executor.Executor, request []byte) ([]byte, error) {
	var req randomRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, err
	}
	if req.N < 0 {
		req.N = 0
	}

	value, err := ex.Transaction(ctx, "getrandom", model.TransactionRegular, func(ctx context.Context, tx store.DBTX) ([]byte, error) {
		buf := make([]byte, req.N)
		if _, err := ex.Entropy().Read(buf); err != nil {
			return nil, err
		}
		return json.Marshal(randomResponse{BytesBase64: base64.StdEncoding.EncodeToString(buf)})
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}
