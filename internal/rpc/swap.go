package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/coinswap/internal/config"
	"github.com/klingon-exchange/coinswap/internal/taker"
)

const defaultMakers = 2

var (
	errNotTaker = errors.New("method requires the taker role")
	errNotFound = errors.New("session not found")
)

// SwapRunParams are the params of swap_run.
type SwapRunParams struct {
	Amount    uint64 `json:"amount"`
	AmountBTC string `json:"amount_btc,omitempty"`
	NumMakers int    `json:"num_makers"`
	// Wait blocks the call until the swap finishes. Otherwise the swap runs
	// in the background and its progress is pushed over the websocket.
	Wait bool `json:"wait"`
}

func (s *Server) swapRun(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Taker == nil {
		return nil, errNotTaker
	}
	p := SwapRunParams{NumMakers: defaultMakers}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	amount, err := parseAmount(p.Amount, p.AmountBTC)
	if err != nil {
		return nil, err
	}
	p.Amount = amount
	if p.Amount == 0 {
		return nil, invalidParams("amount is required")
	}
	if max := s.deps.Config.MaxHops() - 1; p.NumMakers < 1 || p.NumMakers > max {
		return nil, invalidParams("num_makers must be between 1 and %d", max)
	}

	if p.Wait {
		return s.deps.Taker.RunSwap(ctx, p.Amount, p.NumMakers)
	}

	go func() {
		res, err := s.deps.Taker.RunSwap(s.ctx, p.Amount, p.NumMakers)
		if err != nil {
			s.log.Warn("Swap failed", "amount", p.Amount, "makers", p.NumMakers, "error", err)
			s.wsHub.Broadcast(EventSwapFailed, map[string]interface{}{
				"amount": p.Amount,
				"error":  err.Error(),
				"result": res,
			})
			return
		}
		s.wsHub.Broadcast(EventSwapFinished, res)
	}()
	return map[string]interface{}{"started": true, "amount": p.Amount, "num_makers": p.NumMakers}, nil
}

func (s *Server) swapList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Taker != nil {
		sessions := s.deps.Taker.Sessions()
		return map[string]interface{}{"sessions": sessions, "count": len(sessions)}, nil
	}
	if s.deps.Maker != nil {
		sessions := s.deps.Maker.Sessions()
		return map[string]interface{}{"sessions": sessions, "count": len(sessions)}, nil
	}
	return map[string]interface{}{"sessions": []interface{}{}, "count": 0}, nil
}

// SwapStatusParams are the params of swap_status.
type SwapStatusParams struct {
	SessionID string `json:"session_id"`
}

func (s *Server) swapStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapStatusParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, invalidParams("session_id is required")
	}

	if s.deps.Taker != nil {
		info, err := s.deps.Taker.Session(p.SessionID)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, taker.ErrSessionNotFound) {
			return nil, err
		}
	}
	if s.deps.Maker != nil {
		if info := s.deps.Maker.Session(p.SessionID); info != nil {
			return info, nil
		}
	}

	rec, err := s.deps.Store.GetSession(p.SessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", errNotFound, p.SessionID)
	}
	return historyEntry{
		ID:        rec.ID,
		Role:      rec.Role,
		State:     rec.State,
		Hop:       rec.Hop,
		Amount:    rec.Amount,
		NumMakers: rec.NumMakers,
		Reason:    rec.Reason,
		Created:   rec.CreatedAt,
		Updated:   rec.UpdatedAt,
		Completed: rec.CompletedAt,
	}, nil
}

// SwapHistoryParams are the params of swap_history.
type SwapHistoryParams struct {
	Limit int `json:"limit"`
}

// historyEntry is a stored session without its private session data.
type historyEntry struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	State     string    `json:"state"`
	Hop       int       `json:"hop"`
	Amount    uint64    `json:"amount"`
	NumMakers int       `json:"num_makers,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
	Completed time.Time `json:"completed,omitempty"`
}

func (s *Server) swapHistory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p := SwapHistoryParams{Limit: 50}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 || p.Limit > 1000 {
		return nil, invalidParams("limit must be between 1 and 1000")
	}

	role := string(s.deps.Config.Role)
	if role == "" {
		role = string(config.RoleTaker)
	}
	records, err := s.deps.Store.ListSessions(role, p.Limit)
	if err != nil {
		return nil, err
	}
	entries := make([]historyEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, historyEntry{
			ID:        r.ID,
			Role:      r.Role,
			State:     r.State,
			Hop:       r.Hop,
			Amount:    r.Amount,
			NumMakers: r.NumMakers,
			Reason:    r.Reason,
			Created:   r.CreatedAt,
			Updated:   r.UpdatedAt,
			Completed: r.CompletedAt,
		})
	}
	return map[string]interface{}{"sessions": entries, "count": len(entries)}, nil
}

func (s *Server) swapRecover(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Taker == nil {
		return nil, errNotTaker
	}
	if err := s.deps.Taker.RecoverPending(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}
