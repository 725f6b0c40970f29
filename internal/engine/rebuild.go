package engine

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/papertrade/ledger-engine/internal/metrics"
	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/valuation"
)

// Drift is a stored position that disagrees with the transaction log.
// Stored is nil when the log implies a position the store lacks; Replayed
// is nil when the store holds a position the log does not support.
type Drift struct {
	AssetID  string          `json:"asset_id"`
	Stored   *model.Position `json:"stored"`
	Replayed *model.Position `json:"replayed"`
}

// RebuildReport summarizes a Rebuild run.
type RebuildReport struct {
	AccountID    string  `json:"account_id"`
	Transactions int     `json:"transactions"`
	Positions    int     `json:"positions"` // positions implied by the log
	Drift        []Drift `json:"drift"`
	Repaired     bool    `json:"repaired"`
}

// Rebuild replays the account's transaction log and compares the result
// with the stored positions. With repair set, drifted positions are
// replaced by the replayed ones.
//
// Rebuild reads the log and writes positions in two steps, so it should run
// while the account is not trading.
func (e *Engine) Rebuild(ctx context.Context, accountID string, repair bool) (*RebuildReport, error) {
	txs, err := e.store.ListTransactions(ctx, accountID)
	if err != nil {
		return nil, &TradeError{Op: "rebuild", Err: err}
	}
	replayed, err := valuation.Replay(txs)
	if err != nil {
		return nil, &TradeError{Op: "rebuild", Err: err}
	}
	stored, err := e.store.ListPositions(ctx, accountID)
	if err != nil {
		return nil, &TradeError{Op: "rebuild", Err: err}
	}

	report := &RebuildReport{
		AccountID:    accountID,
		Transactions: len(txs),
		Positions:    len(replayed),
		Drift:        diff(stored, replayed),
	}
	if len(report.Drift) == 0 {
		return report, nil
	}

	metrics.PositionDrift.Add(float64(len(report.Drift)))
	slog.Warn("position drift detected", "account", accountID, "drifted", len(report.Drift), "repair", repair)
	if !repair {
		return report, nil
	}

	positions := make([]model.Position, 0, len(replayed))
	for _, p := range replayed {
		positions = append(positions, p)
	}
	slices.SortFunc(positions, func(a, b model.Position) int {
		return strings.Compare(a.AssetID, b.AssetID)
	})
	if err := e.store.ReplacePositions(ctx, accountID, positions); err != nil {
		return nil, &TradeError{Op: "rebuild", Err: err}
	}
	report.Repaired = true
	slog.Info("positions rebuilt", "account", accountID, "positions", len(positions))
	return report, nil
}

// diff lists the assets whose stored position differs from the replayed one,
// ordered by asset id. Timestamps and display fields are not compared.
func diff(stored []model.Position, replayed map[string]model.Position) []Drift {
	var drift []Drift
	seen := make(map[string]bool, len(stored))

	for _, s := range stored {
		seen[s.AssetID] = true
		r, ok := replayed[s.AssetID]
		switch {
		case !ok:
			drift = append(drift, Drift{AssetID: s.AssetID, Stored: &s})
		case !samePosition(s, r):
			drift = append(drift, Drift{AssetID: s.AssetID, Stored: &s, Replayed: &r})
		}
	}
	for id, r := range replayed {
		if !seen[id] {
			drift = append(drift, Drift{AssetID: id, Replayed: &r})
		}
	}

	slices.SortFunc(drift, func(a, b Drift) int {
		return strings.Compare(a.AssetID, b.AssetID)
	})
	return drift
}

func samePosition(a, b model.Position) bool {
	return a.Quantity.Equal(b.Quantity) &&
		a.TotalInvested.Equal(b.TotalInvested) &&
		a.AverageBuyPrice.Equal(b.AverageBuyPrice)
}
