package trade

import (
	"github.com/shopspring/decimal"

	"github.com/tradepro/options-engine/internal/model"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// AdjustedOpen shifts the open price against the bettor by spread: up
// positions must beat open*(1+spread), down positions open*(1-spread).
func AdjustedOpen(open decimal.Decimal, dir model.Direction, spread decimal.Decimal) decimal.Decimal {
	if dir == model.Up {
		return open.Mul(one.Add(spread))
	}
	return open.Mul(one.Sub(spread))
}

// Wins reports whether closePrice beats reference strictly in dir.
func Wins(dir model.Direction, reference, closePrice decimal.Decimal) bool {
	if dir == model.Up {
		return closePrice.GreaterThan(reference)
	}
	return closePrice.LessThan(reference)
}

// PayoutFor returns stake*pct/100.
func PayoutFor(stake, pct decimal.Decimal) decimal.Decimal {
	return stake.Mul(pct).Div(hundred)
}

// evaluation is the outcome of pricing one position.
type evaluation struct {
	result model.Result
	payout decimal.Decimal
}

func evaluate(win bool, stake, pct decimal.Decimal) evaluation {
	if !win {
		return evaluation{result: model.ResultLoss, payout: decimal.Zero}
	}
	return evaluation{result: model.ResultWin, payout: PayoutFor(stake, pct)}
}

// credit is what the owner receives when a position closes with result:
// stake+payout on a win, the stake alone on a refund, nothing on a loss.
func credit(result model.Result, stake, payout decimal.Decimal) decimal.Decimal {
	switch result {
	case model.ResultWin:
		return stake.Add(payout)
	case model.ResultLoss:
		return decimal.Zero
	default:
		return stake
	}
}
