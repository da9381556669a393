package trading

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-sentinel/internal/ledger"
	"crypto-sentinel/internal/models"
)

func TestEquityTracksCashAndMarks(t *testing.T) {
	ctx := context.Background()
	book := ledger.New(nil)
	p := NewPortfolio(decimal.NewFromInt(10000), book)

	assert.True(t, p.Equity().Equal(decimal.NewFromInt(10000)))

	// Buy 10 units at 100 with a $1 fee.
	_, err := book.Open(ctx, "BTC/USD", "s1", decimal.NewFromInt(100), decimal.NewFromInt(10), models.RegimeUndefined)
	require.NoError(t, err)
	p.ApplyBuy(&models.Fill{
		Symbol:   "BTC/USD",
		Side:     models.SideBuy,
		Price:    decimal.NewFromInt(100),
		Quantity: decimal.NewFromInt(10),
		FeeUSD:   decimal.NewFromInt(1),
		FilledAt: time.Now(),
	})

	// Cash 8999, exposure 1000, no unrealized movement yet.
	assert.True(t, p.Cash().Equal(decimal.NewFromInt(8999)))
	assert.True(t, p.Equity().Equal(decimal.NewFromInt(9999)))

	// A 10% mark-up shows in equity without any cash change.
	book.MarkToMarket("BTC/USD", decimal.NewFromInt(110))
	assert.True(t, p.Equity().Equal(decimal.NewFromInt(10099)))
}

func TestSellRealizesIntoCash(t *testing.T) {
	ctx := context.Background()
	book := ledger.New(nil)
	p := NewPortfolio(decimal.NewFromInt(10000), book)

	_, err := book.Open(ctx, "BTC/USD", "s1", decimal.NewFromInt(100), decimal.NewFromInt(10), models.RegimeUndefined)
	require.NoError(t, err)
	p.ApplyBuy(&models.Fill{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(10)})

	_, err = book.CloseOldest(ctx, "BTC/USD", "s1", decimal.NewFromInt(110))
	require.NoError(t, err)
	p.ApplySell(&models.Fill{Price: decimal.NewFromInt(110), Quantity: decimal.NewFromInt(10), FeeUSD: decimal.NewFromInt(2)})

	// 10000 - 1000 + 1100 - 2 in cash, with the book flat again.
	assert.True(t, p.Cash().Equal(decimal.NewFromInt(10098)))
	assert.True(t, p.Equity().Equal(decimal.NewFromInt(10098)))
}
