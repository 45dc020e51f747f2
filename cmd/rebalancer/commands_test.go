package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gregtusar/ltvbot/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintPositions(t *testing.T) {
	var buf bytes.Buffer
	printPositions(&buf, []models.LoanPosition{{
		ID:               "A",
		LoanAsset:        "USDT",
		BorrowedAmount:   decimal.RequireFromString("1000"),
		CollateralAsset:  "ETH",
		CollateralAmount: decimal.RequireFromString("1.5"),
		CurrentLTV:       decimal.RequireFromString("0.78"),
	}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "ETH")
	assert.Contains(t, lines[1], "0.7800")
}

func TestPlanView(t *testing.T) {
	views := planView([]models.Decision{
		models.NoAction{PositionID: "A"},
		models.AddCollateral{PositionID: "B", CollateralAsset: "BTC", Amount: decimal.RequireFromString("0.1")},
	})

	require.Len(t, views, 2)
	assert.Equal(t, models.DecisionNoAction, views[0].Kind)
	assert.Equal(t, "add 0.1 BTC to B", views[1].Detail)
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["positions"])
	assert.True(t, names["plan"])
	assert.True(t, names["token"])
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.Flags().Lookup("dry-run"))
}
