package cli

import (
	"fmt"
	"strings"

	"strategy-builder/internal/builder"
	"strategy-builder/internal/models"
	"strategy-builder/pkg/utils"
)

// quoteCells returns the LTP, bid/ask and OI cells for one side of a chain row.
func quoteCells(q *models.OptionQuote) []string {
	if q == nil {
		return []string{"-", "-", "-"}
	}
	return []string{
		utils.FormatPrice(q.LTP),
		fmt.Sprintf("%s / %s", utils.FormatPrice(q.Bid), utils.FormatPrice(q.Ask)),
		utils.FormatQuantity(q.OpenInterest),
	}
}

// displayChain renders window strikes either side of the ATM strike.
func displayChain(output *Output, chain *models.OptionChain, window int) error {
	atm, err := builder.ATMStrike(chain)
	if err != nil {
		return err
	}

	output.Bold("%s %s", chain.Underlying, chain.ExpiryDate)
	output.Printf("  Spot: %s   ATM: %s\n\n", output.BoldText(utils.FormatPrice(chain.SpotPrice)), builder.FormatStrike(atm))

	table := NewTable(output, "CE OI", "CE Bid/Ask", "CE LTP", "Strike", "PE LTP", "PE Bid/Ask", "PE OI")
	for _, row := range chain.Window(atm, window) {
		ce := quoteCells(row.Call)
		pe := quoteCells(row.Put)

		strike := builder.FormatStrike(row.Strike)
		if row.Strike == atm {
			strike = output.Yellow(strike + " *")
		}
		table.AddRow(ce[2], ce[1], ce[0], strike, pe[0], pe[1], pe[2])
	}
	return table.Render()
}

func legsSummary(legs []models.Leg) string {
	if len(legs) == 0 {
		return "-"
	}
	parts := make([]string, len(legs))
	for i, leg := range legs {
		parts[i] = fmt.Sprintf("%s %s%s x%d", leg.Side, builder.FormatStrike(leg.Strike), leg.OptionType, leg.Quantity)
	}
	return strings.Join(parts, ", ")
}

func displayStrategies(output *Output, strategies []models.Strategy) error {
	if len(strategies) == 0 {
		output.Dim("No strategies")
		return nil
	}

	table := NewTable(output, "ID", "Name", "Type", "Underlying", "Expiry", "Positions", "P&L")
	total := 0.0
	for _, st := range strategies {
		table.AddRow(
			st.ID,
			st.Name,
			string(st.Type),
			st.Underlying,
			st.ExpiryDate,
			fmt.Sprintf("%d", len(st.Positions)),
			output.PnL(st.TotalPnL),
		)
		total += st.TotalPnL
	}
	if err := table.Render(); err != nil {
		return err
	}
	output.Printf("\n  Total P&L: %s\n", output.PnL(total))
	return nil
}

func displayStrategy(output *Output, st models.Strategy) error {
	output.Bold("%s", st.Name)
	output.Printf("  ID:         %s\n", st.ID)
	output.Printf("  Type:       %s\n", st.Type)
	output.Printf("  Underlying: %s  %s\n", st.Underlying, st.ExpiryDate)
	output.Printf("  Legs:       %s\n", legsSummary(st.Legs))
	output.Printf("  Total P&L:  %s\n\n", output.PnL(st.TotalPnL))

	if len(st.Positions) == 0 {
		output.Dim("  No open positions")
		return nil
	}

	table := NewTable(output, "Position", "Contract", "Side", "Qty", "Avg", "LTP", "Unrealized", "Realized")
	for _, p := range st.Positions {
		contract := p.InstrumentName
		if contract == "" {
			contract = builder.FormatStrike(p.Strike) + string(p.OptionType)
		}
		table.AddRow(
			p.PositionID,
			contract,
			string(p.Side),
			fmt.Sprintf("%d", p.Quantity),
			utils.FormatPrice(p.AvgPrice),
			utils.FormatPrice(p.CurrentPrice),
			output.PnL(p.UnrealizedPnL),
			output.PnL(p.RealizedPnL),
		)
	}
	return table.Render()
}
