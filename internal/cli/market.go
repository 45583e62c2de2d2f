package cli

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"strategy-builder/internal/models"
	"strategy-builder/pkg/utils"
)

const requestTimeout = 30 * time.Second

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

// addMarketCommands adds reference data and option chain commands.
func addMarketCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newUnderlyingsCmd(app))
	rootCmd.AddCommand(newExpiriesCmd(app))
	rootCmd.AddCommand(newChainCmd(app))
}

func newUnderlyingsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "underlyings",
		Short: "List tradable underlyings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			segment := models.ExchangeSegment(app.Config.API.ExchangeSegment)
			underlyings, err := app.Client.ListUnderlyings(ctx, segment)
			if err != nil {
				return fail(err, "Failed to list underlyings")
			}

			if output.IsJSON() {
				return output.JSON(underlyings)
			}
			if len(underlyings) == 0 {
				output.Dim("No underlyings for %s", segment)
				return nil
			}
			table := NewTable(output, "Underlying", "Segment")
			for _, u := range underlyings {
				table.AddRow(u.Symbol, string(u.ExchangeSegment))
			}
			return table.Render()
		},
	}
}

func newExpiriesCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "expiries [underlying]",
		Short:   "List expiry dates for an underlying",
		Example: `  strategist expiries NIFTY`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			underlying := underlyingArg(app, args)
			expiries, err := app.Session.SelectUnderlying(ctx, underlying)
			if err != nil {
				return fail(err, "Failed to list expiries for %s", underlying)
			}

			if output.IsJSON() {
				return output.JSON(expiries)
			}
			output.Bold("%s expiries", underlying)
			for _, e := range expiries {
				output.Printf("  %s\n", e)
			}
			return nil
		},
	}
}

func newChainCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain <underlying> <expiry>",
		Short: "Show the option chain around the ATM strike",
		Long: `Fetch the option chain for an underlying and expiry.

Strikes are shown either side of the at-the-money strike, which is the strike
nearest to the spot price and is marked with '*'.`,
		Example: `  strategist chain NIFTY "Dec 26 2024"
  strategist chain BANKNIFTY "Dec 24 2024" --window 5`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			window, _ := cmd.Flags().GetInt("window")
			if !cmd.Flags().Changed("window") {
				window = app.Config.Defaults.StrikeWindow
			}

			underlying := strings.ToUpper(args[0])
			chain, err := app.Session.LoadChain(ctx, underlying, args[1])
			if err != nil {
				return fail(err, "Failed to load option chain")
			}

			if output.IsJSON() {
				return output.JSON(chain)
			}
			if err := displayChain(output, chain, window); err != nil {
				return err
			}
			marketNote(output, time.Now())
			return nil
		},
	}

	cmd.Flags().IntP("window", "w", 10, "strikes to show either side of ATM (0 for all)")
	return cmd
}

func underlyingArg(app *App, args []string) string {
	if len(args) > 0 {
		return strings.ToUpper(args[0])
	}
	return strings.ToUpper(app.Config.Defaults.Underlying)
}

// marketNote warns that quotes are stale outside the trading session.
func marketNote(output *Output, now time.Time) {
	switch utils.SessionAt(now) {
	case utils.SessionOpen:
		return
	case utils.SessionPreOpen:
		output.Dim("\nPre-open session: quotes may not reflect the open.")
	default:
		output.Dim("\nMarket closed: quotes are from the last session. Next open %s.",
			utils.NextOpen(now).Format("Mon 02 Jan 15:04 MST"))
	}
}
