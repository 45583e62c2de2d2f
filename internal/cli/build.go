package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"strategy-builder/internal/builder"
	"strategy-builder/internal/errors"
	"strategy-builder/internal/models"
)

// addBuildCommands adds the strategy creation commands.
func addBuildCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newStraddleCmd(app))
	rootCmd.AddCommand(newStrangleCmd(app))
	rootCmd.AddCommand(newCustomCmd(app))
}

func newStraddleCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "straddle <underlying> <expiry>",
		Short: "Create an ATM straddle",
		Long: `Create a long straddle: one call and one put at the at-the-money strike.

The ATM strike is taken from the current option chain.`,
		Example: `  strategist straddle NIFTY "Dec 26 2024"
  strategist straddle NIFTY "Dec 26 2024" --qty 2 --name "Expiry straddle"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			name, _ := cmd.Flags().GetString("name")
			qty, _ := cmd.Flags().GetInt("qty")

			st, err := app.Session.CreateStraddle(ctx, builder.StraddleParams{
				Name:       name,
				Underlying: strings.ToUpper(args[0]),
				ExpiryDate: args[1],
				Quantity:   qty,
			})
			if err != nil {
				return fail(err, "Failed to create straddle")
			}
			return created(output, st)
		},
	}

	cmd.Flags().StringP("name", "n", "", "strategy name (default: generated)")
	cmd.Flags().IntP("qty", "q", 0, "lots per leg (default: defaults.quantity)")
	return cmd
}

func newStrangleCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strangle <underlying> <expiry>",
		Short: "Create a strangle from a call and a put strike",
		Long: `Create a long strangle: one call and one put at different strikes.

The call strike must be above the put strike.`,
		Example: `  strategist strangle NIFTY "Dec 26 2024" --ce 18100 --pe 17700`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			name, _ := cmd.Flags().GetString("name")
			qty, _ := cmd.Flags().GetInt("qty")
			ce, _ := cmd.Flags().GetFloat64("ce")
			pe, _ := cmd.Flags().GetFloat64("pe")

			st, err := app.Session.CreateStrangle(ctx, builder.StrangleParams{
				Name:       name,
				Underlying: strings.ToUpper(args[0]),
				ExpiryDate: args[1],
				CEStrike:   ce,
				PEStrike:   pe,
				Quantity:   qty,
			})
			if err != nil {
				return fail(err, "Failed to create strangle")
			}
			return created(output, st)
		},
	}

	cmd.Flags().StringP("name", "n", "", "strategy name (default: generated)")
	cmd.Flags().IntP("qty", "q", 0, "lots per leg (default: defaults.quantity)")
	cmd.Flags().Float64("ce", 0, "call strike")
	cmd.Flags().Float64("pe", 0, "put strike")
	cmd.MarkFlagRequired("ce")
	cmd.MarkFlagRequired("pe")
	return cmd
}

func newCustomCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "custom <underlying> <expiry>",
		Short: "Create a custom multi-leg strategy",
		Long: `Create a custom strategy from explicit legs.

Each --leg is STRIKE:TYPE[:SIDE[:QTY]]. TYPE is CE or PE, SIDE is BUY (default)
or SELL and QTY defaults to --qty. Strikes given with --ce and --pe are added
with --side and --qty. Every leg is priced from the option chain.`,
		Example: `  strategist custom NIFTY "Dec 26 2024" --name "Iron fly" \
    --leg 17900:CE:SELL --leg 17900:PE:SELL --leg 18100:CE --leg 17700:PE
  strategist custom NIFTY "Dec 26 2024" --ce 18000,18100 --pe 17700 --side SELL`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			name, _ := cmd.Flags().GetString("name")
			qty, _ := cmd.Flags().GetInt("qty")
			specs, _ := cmd.Flags().GetStringArray("leg")
			if qty <= 0 {
				qty = app.Config.Defaults.Quantity
			}

			legs := make([]models.Leg, 0, len(specs))
			for _, spec := range specs {
				leg, err := builder.ParseLeg(spec, qty)
				if err != nil {
					return fail(err, "Invalid leg %q", spec)
				}
				legs = append(legs, leg)
			}

			picked, err := selectStrikes(cmd, app, qty)
			if err != nil {
				return fail(err, "Invalid selection")
			}
			legs = append(legs, picked...)

			st, err := app.Session.CreateCustom(ctx, builder.CustomParams{
				Name:       name,
				Underlying: strings.ToUpper(args[0]),
				ExpiryDate: args[1],
				Legs:       legs,
			})
			if err != nil {
				return fail(err, "Failed to create strategy")
			}
			return created(output, st)
		},
	}

	cmd.Flags().StringP("name", "n", "", "strategy name")
	cmd.Flags().IntP("qty", "q", 0, "default lots per leg (default: defaults.quantity)")
	cmd.Flags().StringArrayP("leg", "l", nil, "leg as STRIKE:TYPE[:SIDE[:QTY]] (repeatable)")
	cmd.Flags().Float64Slice("ce", nil, "call strikes to add")
	cmd.Flags().Float64Slice("pe", nil, "put strikes to add")
	cmd.Flags().String("side", "BUY", "side for --ce and --pe strikes (BUY or SELL)")
	return cmd
}

// selectStrikes adds the --ce and --pe strikes to the session selection and
// returns them as legs in strike order.
func selectStrikes(cmd *cobra.Command, app *App, qty int) ([]models.Leg, error) {
	ces, _ := cmd.Flags().GetFloat64Slice("ce")
	pes, _ := cmd.Flags().GetFloat64Slice("pe")
	if len(ces) == 0 && len(pes) == 0 {
		return nil, nil
	}
	sideFlag, _ := cmd.Flags().GetString("side")
	side, ok := models.ParseOrderSide(sideFlag)
	if !ok {
		return nil, errors.NewInvalidInputError("side", sideFlag, "must be BUY or SELL")
	}

	sel := app.Session.Selection()
	pick := func(strikes []float64, t models.OptionType) {
		for _, strike := range strikes {
			if !sel.Has(strike, t) {
				sel.Toggle(strike, t)
			}
		}
	}
	pick(ces, models.OptionTypeCall)
	pick(pes, models.OptionTypePut)
	return sel.Legs(side, qty), nil
}

func created(output *Output, st models.Strategy) error {
	if output.IsJSON() {
		return output.JSON(st)
	}
	output.Success("✓ Created %s (%s)", st.Name, st.ID)
	output.Println()
	return displayStrategy(output, st)
}
