package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"strategy-builder/internal/errors"
	"strategy-builder/internal/models"
	"strategy-builder/internal/session"
)

// addStrategyCommands adds strategy and position management commands.
func addStrategyCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newStrategiesCmd(app))
	rootCmd.AddCommand(newPositionsCmd(app))
}

func newStrategiesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "strategies",
		Aliases: []string{"st"},
		Short:   "Manage strategies",
		Long:    "List, inspect, reload and delete strategies held by the strategy service.",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List strategies with their P&L",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			offline, _ := cmd.Flags().GetBool("offline")

			if offline {
				return showSnapshots(cmd, app, output)
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()
			if _, err := app.Session.ReloadAll(ctx); err != nil {
				if app.Snapshots == nil || !isUnreachable(err) {
					return fail(err, "Failed to load strategies")
				}
				stderrOutput(cmd).Warning("Strategy service unavailable (%v), showing saved snapshots", err)
				return showSnapshots(cmd, app, output)
			}

			strategies := app.Session.Strategies()
			if output.IsJSON() {
				return output.JSON(strategies)
			}
			return displayStrategies(output, strategies)
		},
	}
	list.Flags().Bool("offline", false, "show the last saved snapshots without contacting the service")

	show := &cobra.Command{
		Use:   "show <strategy-id>",
		Short: "Show a strategy and its positions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			st, err := app.Session.Reload(ctx, args[0])
			if err != nil {
				return fail(err, "Failed to load strategy %s", args[0])
			}
			if output.IsJSON() {
				return output.JSON(st)
			}
			return displayStrategy(output, st)
		},
	}

	reload := &cobra.Command{
		Use:   "reload",
		Short: "Reload all strategies from the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			n, err := app.Session.ReloadAll(ctx)
			if err != nil {
				return fail(err, "Failed to reload strategies")
			}
			if output.IsJSON() {
				return output.JSON(map[string]int{"loaded": n})
			}
			output.Success("✓ Reloaded %d strategies", n)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <strategy-id>",
		Short: "Delete a strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			id := args[0]
			if err := app.Session.DeleteStrategy(ctx, id); err != nil {
				return fail(err, "Failed to delete strategy %s", id)
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"deleted": id})
			}
			output.Success("✓ Deleted strategy %s", id)
			return nil
		},
	}

	cmd.AddCommand(list, show, reload, del)
	return cmd
}

func showSnapshots(cmd *cobra.Command, app *App, output *Output) error {
	if app.Snapshots == nil {
		return fail(errors.New("snapshot store disabled"), "Offline view unavailable")
	}
	snaps, err := app.Snapshots.LoadSnapshots(cmd.Context())
	if err != nil {
		return fail(err, "Failed to read snapshots")
	}

	strategies := make([]models.Strategy, len(snaps))
	for i, snap := range snaps {
		strategies[i] = snap.Strategy
	}
	if output.IsJSON() {
		return output.JSON(snaps)
	}
	if err := displayStrategies(output, strategies); err != nil {
		return err
	}
	if len(snaps) > 0 {
		newest := snaps[0].SavedAt
		for _, snap := range snaps[1:] {
			if snap.SavedAt.After(newest) {
				newest = snap.SavedAt
			}
		}
		output.Dim("  Snapshot saved %s", newest.Local().Format("02 Jan 15:04:05"))
	}
	return nil
}

// isUnreachable reports whether err means the service could not be reached
// or failed server side, as opposed to rejecting the request.
func isUnreachable(err error) bool {
	var apiErr *errors.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

func newPositionsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Add or remove strategy positions",
	}

	add := &cobra.Command{
		Use:   "add <strategy-id> <strike> <CE|PE>",
		Short: "Add a contract to a strategy",
		Long: `Add a single option contract to an existing strategy.

The contract is priced from the option chain's last traded price unless --price is given.`,
		Example: `  strategist positions add st-42 18000 CE --side SELL --qty 2`,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			strike, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fail(errors.NewInvalidInputError("strike", args[1], "not a number"), "Invalid strike")
			}
			optType, ok := models.ParseOptionType(args[2])
			if !ok {
				return fail(errors.NewInvalidInputError("option_type", args[2], "must be CE or PE"), "Invalid option type")
			}
			sideFlag, _ := cmd.Flags().GetString("side")
			side, ok := models.ParseOrderSide(sideFlag)
			if !ok {
				return fail(errors.NewInvalidInputError("side", sideFlag, "must be BUY or SELL"), "Invalid side")
			}
			qty, _ := cmd.Flags().GetInt("qty")
			price, _ := cmd.Flags().GetFloat64("price")

			st, err := app.Session.AddPosition(ctx, args[0], session.PositionParams{
				Strike:     strike,
				OptionType: optType,
				Side:       side,
				Quantity:   qty,
				Price:      price,
			})
			if err != nil {
				return fail(err, "Failed to add position")
			}
			if output.IsJSON() {
				return output.JSON(st)
			}
			output.Success("✓ Added %s %s%s to %s", side, args[1], optType, st.Name)
			output.Println()
			return displayStrategy(output, st)
		},
	}
	add.Flags().String("side", "BUY", "BUY or SELL")
	add.Flags().IntP("qty", "q", 0, "lots (default: defaults.quantity)")
	add.Flags().Float64("price", 0, "average price (default: chain LTP)")

	remove := &cobra.Command{
		Use:   "remove <strategy-id> <position-id>",
		Short: "Remove a position from a strategy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			st, err := app.Session.RemovePosition(ctx, args[0], args[1])
			if err != nil {
				return fail(err, "Failed to remove position %s", args[1])
			}
			if output.IsJSON() {
				return output.JSON(st)
			}
			output.Success("✓ Removed position %s", args[1])
			output.Println()
			return displayStrategy(output, st)
		},
	}

	cmd.AddCommand(add, remove)
	return cmd
}
