package cli

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"strategy-builder/internal/errors"
	"strategy-builder/internal/models"
	"strategy-builder/internal/store"
	"strategy-builder/internal/stream"
	"strategy-builder/pkg/utils"
)

// addWatchCommands adds the live update commands.
func addWatchCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newWatchCmd(app))
}

func newWatchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [strategy-id...]",
		Short: "Stream live P&L for strategies",
		Long: `Subscribe to live updates and print each strategy's P&L as it changes.

Without arguments every strategy is watched. Press Ctrl+C to stop; a summary
table is printed on exit. With --json each update is written as one JSON line.`,
		Example: `  strategist watch
  strategist watch st-42 st-43 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			status := stderrOutput(cmd)

			if app.Manager == nil {
				return fail(errors.ErrNotConnected, "Live updates need a token and user id in credentials.toml")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			view := newLiveView(output, status)
			app.Manager.OnStatus(view.onStatus)
			app.Manager.OnMarketData(view.onMarket)

			startCtx, cancel := context.WithTimeout(ctx, requestTimeout)
			err := app.Session.Start(startCtx)
			cancel()
			if err != nil {
				status.Warning("Startup incomplete: %v", err)
			}

			ids := args
			if len(ids) == 0 {
				ids = app.Store.IDs()
			}
			if len(ids) == 0 {
				return fail(errors.ErrStrategyNotFound, "Nothing to watch")
			}

			app.Store.OnChange(view.onChange)
			if err := app.Manager.Start(ctx); err != nil {
				return fail(err, "Failed to start live updates")
			}

			rec := stream.NewReconciler(app.Store, app.Manager, app.Logger)
			done := make(chan struct{})
			go func() {
				defer close(done)
				rec.Run(ctx, app.Manager.Updates())
			}()

			watched := 0
			for _, id := range ids {
				if err := app.Session.Watch(ctx, id); err != nil {
					status.Warning("Not watching %s: %v", id, err)
					continue
				}
				view.watch(id, app.Store)
				watched++
			}
			if watched == 0 {
				return fail(errors.ErrStrategyNotFound, "Nothing to watch")
			}
			if utils.SessionAt(time.Now()) != utils.SessionOpen {
				status.Dim("Market closed: P&L will not move until %s",
					utils.NextOpen(time.Now()).Format("Mon 02 Jan 15:04 MST"))
			}

			<-ctx.Done()
			app.Manager.Shutdown()
			<-done

			stats := rec.Stats()
			metrics := app.Manager.Metrics()
			app.Logger.Info().
				Uint64("applied", stats.Applied).
				Uint64("stale", stats.DiscardedStale).
				Uint64("unknown", stats.DiscardedUnknown).
				Uint64("frames", metrics.FramesReceived).
				Uint64("reconnects", metrics.Reconnects).
				Str("service", string(app.Client.BreakerStats().State)).
				Msg("Watch stopped")

			if output.IsJSON() {
				return nil
			}
			output.Println()
			return displayStrategies(output, watchedStrategies(app.Store, view.ids()))
		},
	}
	return cmd
}

// liveView serializes output from the manager and reconciler goroutines.
type liveView struct {
	mu       sync.Mutex
	output   *Output
	notices  *Output
	watching map[string]struct{}
	order    []string
	symbols  map[string]struct{}
}

func newLiveView(output, notices *Output) *liveView {
	return &liveView{
		output:   output,
		notices:  notices,
		watching: make(map[string]struct{}),
		symbols:  make(map[string]struct{}),
	}
}

func (v *liveView) watch(id string, st *store.StrategyStore) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.watching[id]; ok {
		return
	}
	v.watching[id] = struct{}{}
	v.order = append(v.order, id)
	if s, ok := st.Get(id); ok {
		v.symbols[strings.ToUpper(s.Underlying)] = struct{}{}
		if !v.output.IsJSON() {
			v.output.Printf("%s  watching %s\n", v.output.DimText(clock()), pnlLine(v.output, s))
		}
	}
}

func (v *liveView) ids() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.order...)
}

func (v *liveView) onChange(c store.Change) {
	if c.Kind != store.ChangeUpdated {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.watching[c.StrategyID]; !ok {
		return
	}
	if v.output.IsJSON() {
		v.output.JSON(models.StrategyUpdate{
			StrategyID: c.StrategyID,
			Positions:  c.Strategy.Positions,
			TotalPnL:   c.Strategy.TotalPnL,
		})
		return
	}
	v.output.Printf("%s  %s\n", v.output.DimText(clock()), pnlLine(v.output, c.Strategy))
}

func (v *liveView) onStatus(s stream.Status) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case s.Connected:
		v.notices.Success("● live")
	case s.LastError != nil:
		v.notices.Warning("○ disconnected: %v", s.LastError)
	default:
		v.notices.Dim("○ disconnected")
	}
}

func (v *liveView) onMarket(md models.MarketData) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.symbols[strings.ToUpper(md.Symbol)]; !ok {
		return
	}
	v.notices.Printf("%s  %s %s %s\n", v.notices.DimText(clock()), md.Symbol,
		v.notices.BoldText(utils.FormatPrice(md.LTP)), utils.FormatPercent(md.ChangePercent))
}

func pnlLine(output *Output, st models.Strategy) string {
	return output.BoldText(st.Name) + "  " + output.DimText(st.ID) + "  " + output.PnL(st.TotalPnL)
}

func clock() string {
	return time.Now().Format("15:04:05")
}

func watchedStrategies(st *store.StrategyStore, ids []string) []models.Strategy {
	out := make([]models.Strategy, 0, len(ids))
	for _, id := range ids {
		if s, ok := st.Get(id); ok {
			out = append(out, s)
		}
	}
	return out
}
