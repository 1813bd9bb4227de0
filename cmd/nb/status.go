package main

import (
	"context"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mikey-austin/nowbar/internal/adapters/output"
	"github.com/mikey-austin/nowbar/internal/core"
	"github.com/mikey-austin/nowbar/pkg/nb"
)

func statusCommand() *cobra.Command {
	var (
		watch bool
		fresh bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show what is playing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fromContext(cmd)
			if watch {
				return watchStatus(cmd.Context(), app)
			}
			ctx, cancel := withTimeout(cmd.Context(), app.timeout)
			defer cancel()

			status := app.service.Status
			if fresh {
				status = app.service.FetchState
			}
			result, err := status(ctx, app.node)
			if err != nil {
				return err
			}
			return app.printer.Print(result)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "watch status updates")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "ask the publisher for a fresh state")

	return cmd
}

func watchStatus(ctx context.Context, app *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	initialCtx, initialCancel := withTimeout(ctx, app.timeout)
	initial, err := app.service.Status(initialCtx, app.node)
	initialCancel()
	if err != nil {
		return err
	}
	node, states, events, errs, err := app.service.WatchStatus(ctx, app.node)
	if err != nil {
		return err
	}

	view, err := newStatusView(app)
	if err != nil {
		return err
	}
	defer view.stop()
	if err := view.update(initial); err != nil {
		return err
	}

	last := initial
	for {
		select {
		case <-ctx.Done():
			return nil
		case state, ok := <-states:
			if !ok {
				return nil
			}
			last = core.StatusResult{Node: node, State: state}
			if err := view.update(last); err != nil {
				return err
			}
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			view.event(evt)
			if err := view.update(last); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			if err != nil {
				return core.WrapError(core.ExitRuntime, "watch", err)
			}
		}
	}
}

// statusView redraws a live area for humans and streams results for json.
type statusView struct {
	app       *app
	area      *pterm.AreaPrinter
	lastEvent string
}

func newStatusView(app *app) (*statusView, error) {
	v := &statusView{app: app}
	if app.json {
		return v, nil
	}
	area, err := pterm.DefaultArea.Start()
	if err != nil {
		return nil, err
	}
	v.area = area
	return v, nil
}

func (v *statusView) update(result core.StatusResult) error {
	if v.area == nil {
		return v.app.printer.Print(result)
	}
	var b strings.Builder
	b.WriteString(output.RenderStatus(result))
	if v.lastEvent != "" {
		b.WriteString("\n")
		b.WriteString(pterm.FgGray.Sprint("last event: " + v.lastEvent))
	}
	v.area.Update(b.String())
	return nil
}

func (v *statusView) event(evt nb.Event) {
	v.lastEvent = evt.Type
}

func (v *statusView) stop() {
	if v.area != nil {
		_ = v.area.Stop()
	}
}
