package output

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/mikey-austin/nowbar/internal/core"
	"github.com/mikey-austin/nowbar/pkg/nb"
)

// HumanPrinter prints human-readable output, to stdout unless Out is set.
type HumanPrinter struct {
	Out io.Writer
}

// Print renders human output.
func (p HumanPrinter) Print(v any) error {
	switch data := v.(type) {
	case core.NodesResult:
		return p.write(renderNodes(data))
	case core.StatusResult:
		return p.write(RenderStatus(data), "\n")
	case SourcesOutput:
		return p.write(renderSources(data))
	case core.AckResult:
		return p.write(pterm.Success.Sprintf("%s sent to %s", data.Command, data.Node), "\n")
	default:
		return p.write("ok\n")
	}
}

// SourcesOutput asks for the source table of a status result.
type SourcesOutput struct {
	core.StatusResult
}

func (p HumanPrinter) write(parts ...string) error {
	out := p.Out
	if out == nil {
		out = os.Stdout
	}
	_, err := io.WriteString(out, strings.Join(parts, ""))
	return err
}

func renderNodes(result core.NodesResult) string {
	data := pterm.TableData{{"NAME", "NODE_ID", "STATUS"}}
	for _, node := range result.Nodes {
		status := pterm.FgRed.Sprint("offline")
		if node.Online {
			status = pterm.FgGreen.Sprint("online")
		}
		data = append(data, []string{node.Name, node.NodeID, status})
	}
	return renderTable(data)
}

func renderSources(result SourcesOutput) string {
	current := ""
	if result.State.Current != nil {
		current = result.State.Current.Key
	}
	data := pterm.TableData{{"", "APP", "STATE", "TYPE", "NOW PLAYING"}}
	for _, src := range result.State.Sources {
		marker := ""
		if src.Key == current {
			marker = "*"
		}
		data = append(data, []string{marker, appName(src), playState(src), src.Type, src.DisplayTitle()})
	}
	return renderTable(data)
}

func renderTable(data pterm.TableData) string {
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return fmt.Sprintf("render table: %v\n", err)
	}
	return out + "\n"
}

// RenderStatus formats the current source as one line, prefixed with where it came from.
func RenderStatus(result core.StatusResult) string {
	prefix := pterm.Bold.Sprint(result.Source())
	cur := result.State.Current
	if cur == nil {
		return loadingSuffix(result.State, fmt.Sprintf("%s  %s", prefix, pterm.FgGray.Sprint("nothing playing")))
	}
	parts := []string{prefix, "[" + playState(*cur) + "]", cur.DisplayTitle()}
	if app := appName(*cur); app != cur.DisplayTitle() {
		parts = append(parts, pterm.FgGray.Sprint("("+app+")"))
	}
	if swatch := accentSwatch(cur.Accent); swatch != "" {
		parts = append(parts, swatch)
	}
	if n := len(result.State.Sources); n > 1 {
		parts = append(parts, pterm.FgGray.Sprintf("+%d more", n-1))
	}
	return loadingSuffix(result.State, strings.Join(parts, "  "))
}

func loadingSuffix(state nb.State, line string) string {
	if !state.Loading {
		return line
	}
	return line + "  " + pterm.FgGray.Sprint("(refreshing)")
}

func playState(src nb.SourceState) string {
	if src.Playing {
		return pterm.FgGreen.Sprint("playing")
	}
	return pterm.FgYellow.Sprint("paused")
}

func appName(src nb.SourceState) string {
	if src.App != "" {
		return src.App
	}
	return src.Key
}

// accentSwatch renders #rrggbb as a coloured block, or "" when there is no accent.
func accentSwatch(hex string) string {
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) != 6 {
		return ""
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return ""
	}
	return pterm.NewRGB(uint8(v>>16), uint8(v>>8), uint8(v)).Sprint("■")
}
