// Package render prints snapshots for people and for scripts.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/skobkin/gputop/internal/metric"
	"github.com/skobkin/gputop/internal/snapshot"
)

// Options tunes the table output.
type Options struct {
	// Color enables ANSI colors for temperature cells.
	Color bool
	// ShowIssues lists degraded readings under the tables.
	ShowIssues bool
	// TimeFormat defaults to time.DateTime.
	TimeFormat string
}

// Table writes a header line, a device table and a process table.
func Table(w io.Writer, snap snapshot.Snapshot, opts Options) error {
	timeFormat := opts.TimeFormat
	if timeFormat == "" {
		timeFormat = time.DateTime
	}

	if _, err := fmt.Fprintf(w, "%s  Driver: %s  CUDA: %s\n",
		snap.Timestamp.Local().Format(timeFormat), orNA(snap.DriverVersion), orNA(snap.RuntimeVersion)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	devices := newTable(w)
	devices.SetHeader([]string{"GPU", "Name", "Temp", "Power", "Util", "Memory", "Mem%"})
	devices.SetColumnAlignment([]int{
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
	})
	for _, d := range snap.Devices {
		row := []string{
			strconv.Itoa(d.Index),
			d.Name,
			d.Temperature.Current.String(),
			powerCell(d.Power.Draw, d.Power.Limit, d.Power.LimitChanged()),
			d.Utilization.GPU.String(),
			memoryCell(d.Memory.Used, d.Memory.Total),
			percentCell(d.Memory.Used.Ratio(d.Memory.Total)),
		}
		if opts.Color {
			colors := make([]tablewriter.Colors, len(row))
			colors[2] = temperatureColor(d.Temperature.Current)
			devices.Rich(row, colors)
			continue
		}
		devices.Append(row)
	}
	devices.Render()

	if _, err := fmt.Fprintln(w); err != nil {
		return fmt.Errorf("write separator: %w", err)
	}

	header := []string{"GPU", "PID", "User"}
	if snap.ContainerSupport {
		header = append(header, "Container")
	}
	header = append(header, "Type", "Memory", "Command")

	procs := newTable(w)
	procs.SetHeader(header)
	for _, p := range snap.Processes {
		row := []string{strconv.Itoa(p.DeviceIndex), strconv.Itoa(p.PID), userCell(p)}
		if snap.ContainerSupport {
			row = append(row, containerCell(p))
		}
		row = append(row, p.Type, p.UsedMemory.String(), commandCell(p))
		procs.Append(row)
	}
	procs.Render()

	if opts.ShowIssues && len(snap.Issues) > 0 {
		if _, err := fmt.Fprintln(w); err != nil {
			return fmt.Errorf("write separator: %w", err)
		}
		for _, issue := range snap.Issues {
			if _, err := fmt.Fprintf(w, "! %s\n", issue); err != nil {
				return fmt.Errorf("write issue: %w", err)
			}
		}
	}
	return nil
}

// JSON writes the snapshot as indented JSON.
func JSON(w io.Writer, snap snapshot.Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return nil
}

// ClearScreen moves the cursor home and clears the terminal.
func ClearScreen(w io.Writer) error {
	_, err := io.WriteString(w, "\033[H\033[2J")
	return err
}

func newTable(w io.Writer) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetBorder(false)
	t.SetHeaderLine(false)
	t.SetColumnSeparator("")
	t.SetCenterSeparator("")
	t.SetRowSeparator("")
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)
	return t
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func powerCell(draw, limit metric.Value, changed bool) string {
	if !changed {
		return draw.String()
	}
	return draw.String() + " / " + limit.String()
}

// memoryCell tolerates used > total; the backend is not always consistent.
func memoryCell(used, total metric.Value) string {
	if used.Reported() && total.Reported() && used.Unit() == total.Unit() {
		return used.NumberString() + "/" + total.String()
	}
	return used.String() + "/" + total.String()
}

func percentCell(v metric.Value) string {
	r, ok := v.Rounded()
	if !ok || !v.Reported() {
		return "N/A"
	}
	return strconv.FormatInt(r, 10) + "%"
}

func temperatureColor(v metric.Value) tablewriter.Colors {
	c, ok := v.Rounded()
	switch {
	case !ok:
		return tablewriter.Colors{}
	case c > 75:
		return tablewriter.Colors{tablewriter.FgRedColor}
	case c > 50:
		return tablewriter.Colors{tablewriter.FgYellowColor}
	case c > 30:
		return tablewriter.Colors{tablewriter.FgGreenColor}
	default:
		return tablewriter.Colors{tablewriter.FgBlueColor}
	}
}

func userCell(p snapshot.Process) string {
	if p.User != "" {
		return p.User
	}
	return strconv.Itoa(p.UID)
}

func containerCell(p snapshot.Process) string {
	if p.Container == nil {
		return "-"
	}
	if p.Container.Name == "" {
		return p.Container.ShortID()
	}
	return p.Container.Name
}

func commandCell(p snapshot.Process) string {
	if p.Command != "" {
		return p.Command
	}
	if p.Name != "" {
		return p.Name
	}
	return "-"
}
