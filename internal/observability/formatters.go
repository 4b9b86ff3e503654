// Package observability provides formatted CLI output in json, table, and
// csv form. Every read command prints through a Printer; not-found prints an
// empty result, never an error.
package observability

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/malbeck/quantreg/internal/catalog"
	"github.com/malbeck/quantreg/internal/types"
)

// Format selects the output rendering.
type Format string

const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatCSV   Format = "csv"
)

// ParseFormat validates a --format flag value.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatTable, FormatCSV:
		return Format(s), nil
	case "":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("unknown format %q (want json, table, or csv)", s)
	}
}

// Printer handles formatted output for CLI commands.
type Printer struct {
	out    io.Writer
	format Format
}

// NewPrinter creates a Printer writing the given format to out.
func NewPrinter(out io.Writer, format Format) *Printer {
	return &Printer{out: out, format: format}
}

// printJSON renders any value as indented JSON.
func (p *Printer) printJSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRows renders a header and rows as a table or csv.
func (p *Printer) printRows(header []string, rows [][]string) error {
	if p.format == FormatCSV {
		w := csv.NewWriter(p.out)
		if err := w.Write(header); err != nil {
			return err
		}
		for _, row := range rows {
			if err := w.Write(row); err != nil {
				return err
			}
		}
		w.Flush()
		return w.Error()
	}
	w := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

// Artifacts prints a list of artifacts.
func (p *Printer) Artifacts(artifacts []types.Artifact) error {
	if p.format == FormatJSON {
		return p.printJSON(artifacts)
	}
	rows := make([][]string, len(artifacts))
	for i, a := range artifacts {
		rows[i] = []string{
			a.ID,
			string(a.Type),
			a.LogicalKey,
			string(a.Status),
			strconv.FormatInt(a.RowCount, 10),
			a.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return p.printRows([]string{"ID", "TYPE", "LOGICAL_KEY", "STATUS", "ROWS", "CREATED"}, rows)
}

// Artifact prints one artifact, or an empty result when it is nil.
func (p *Printer) Artifact(a *types.Artifact) error {
	if a == nil {
		return p.Artifacts(nil)
	}
	if p.format == FormatJSON {
		return p.printJSON(a)
	}
	return p.Artifacts([]types.Artifact{*a})
}

// Lineage prints one hop of upstream lineage.
func (p *Printer) Lineage(inputs []types.LineageInput) error {
	if p.format == FormatJSON {
		return p.printJSON(map[string]any{"inputs": inputs})
	}
	rows := make([][]string, len(inputs))
	for i, in := range inputs {
		rows[i] = []string{in.ArtifactID, string(in.Type), in.Role}
	}
	return p.printRows([]string{"ARTIFACT_ID", "TYPE", "ROLE"}, rows)
}

// RunSets prints a list of runsets.
func (p *Printer) RunSets(runsets []types.RunSet) error {
	if p.format == FormatJSON {
		return p.printJSON(runsets)
	}
	rows := make([][]string, len(runsets))
	for i, rs := range runsets {
		rows[i] = []string{
			rs.ID,
			rs.Spec.DatasetID,
			rs.Spec.From.UTC().Format("2006-01-02"),
			rs.Spec.To.UTC().Format("2006-01-02"),
			strconv.FormatBool(rs.Frozen),
		}
	}
	return p.printRows([]string{"ID", "DATASET", "FROM", "TO", "FROZEN"}, rows)
}

// RunSet prints one runset with its resolution history.
func (p *Printer) RunSet(rs *types.RunSet, history []types.Resolution) error {
	if rs == nil {
		return p.RunSets(nil)
	}
	if p.format == FormatJSON {
		return p.printJSON(map[string]any{"runset": rs, "resolutions": history})
	}
	if err := p.RunSets([]types.RunSet{*rs}); err != nil {
		return err
	}
	if len(history) == 0 {
		return nil
	}
	fmt.Fprintln(p.out)
	return p.Resolutions(history)
}

// Resolutions prints resolution snapshots.
func (p *Printer) Resolutions(resolutions []types.Resolution) error {
	if p.format == FormatJSON {
		return p.printJSON(resolutions)
	}
	rows := make([][]string, len(resolutions))
	for i, res := range resolutions {
		rows[i] = []string{
			strconv.Itoa(res.Seq),
			res.ResolvedAt.UTC().Format(time.RFC3339),
			strconv.Itoa(len(res.RunIDs)),
			strconv.Itoa(len(res.ArtifactIDs())),
			res.Hash,
			strconv.FormatBool(res.Frozen),
		}
	}
	return p.printRows([]string{"SEQ", "RESOLVED", "RUNS", "ARTIFACTS", "HASH", "FROZEN"}, rows)
}

// Resolution prints one resolution, or an empty result when it is nil.
func (p *Printer) Resolution(res *types.Resolution) error {
	if res == nil {
		return p.Resolutions(nil)
	}
	if p.format == FormatJSON {
		return p.printJSON(res)
	}
	return p.Resolutions([]types.Resolution{*res})
}

// Experiments prints a list of experiments.
func (p *Printer) Experiments(experiments []types.Experiment) error {
	if p.format == FormatJSON {
		return p.printJSON(experiments)
	}
	rows := make([][]string, len(experiments))
	for i, e := range experiments {
		rows[i] = []string{
			e.ID,
			e.Name,
			string(e.Status),
			e.Config.Strategy,
			strconv.Itoa(len(e.InputIDs())),
			strconv.Itoa(len(e.OutputIDs())),
			e.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return p.printRows([]string{"ID", "NAME", "STATUS", "STRATEGY", "INPUTS", "OUTPUTS", "CREATED"}, rows)
}

// Experiment prints one experiment, or an empty result when it is nil.
func (p *Printer) Experiment(e *types.Experiment) error {
	if e == nil {
		return p.Experiments(nil)
	}
	if p.format == FormatJSON {
		return p.printJSON(e)
	}
	return p.Experiments([]types.Experiment{*e})
}

// RebuildStats prints catalog rebuild statistics.
func (p *Printer) RebuildStats(stats catalog.Stats) error {
	if p.format == FormatJSON {
		return p.printJSON(stats)
	}
	rows := [][]string{{
		strconv.Itoa(stats.RunSets),
		strconv.Itoa(stats.Runs),
		strconv.Itoa(stats.Artifacts),
		strconv.Itoa(stats.Resolutions),
		strconv.Itoa(stats.Membership),
	}}
	return p.printRows([]string{"RUNSETS", "RUNS", "ARTIFACTS", "RESOLUTIONS", "MEMBERSHIP"}, rows)
}
