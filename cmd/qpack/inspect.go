package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qpack/internal/prepacker"
	"github.com/samcharles93/qpack/pkg/extdata"
)

type inspectTensor struct {
	Name      string                 `json:"name"`
	Dims      []int64                `json:"dims"`
	DataType  int32                  `json:"data_type"`
	Location  string                 `json:"location,omitempty"`
	Offset    int64                  `json:"offset"`
	Length    int                    `json:"length"`
	Prepacked extdata.PrepackedInfos `json:"prepacked,omitempty"`
}

type inspectReport struct {
	Graph   string          `json:"graph"`
	Tensors []inspectTensor `json:"tensors"`
}

func inspectCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print a saved model's tensors and prepacked records",
		ArgsUsage: "<model-dir>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := cmd.Args().First()
			if dir == "" {
				return cli.Exit("error: model directory is required", 1)
			}
			report, err := inspectModel(dir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printInspectReport(os.Stdout, report)
			return nil
		},
	}
}

func inspectModel(dir string) (inspectReport, error) {
	raw, err := os.ReadFile(filepath.Join(dir, prepacker.GraphFile))
	if err != nil {
		return inspectReport{}, fmt.Errorf("read graph: %w", err)
	}
	graph, err := extdata.UnmarshalGraph(raw)
	if err != nil {
		return inspectReport{}, err
	}

	report := inspectReport{Graph: graph.Name, Tensors: make([]inspectTensor, 0, len(graph.Initializers))}
	for _, t := range graph.Initializers {
		it := inspectTensor{Name: t.Name, Dims: t.Dims, DataType: t.DataType}
		if t.DataLocation == extdata.DataLocationExternal {
			info, err := extdata.Create(t.ExternalData)
			if err != nil {
				return inspectReport{}, fmt.Errorf("tensor %s: %w", t.Name, err)
			}
			it.Location = info.RelPath()
			it.Offset = info.Offset()
			it.Length = info.Length()
			if info.HasPrepackedInfo() {
				it.Prepacked = info.TakePrepackedInfos()
			}
		}
		report.Tensors = append(report.Tensors, it)
	}
	return report, nil
}

func printInspectReport(w io.Writer, r inspectReport) {
	_, _ = fmt.Fprintf(w, "graph: %s (%d initializers)\n", r.Graph, len(r.Tensors))
	for _, t := range r.Tensors {
		_, _ = fmt.Fprintf(w, "  %s dims=%v type=%d", t.Name, t.Dims, t.DataType)
		if t.Location != "" {
			_, _ = fmt.Fprintf(w, " @%s[%d:+%d]", t.Location, t.Offset, t.Length)
		}
		_, _ = fmt.Fprintln(w)

		keys := make([]string, 0, len(t.Prepacked))
		for k := range t.Prepacked {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "    prepacked %s\n", k)
			for i, b := range t.Prepacked[k] {
				_, _ = fmt.Fprintf(w, "      [%d] offset=%d length=%d checksum=%s\n", i, b.Offset, b.Length, b.Checksum)
			}
		}
	}
}
