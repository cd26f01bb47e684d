package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/goccy/go-json"

	"github.com/samcharles93/qpack/pkg/qnbit"
)

type output struct {
	GoVersion    string          `json:"go_version"`
	GoOS         string          `json:"go_os"`
	GoArch       string          `json:"go_arch"`
	CPUs         int             `json:"cpus"`
	Features     map[string]bool `json:"features"`
	Backend      string          `json:"backend"`
	ComputeTypes []string        `json:"compute_types"`
}

func main() {
	f := qnbit.ProbeFeatures()
	features := map[string]bool{
		"AVX2":    f.AVX2,
		"AVX512F": f.AVX512F,
		"FMA":     f.FMA,
		"ASIMD":   f.ASIMD,
		"ASIMDDP": f.ASIMDDP,
		"FPHP":    f.FPHP,
		"ASIMDHP": f.ASIMDHP,
	}

	d := qnbit.SelectDispatch(f)
	out := output{
		GoVersion:    runtime.Version(),
		GoOS:         runtime.GOOS,
		GoArch:       runtime.GOARCH,
		CPUs:         runtime.NumCPU(),
		Features:     features,
		Backend:      d.Backend,
		ComputeTypes: []string{},
	}
	for _, ct := range d.ComputeTypes() {
		out.ComputeTypes = append(out.ComputeTypes, ct.String())
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}
}
