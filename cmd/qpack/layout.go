package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qpack/internal/prepacker"
	"github.com/samcharles93/qpack/pkg/qnbit"
)

type layoutReport struct {
	N               int                `json:"n"`
	K               int                `json:"k"`
	BlkLen          int                `json:"blk_len"`
	BlockCountK     int                `json:"block_count_k"`
	ZeroPointStride int                `json:"zero_point_stride"`
	Int8Layout      qnbit.PackedLayout `json:"int8_layout"`
	Paths           []layoutPath       `json:"paths"`
}

type layoutPath struct {
	ComputeType    string `json:"compute_type"`
	Supported      bool   `json:"supported"`
	PackedSize     int    `json:"packed_size"`
	WorkspaceM1    int    `json:"workspace_m1"`
	WorkspaceAlign int    `json:"workspace_alignment"`
}

func layoutCmd() *cli.Command {
	var (
		n, k   int64
		asJSON bool
	)

	return &cli.Command{
		Name:  "layout",
		Usage: "Print packed buffer sizes and offsets for an N x K weight",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "n", Usage: "output columns", Value: 4096, Destination: &n},
			&cli.Int64Flag{Name: "k", Usage: "input rows", Value: 4096, Destination: &k},
			blkLenFlag(),
			&cli.BoolFlag{Name: "json", Usage: "print JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyPackConfig(cmd, LoadConfig())
			if n <= 0 || k <= 0 {
				return cli.Exit("error: --n and --k must be positive", 1)
			}
			if !prepacker.ValidBlkLen(int(blkLen)) {
				return cli.Exit(fmt.Sprintf("error: unsupported block length %d", blkLen), 1)
			}
			report := buildLayoutReport(qnbit.Default(), int(n), int(k), int(blkLen))
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printLayoutReport(os.Stdout, report)
			return nil
		},
	}
}

func buildLayoutReport(d *qnbit.Dispatch, n, k, blkLen int) layoutReport {
	bck := qnbit.BlockCountK(k, blkLen)
	r := layoutReport{
		N:               n,
		K:               k,
		BlkLen:          blkLen,
		BlockCountK:     bck,
		ZeroPointStride: qnbit.ZeroPointsForBlksSizeInBytes(qnbit.BlkBitWidth, bck),
		Int8Layout:      qnbit.NewPackedLayout[float32](0, n, bck, blkLen),
	}
	for _, ct := range []qnbit.ComputeType{qnbit.CompFp32, qnbit.CompFp16, qnbit.CompInt8} {
		r.Paths = append(r.Paths, layoutPath{
			ComputeType:    ct.String(),
			Supported:      d.Supports(ct),
			PackedSize:     d.PackQuantBDataSize(n, k, blkLen, ct),
			WorkspaceM1:    d.PerGemmWorkspaceSize(1, n, k, blkLen, ct),
			WorkspaceAlign: d.PerGemmWorkspaceAlignment(blkLen, ct),
		})
	}
	return r
}

func printLayoutReport(w io.Writer, r layoutReport) {
	_, _ = fmt.Fprintf(w, "weight:       N=%d K=%d blk_len=%d block_count_k=%d\n", r.N, r.K, r.BlkLen, r.BlockCountK)
	_, _ = fmt.Fprintf(w, "zero points:  %d bytes per column\n", r.ZeroPointStride)
	l := r.Int8Layout
	_, _ = fmt.Fprintf(w, "int8 layout:  data @%d (%d) blksum @%d (%d) scales @%d (%d) end %d\n",
		l.DataOffset, l.DataSize, l.BlkSumOffset, l.BlkSumSize, l.ScaleOffset, l.ScaleSize, l.End())
	for _, p := range r.Paths {
		status := "unsupported"
		if p.Supported {
			status = "supported"
		}
		_, _ = fmt.Fprintf(w, "%-5s %-11s packed=%d workspace(M=1)=%d align=%d\n",
			p.ComputeType, status, p.PackedSize, p.WorkspaceM1, p.WorkspaceAlign)
	}
}
