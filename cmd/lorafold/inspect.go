package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"github.com/zeebo/xxh3"

	"github.com/samcharles93/lorafold/internal/api"
	"github.com/samcharles93/lorafold/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var (
		asJSON bool
		hash   bool
		filter string
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "List the tensors of a safetensors checkpoint",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print the header as JSON", Destination: &asJSON},
			&cli.BoolFlag{Name: "hash", Usage: "add an xxh3 digest of every tensor payload", Destination: &hash},
			&cli.StringFlag{Name: "filter", Usage: "only list tensors whose name contains this substring", Destination: &filter},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return fmt.Errorf("inspect: missing <file> argument")
			}
			hdr, err := safetensors.ReadHeader(path)
			if err != nil {
				return err
			}
			sum := api.Summarize(path, hdr)
			if filter != "" {
				kept := sum.Tensors[:0]
				for _, t := range sum.Tensors {
					if strings.Contains(t.Name, filter) {
						kept = append(kept, t)
					}
				}
				sum.Tensors = kept
			}

			var digests map[string]string
			if hash {
				digests, err = tensorDigests(path, sum.Tensors)
				if err != nil {
					return err
				}
			}

			w := outWriter(cmd)
			if asJSON {
				return writeInspectJSON(w, sum, digests)
			}
			return writeInspectTable(w, sum, digests)
		},
	}
}

// tensorDigests hashes the payload of every listed tensor.
func tensorDigests(path string, tensors []api.TensorSummary) (map[string]string, error) {
	c, err := safetensors.Read(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()

	out := make(map[string]string, len(tensors))
	for _, t := range tensors {
		_, raw, err := c.ViewByName(t.Name)
		if err != nil {
			return nil, err
		}
		out[t.Name] = fmt.Sprintf("%016x", xxh3.Hash(raw))
	}
	return out, nil
}

func writeInspectJSON(w io.Writer, sum api.HeaderSummary, digests map[string]string) error {
	type row struct {
		api.TensorSummary
		XXH3 string `json:"xxh3,omitempty"`
	}
	doc := struct {
		api.HeaderSummary
		Tensors []row `json:"tensors"`
	}{HeaderSummary: sum}
	for _, t := range sum.Tensors {
		doc.Tensors = append(doc.Tensors, row{TensorSummary: t, XXH3: digests[t.Name]})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func writeInspectTable(w io.Writer, sum api.HeaderSummary, digests map[string]string) error {
	_, _ = fmt.Fprintf(w, "%s: %d tensors, header %s, data %s\n",
		sum.Path, len(sum.Tensors), formatBytes(sum.HeaderBytes), formatBytes(sum.DataBytes))
	for _, k := range sortedKeys(sum.Metadata) {
		_, _ = fmt.Fprintf(w, "  %s = %s\n", k, sum.Metadata[k])
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := "NAME\tDTYPE\tSHAPE\tBYTES"
	if digests != nil {
		header += "\tXXH3"
	}
	_, _ = fmt.Fprintln(tw, header)
	for _, t := range sum.Tensors {
		line := fmt.Sprintf("%s\t%s\t%v\t%d", t.Name, t.DType, t.Shape, t.Bytes)
		if digests != nil {
			line += "\t" + digests[t.Name]
		}
		_, _ = fmt.Fprintln(tw, line)
	}
	return tw.Flush()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
