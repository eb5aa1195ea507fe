package ctl

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"taskpipe/pkg/state"
	"taskpipe/pkg/store"
)

// InspectReport summarises a data directory's store.
type InspectReport struct {
	Path        string              `json:"path"`
	Results     int                 `json:"results"`
	DeadLetters int                 `json:"dead_letters"`
	Keys        map[string][]string `json:"sample_keys"`
	Store       store.Stats         `json:"store"`
}

func newInspectCmd(o *options) *cobra.Command {
	var sample int
	cmd := &cobra.Command{
		Use:   "inspect <data-path>",
		Short: "Inspect a stopped daemon's store without a server",
		Long: `inspect opens the Pebble store under <data-path> read-only and reports key
counts, a sample of keys per family and storage statistics. Pebble allows one
process per directory, so stop the daemon first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := Inspect(args[0], sample)
			if err != nil {
				return err
			}
			return o.out.print(rep, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "Store\t%s\n", rep.Path)
				fmt.Fprintf(tw, "Results\t%s\n", humanize.Comma(int64(rep.Results)))
				fmt.Fprintf(tw, "Dead letters\t%s\n", humanize.Comma(int64(rep.DeadLetters)))
				fmt.Fprintf(tw, "Disk\t%s\n", humanize.IBytes(rep.Store.DiskBytes))
				fmt.Fprintf(tw, "WAL\t%s\n", humanize.IBytes(rep.Store.WALBytes))
				fmt.Fprintf(tw, "L0\t%d files, %s\n", rep.Store.L0Files, humanize.IBytes(uint64(rep.Store.L0Bytes)))
				for _, prefix := range store.KeyPrefixes() {
					for i, k := range rep.Keys[prefix] {
						fmt.Fprintf(tw, "%s key %d\t%s\n", prefix, i+1, k)
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&sample, "sample", 5, "keys to show per key family")
	return cmd
}

// Inspect opens the store under dataPath read-only and reports on it.
// dataPath may be the daemon's data directory or the store directory.
func Inspect(dataPath string, sample int) (InspectReport, error) {
	path := state.Layout(dataPath).Store
	if filepath.Base(dataPath) == "store" {
		path = dataPath
	}
	st, err := store.OpenReadOnly(path, nil)
	if err != nil {
		return InspectReport{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer st.Close()

	rep := InspectReport{Path: path, Keys: map[string][]string{}}
	if sample > 0 {
		for _, prefix := range store.KeyPrefixes() {
			keys, err := st.Keys(prefix, sample)
			if err != nil {
				return rep, err
			}
			rep.Keys[prefix] = keys
		}
	}
	if rep.Store, err = st.Stats(); err != nil {
		return rep, err
	}
	rep.Results, rep.DeadLetters = rep.Store.Results, rep.Store.DeadLetters
	return rep, nil
}
