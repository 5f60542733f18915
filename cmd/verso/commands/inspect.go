package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/marmos91/verso/pkg/config"
	badgerindex "github.com/marmos91/verso/pkg/index/badger"
)

type configLoader func() (*config.Config, error)

func newInspectCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <db-path>",
		Short: "Print the committed page map of a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			store, err := badgerindex.Open(badgerindex.Options{Dir: cfg.Index.Dir})
			if err != nil {
				return err
			}
			defer store.Close()

			pages, err := store.PageMap(context.Background(), args[0])
			if err != nil {
				return err
			}
			if len(pages) == 0 {
				fmt.Println("no committed pages for", args[0])
				return nil
			}

			indexes := make([]uint32, 0, len(pages))
			for page := range pages {
				indexes = append(indexes, page)
			}
			sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Page", "Offset"})
			for _, page := range indexes {
				table.Append([]string{
					strconv.FormatUint(uint64(page), 10),
					strconv.FormatInt(pages[page], 10),
				})
			}
			table.Render()
			return nil
		},
	}
}

func newPendingCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "pending <db-path>",
		Short: "Print the pending transaction log of a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			store, err := badgerindex.Open(badgerindex.Options{Dir: cfg.Index.Dir})
			if err != nil {
				return err
			}
			defer store.Close()

			pending, err := store.Pending(context.Background(), args[0], 0)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("pending log is empty for", args[0])
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"TxID", "Pages", "FileSize", "OldestInUse"})
			for _, rec := range pending {
				oldest := "-"
				if rec.OldestTxInUse != nil {
					oldest = strconv.FormatUint(*rec.OldestTxInUse, 10)
				}
				table.Append([]string{
					strconv.FormatUint(rec.TxID, 10),
					strconv.Itoa(len(rec.Pages)),
					strconv.FormatInt(rec.FileSize, 10),
					oldest,
				})
			}
			table.Render()
			return nil
		},
	}
}
