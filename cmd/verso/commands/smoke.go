package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/marmos91/verso/pkg/blob"
	"github.com/marmos91/verso/pkg/config"
	badgerindex "github.com/marmos91/verso/pkg/index/badger"
	"github.com/marmos91/verso/pkg/lock"
	"github.com/marmos91/verso/pkg/metrics"
	promimpl "github.com/marmos91/verso/pkg/metrics/prometheus"
	"github.com/marmos91/verso/pkg/peer"
	"github.com/marmos91/verso/pkg/vfs"
	"github.com/marmos91/verso/pkg/vfs/dispatch"
	"github.com/marmos91/verso/pkg/vfs/versioned"
)

// newSmokeCommand drives a database end to end through the dispatch
// facade: open, a few committed write transactions, reads back, close.
// Useful to validate an index directory and the full stack without an
// engine attached.
func newSmokeCommand(load configLoader) *cobra.Command {
	var (
		pageSize int
		txCount  int
	)
	cmd := &cobra.Command{
		Use:   "smoke <db-path>",
		Short: "Run a write/read smoke test against a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runSmoke(cfg, args[0], pageSize, txCount)
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 4096, "page size in bytes")
	cmd.Flags().IntVar(&txCount, "transactions", 8, "number of transactions to commit")
	return cmd
}

func runSmoke(cfg *config.Config, dbPath string, pageSize, txCount int) error {
	ctx := context.Background()

	idx, err := badgerindex.Open(badgerindex.Options{Dir: cfg.Index.Dir})
	if err != nil {
		return err
	}
	defer idx.Close()

	var vm versioned.Metrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry(prometheus.NewRegistry())
		vm = promimpl.NewVersionedMetrics()
	}

	durability, _ := versioned.ParseDurability(cfg.Storage.Durability)
	backend := versioned.New("versioned",
		blob.NewOSStore(cfg.Storage.DataDir),
		lock.NewMemoryService(),
		peer.NewBus(),
		idx,
		vm,
		versioned.Options{
			Durability:    durability,
			FlushInterval: cfg.Storage.FlushInterval,
			LockTimeout:   cfg.Lock.Timeout,
			SectorSize:    cfg.Storage.SectorSize,
		})
	vfs.DefaultRegistry.Register(backend, true)
	defer vfs.DefaultRegistry.Unregister(backend.Name())

	region := dispatch.NewRegion(pageSize * 2)
	facade := dispatch.New(backend, region)
	out, err := dispatch.NewDataView(region, uint32(pageSize))
	if err != nil {
		return err
	}
	buf, err := dispatch.NewByteView(region, 0, uint32(pageSize))
	if err != nil {
		return err
	}

	const fileID = 1
	flags := uint32(vfs.OpenMainDB | vfs.OpenReadWrite | vfs.OpenCreate)
	if code := facade.Open(ctx, append([]byte(dbPath), 0), fileID, flags, out); code != vfs.CodeOK {
		return fmt.Errorf("open failed: %s (%s)", code, facade.GetLastError())
	}
	defer facade.Close(ctx, fileID)

	start := time.Now()
	for tx := 1; tx <= txCount; tx++ {
		if code := facade.Lock(ctx, fileID, uint32(vfs.LockShared)); code != vfs.CodeOK {
			return fmt.Errorf("lock shared failed: %s", code)
		}
		if code := facade.Lock(ctx, fileID, uint32(vfs.LockReserved)); code != vfs.CodeOK {
			return fmt.Errorf("lock reserved failed: %s", code)
		}

		page := buf.Bytes()
		for i := range page {
			page[i] = byte(tx)
		}
		page[16] = byte(pageSize >> 8)
		page[17] = byte(pageSize)

		lo, hi := dispatch.SplitInt64(int64(tx-1) * int64(pageSize))
		if code := facade.Write(ctx, fileID, buf, lo, hi); code != vfs.CodeOK {
			return fmt.Errorf("write failed: %s (%s)", code, facade.GetLastError())
		}
		if code := facade.FileControl(ctx, fileID, int32(vfs.FcntlSync), nil); code != vfs.CodeOK {
			return fmt.Errorf("commit failed: %s (%s)", code, facade.GetLastError())
		}
		if code := facade.Unlock(ctx, fileID, uint32(vfs.LockNone)); code != vfs.CodeOK {
			return fmt.Errorf("unlock failed: %s", code)
		}
	}

	// Read every page back and spot-check the fill byte.
	for tx := 1; tx <= txCount; tx++ {
		lo, hi := dispatch.SplitInt64(int64(tx-1) * int64(pageSize))
		if code := facade.Read(ctx, fileID, buf, lo, hi); code != vfs.CodeOK {
			return fmt.Errorf("read of page %d failed: %s", tx, code)
		}
		if got := buf.Bytes()[0]; got != byte(tx) {
			return fmt.Errorf("page %d content mismatch: got 0x%02x", tx, got)
		}
	}

	if code := facade.FileSize(ctx, fileID, out); code != vfs.CodeOK {
		return fmt.Errorf("file size failed: %s", code)
	}
	size, err := out.Int64(dispatch.LittleEndian)
	if err != nil {
		return err
	}

	fmt.Printf("ok: %d transactions, file size %d bytes, %.1fms\n",
		txCount, size, float64(time.Since(start).Microseconds())/1000.0)
	return nil
}
