// Command masstreedemo exercises the index end to end: a handful of
// point operations, a forced border split, a slice collision that
// creates a second layer, and a page-pool occupancy report.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/aergoio/masstree/internal/config"
	"github.com/aergoio/masstree/pkg/masstree"
	"github.com/aergoio/masstree/pkg/pagepool"
	"github.com/aergoio/masstree/pkg/snapshot"
	"github.com/aergoio/masstree/pkg/status"
	"github.com/aergoio/masstree/pkg/txn"
)

const pageSize = 4096

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	pool := pagepool.New(cfg.PagePool.NumaNodes, cfg.PagePool.CapacityPerNode)
	defer pool.Close()

	ctx := context.Background()
	opts := []masstree.Option{masstree.WithLogger(logger)}
	if cfg.Snapshot.Host != "" {
		resolver, err := snapshot.NewRedisResolver(ctx, snapshot.RedisConfig{
			Host:     cfg.Snapshot.Host,
			Port:     cfg.Snapshot.Port,
			Password: cfg.Snapshot.Password,
			Database: cfg.Snapshot.Database,
		})
		if err != nil {
			log.Fatalf("dial snapshot store: %v", err)
		}
		defer resolver.Close()
		opts = append(opts, masstree.WithSnapshotResolver(resolver))
	}

	tree, err := masstree.New(pool, opts...)
	if err != nil {
		log.Fatalf("build tree: %v", err)
	}
	txc := txn.New()

	fmt.Println("== point operations ==")
	put(ctx, tree, txc, "apple", "A")
	put(ctx, tree, txc, "april", "B")
	show(ctx, tree, txc, "apple")
	show(ctx, tree, txc, "april")

	fmt.Println("== slice collision, next layer ==")
	put(ctx, tree, txc, "abcdefgh1", "X")
	put(ctx, tree, txc, "abcdefgh2", "Y")
	show(ctx, tree, txc, "abcdefgh1")
	show(ctx, tree, txc, "abcdefgh2")

	fmt.Println("== forcing a border split ==")
	for i := 0; i < 65; i++ {
		put(ctx, tree, txc, fmt.Sprintf("key%05d", i), fmt.Sprintf("v%d", i))
	}
	show(ctx, tree, txc, "key00000")
	show(ctx, tree, txc, "key00064")

	if code, err := tree.DeleteRecord(ctx, txc, []byte("apple")); err != nil || code != status.OK {
		log.Fatalf("delete apple: %v (%s)", err, code)
	}
	show(ctx, tree, txc, "apple")

	snap := tree.Metrics().Snap()
	fmt.Println("== stats ==")
	fmt.Printf("root kind:            %s\n", tree.RootKind())
	fmt.Printf("reads / writes:       %d / %d (ratio %.2f)\n",
		snap.ReadCount, snap.WriteCount, tree.Metrics().GetReadWriteRatio())
	fmt.Printf("border splits:        %d\n", snap.BorderSplitCount)
	fmt.Printf("next layers created:  %d\n", snap.NextLayerCreateCount)
	fmt.Printf("retries:              %d\n", snap.RetryCount)
	pages := pool.Occupancy(0)
	fmt.Printf("pool occupancy:       %d pages (%s)\n",
		pages, humanize.IBytes(uint64(pages)*pageSize))
}

func put(ctx context.Context, tree *masstree.Tree, txc *txn.Context, key, val string) {
	code, err := tree.InsertRecord(ctx, txc, []byte(key), []byte(val))
	if err != nil || code != status.OK {
		log.Fatalf("insert %q: %v (%s)", key, err, code)
	}
}

func show(ctx context.Context, tree *masstree.Tree, txc *txn.Context, key string) {
	val, code, err := tree.GetRecordBytes(ctx, txc, []byte(key))
	if err != nil {
		log.Fatalf("get %q: %v", key, err)
	}
	if code != status.OK {
		fmt.Printf("get %-12q -> %s\n", key, code)
		return
	}
	fmt.Printf("get %-12q -> %q\n", key, val)
}
