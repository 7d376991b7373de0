// Package main provides the entry point for the relaymesh relay server: a
// partition-routing event store with a local hot tier and archive tiers
// reached over an encrypted mesh.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/relaymesh/relay-server/internal/archive"
	"github.com/relaymesh/relay-server/internal/config"
	"github.com/relaymesh/relay-server/internal/mesh"
	"github.com/relaymesh/relay-server/internal/registry"
	"github.com/relaymesh/relay-server/internal/server"
	"github.com/relaymesh/relay-server/internal/store"
	"github.com/relaymesh/relay-server/internal/topology"
)

var log = logging.Logger("relaymesh")

// Exit codes, so scripts can tell operator mistakes from transient failures.
const (
	exitFailure     = 1
	exitBadInput    = 2
	exitConflict    = 3
	exitNotFound    = 4
	exitNothingToDo = 5
	exitUnreachable = 6
)

var rootCmd = &cobra.Command{
	Use:   "relaymesh",
	Short: "Partition-routing relay event store",
	Long: `relaymesh stores relay events in a local hot tier and moves aged events to
archive nodes over an encrypted mesh. Events are routed by timestamp: every
node owns one contiguous range of the key space, and the ranges always cover
it without gaps.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logging.SetAllLoggers(logging.LevelDebug)
		} else {
			logging.SetAllLoggers(logging.LevelInfo)
		}
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration, registry and mesh identity",
	RunE:  runInit,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the relay server",
	Long: `Run the relay server: listen on the mesh, serve the local partition to
peers, route inserts and queries, and sweep expired events.`,
	RunE: runDaemon,
}

var addNodeCmd = &cobra.Command{
	Use:   "addnode <name>",
	Short: "Admit a storage node and carve its key range from the hot node",
	Args:  cobra.ExactArgs(1),
	RunE:  runAddNode,
}

var removeNodeCmd = &cobra.Command{
	Use:   "removenode <name>",
	Short: "Evict a storage node; an adjacent node extends over its range",
	Long: `Evict a storage node. Routing for its range reverts to the node named by
--into (the hot node by default, which must own an adjacent range) and the
evicted node's mesh identity is disallowed. The node's data is not copied
anywhere: it stays where it is and becomes unreachable until the node is
added back.`,
	Args: cobra.ExactArgs(1),
	RunE: runRemoveNode,
}

var narrowHotCmd = &cobra.Command{
	Use:   "narrowhot",
	Short: "Rotate the hot partition down to its routed range",
	Long: `Rotate the hot partition so it physically holds only keys in its routed
range. Rows below the bound, left over from before their owning nodes were
added, are pushed to those nodes.`,
	RunE: runNarrowHot,
}

var archiveCmd = &cobra.Command{
	Use:   "archive <node>",
	Short: "Move aged hot rows to the archive node that owns them",
	Args:  cobra.ExactArgs(1),
	RunE:  runArchive,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show topology, coverage and per-partition row counts",
	RunE:  runStatus,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare the registry against the live routing table",
	RunE:  runReconcile,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the tag index from the hot partition",
	RunE:  runReindex,
}

var (
	configPath string
	debug      bool

	nodeAddress   string
	nodePublicKey string
	rangeFrom     int64
	rangeTo       int64

	removeInto string

	narrowBound int64

	archiveCutoff int64
	olderThanDays int
	batchSize     int
	batchWindow   int64
	dryRun        bool
	assumeYes     bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	addNodeCmd.Flags().StringVar(&nodeAddress, "address", "", "node multiaddr, e.g. /ip4/10.0.0.9/tcp/4801")
	addNodeCmd.Flags().StringVar(&nodePublicKey, "public-key", "", "node mesh identity (peer ID)")
	addNodeCmd.Flags().Int64Var(&rangeFrom, "from", registry.KeyMin, "lower bound of the owned range, inclusive")
	addNodeCmd.Flags().Int64Var(&rangeTo, "to", registry.KeyMax, "upper bound of the owned range, exclusive")

	removeNodeCmd.Flags().StringVar(&removeInto, "into", "", "adjacent node that extends over the freed range (default: the hot node)")

	narrowHotCmd.Flags().Int64Var(&narrowBound, "bound", 0, "new lower bound of the hot partition")
	narrowHotCmd.MarkFlagRequired("bound")

	archiveCmd.Flags().Int64Var(&archiveCutoff, "cutoff", 0, "archive rows with timestamps below this")
	archiveCmd.Flags().IntVar(&olderThanDays, "older-than-days", 0, "archive rows older than this many days")
	archiveCmd.Flags().IntVar(&batchSize, "batch-size", 0, "rows per copy batch")
	archiveCmd.Flags().Int64Var(&batchWindow, "batch-window", 0, "keys per copy-then-delete window")
	archiveCmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan only, move nothing")
	archiveCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip the confirmation prompt")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(addNodeCmd)
	rootCmd.AddCommand(removeNodeCmd)
	rootCmd.AddCommand(narrowHotCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(reindexCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, registry.ErrInvalidName),
		errors.Is(err, registry.ErrInvalidRange),
		errors.Is(err, store.ErrInvalidKey):
		return exitBadInput
	case errors.Is(err, registry.ErrDuplicateName),
		errors.Is(err, registry.ErrRangeOverlap),
		errors.Is(err, registry.ErrRangeGap),
		errors.Is(err, store.ErrRangeOverlap),
		errors.Is(err, store.ErrRangeGap),
		errors.Is(err, archive.ErrRangeNotOwned):
		return exitConflict
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, store.ErrNotAttached),
		errors.Is(err, archive.ErrNodeNotRegistered):
		return exitNotFound
	case errors.Is(err, archive.ErrNothingToArchive):
		return exitNothingToDo
	case errors.Is(err, mesh.ErrDaemonUnreachable):
		return exitUnreachable
	default:
		return exitFailure
	}
}

func openServer(ctx context.Context, listen bool) (*server.Server, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	srv, err := server.Open(ctx, cfg, server.Options{Listen: listen})
	if err != nil {
		return nil, nil, err
	}
	return srv, cfg, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	// Opening once bootstraps the registry and generates the mesh key.
	ctx := cmd.Context()
	srv, err := server.Open(ctx, cfg, server.Options{})
	if err != nil {
		return err
	}
	defer srv.Close()

	id, err := srv.Gateway().SelfIdentity()
	if err != nil {
		return err
	}

	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	fmt.Printf("Initialized %s\n", cfg.DataDir)
	fmt.Printf("Config:    %s\n", path)
	fmt.Printf("Mesh identity: %s\n", id.PeerID)
	fmt.Println("Share the mesh identity with coordinators that should admit this node.")
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	srv, _, err := openServer(ctx, true)
	if err != nil {
		return err
	}
	defer srv.Close()

	id, err := srv.Gateway().SelfIdentity()
	if err != nil {
		return err
	}
	log.Infof("Mesh identity: %s", id.PeerID)
	for _, addr := range id.Addrs {
		log.Infof("Listening on: %s", addr)
	}

	if drifts, err := srv.Manager().Reconcile(ctx); err != nil {
		log.Warnf("Startup reconcile failed: %v", err)
	} else if len(drifts) > 0 {
		log.Warnf("Topology has %d discrepancies, see warnings above", len(drifts))
	}

	go srv.RunExpirySweep(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")
	return nil
}

func runAddNode(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	srv, _, err := openServer(ctx, false)
	if err != nil {
		return err
	}
	defer srv.Close()

	n := registry.Node{
		Name:      args[0],
		Address:   nodeAddress,
		PublicKey: nodePublicKey,
		Range:     registry.Range{From: rangeFrom, To: rangeTo},
	}
	if err := srv.Manager().AddNode(ctx, n); err != nil {
		var step *topology.StepError
		if errors.As(err, &step) {
			fmt.Fprintln(os.Stderr, step.Error())
		}
		return err
	}

	fmt.Printf("Node %s admitted owning %s\n", n.Name, n.Range)
	return nil
}

func runRemoveNode(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	srv, _, err := openServer(ctx, false)
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.Manager().RemoveNode(ctx, args[0], removeInto); err != nil {
		return err
	}
	fmt.Printf("Node %s evicted; its data is unreachable until it is added back\n", args[0])
	return nil
}

func runNarrowHot(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	srv, _, err := openServer(ctx, false)
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.Manager().NarrowHot(ctx, narrowBound); err != nil {
		return err
	}
	fmt.Printf("Hot partition rotated, now holds keys from %d up\n", narrowBound)
	return nil
}

func runArchive(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cutoff := archiveCutoff
	if olderThanDays > 0 {
		if cutoff != 0 {
			return fmt.Errorf("use either --cutoff or --older-than-days, not both")
		}
		cutoff = time.Now().AddDate(0, 0, -olderThanDays).Unix()
	}
	if cutoff <= 0 {
		return fmt.Errorf("a cutoff is required: --cutoff or --older-than-days")
	}

	srv, cfg, err := openServer(ctx, false)
	if err != nil {
		return err
	}
	defer srv.Close()

	plan, err := srv.Mover().Plan(ctx, args[0], cutoff)
	if err != nil {
		return err
	}

	fmt.Printf("Plan: move %d rows spanning [%d, %d) from the hot tier to %s\n",
		plan.Rows, plan.From, plan.To, plan.Node)
	if dryRun {
		return nil
	}
	if !assumeYes && !confirm(fmt.Sprintf("Move %d rows to %s?", plan.Rows, plan.Node)) {
		fmt.Println("Aborted, nothing was moved")
		return nil
	}

	opts := archive.Options{
		BatchWindow: batchWindow,
		BatchSize:   batchSize,
		OnProgress: func(p archive.Progress) {
			fmt.Printf("  window [%d, %d): %d/%d rows moved, %.0f rows/s, %s elapsed\n",
				p.WindowFrom, p.WindowTo, p.Deleted, plan.Rows,
				p.RowsPerSec, p.Elapsed.Round(time.Second))
		},
	}
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = cfg.Archive.BatchWindow
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = cfg.Archive.BatchSize
	}

	res, err := srv.Mover().Run(ctx, plan, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Archived %d rows to %s in %s\n", res.Deleted, plan.Node,
		res.Elapsed.Round(time.Millisecond))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	srv, _, err := openServer(ctx, false)
	if err != nil {
		return err
	}
	defer srv.Close()

	nodes, err := srv.Manager().Nodes()
	if err != nil {
		return err
	}
	stats := srv.Table().Stats(ctx)

	fmt.Printf("%-16s %-36s %-10s %s\n", "NODE", "RANGE", "ROWS", "MESH")
	for _, n := range nodes {
		rows := "?"
		if c, ok := stats[n.Name]; ok {
			if c < 0 {
				rows = "unreachable"
			} else {
				rows = fmt.Sprintf("%d", c)
			}
		}
		meshState := "local"
		if n.PublicKey != "" {
			meshState = "allow-listed"
			if up, err := srv.Gateway().Connectedness(n.PublicKey); err == nil && up {
				meshState = "connected"
			}
		}
		fmt.Printf("%-16s %-36s %-10s %s\n", n.Name, n.Range.String(), rows, meshState)
	}

	if err := srv.Registry().CheckCoverage(); err != nil {
		fmt.Printf("\nCoverage: BROKEN - %v\n", err)
		return nil
	}
	fmt.Println("\nCoverage: full key space, no gaps or overlaps")
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	srv, _, err := openServer(ctx, false)
	if err != nil {
		return err
	}
	defer srv.Close()

	drifts, err := srv.Manager().Reconcile(ctx)
	if err != nil {
		return err
	}
	if len(drifts) == 0 {
		fmt.Println("Registry and routing table agree")
		return nil
	}
	for _, d := range drifts {
		if d.Node == "" {
			fmt.Printf("drift: %s\n", d.Detail)
			continue
		}
		fmt.Printf("drift on %s: %s\n", d.Node, d.Detail)
	}
	return fmt.Errorf("%d discrepancies found", len(drifts))
}

func runReindex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	srv, _, err := openServer(ctx, false)
	if err != nil {
		return err
	}
	defer srv.Close()

	indexed, err := srv.ReindexTags(ctx)
	if err != nil {
		return fmt.Errorf("reindex failed: %w", err)
	}
	fmt.Printf("Reindex complete: %d events indexed\n", indexed)
	return nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
