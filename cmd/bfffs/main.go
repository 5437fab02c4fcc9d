// Command bfffs is the administrative CLI of spec.md §4.11/§9's CLI
// surface: create, import, and inspect pools. Its fs subcommand does not
// list or change the filesystems in a pool's Forest.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/bfffs/bfffs/bfffserr"
	"github.com/bfffs/bfffs/cluster"
	"github.com/bfffs/bfffs/database"
	"github.com/bfffs/bfffs/ddml"
	"github.com/bfffs/bfffs/devmgr"
	"github.com/bfffs/bfffs/idml"
	"github.com/bfffs/bfffs/internal/cache"
	"github.com/bfffs/bfffs/internal/codec"
	"github.com/bfffs/bfffs/log"
	"github.com/bfffs/bfffs/mirror"
	"github.com/bfffs/bfffs/pool"
	"github.com/bfffs/bfffs/raid"
	"github.com/bfffs/bfffs/vdev"
)

// useColor reports whether stdout is a terminal, gating ANSI output the
// same way the teacher's own console logger does before handing off to
// fatih/color.
func useColor() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func main() {
	if !useColor() {
		color.NoColor = true
	}
	app := &cli.App{
		Name:  "bfffs",
		Usage: "administer a BFFFS copy-on-write storage pool",
		Commands: []*cli.Command{
			poolCommand,
			fsCommand,
			debugCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("bfffs: command failed", "err", err)
	}
}

var poolCommand = &cli.Command{
	Name:  "pool",
	Usage: "create or import pools",
	Subcommands: []*cli.Command{
		{
			Name:      "create",
			Usage:     "create a new pool from a TOML topology file",
			ArgsUsage: "<config.toml>",
			Action:    poolCreate,
		},
		{
			Name:      "import",
			Usage:     "taste leaf files and import a pool by name",
			ArgsUsage: "<name> <leaf...>",
			Action:    poolImport,
		},
	},
}

func poolCreate(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: bfffs pool create <config.toml>", 2)
	}
	cfg, err := LoadPoolConfig(c.Args().Get(0))
	if err != nil {
		return fmt.Errorf("load pool config: %w", err)
	}

	var clusters []*cluster.Cluster
	for _, cc := range cfg.Clusters {
		cl, err := buildCluster(cc)
		if err != nil {
			return fmt.Errorf("build cluster: %w", err)
		}
		clusters = append(clusters, cl)
	}

	p := pool.New(cfg.Name, clusters)
	c2 := cache.New(64<<20, 0)
	d := ddml.New(p, c2)
	m := idml.New(d, codec.ModeSnappy, 0)
	db := database.New(d, m, codec.ModeSnappy)

	ctx := context.Background()
	if _, err := db.SyncTransaction(ctx); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}

	color.Green("pool %q created (uuid %s), %d cluster(s)", p.Name, p.UUID, len(clusters))
	return nil
}

// buildCluster assembles one Cluster from its ClusterConfig: every inner
// Mirrors entry becomes one Mirror of leaf VdevFiles. The "primes"
// variant stripes across all of those mirrors; "single" and "mirror" use
// only the first one and leave any others unused.
func buildCluster(cc ClusterConfig) (*cluster.Cluster, error) {
	var disks []*mirror.Mirror
	for _, leafPaths := range cc.Mirrors {
		var leaves []*vdev.VdevFile
		for _, path := range leafPaths {
			v, err := vdev.Create(path, vdev.Config{})
			if err != nil {
				return nil, err
			}
			leaves = append(leaves, v)
		}
		m, err := mirror.Open(nil, leaves...)
		if err != nil {
			return nil, err
		}
		disks = append(disks, m)
	}
	if len(disks) == 0 {
		return nil, bfffserr.New(bfffserr.KindIoError, bfffserr.EAGAIN, "cluster config has no mirrors")
	}

	var r *raid.Raid
	var err error
	switch cc.Raid {
	case "", "single":
		r = raid.NewNull(disks[0])
	case "mirror":
		r = raid.NewMirror(disks[0])
	case "primes":
		r, err = raid.NewPrimeS(cc.K, cc.F, disks)
	default:
		return nil, bfffserr.New(bfffserr.KindUnsupported, bfffserr.ENOSYS, "unknown raid variant: "+cc.Raid)
	}
	if err != nil {
		return nil, err
	}
	return cluster.Open(r), nil
}

func poolImport(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.Exit("usage: bfffs pool import <name> <leaf...>", 2)
	}
	name := c.Args().Get(0)
	dm := devmgr.New()
	for _, path := range c.Args().Slice()[1:] {
		if _, err := dm.Taste(path); err != nil {
			log.Warn("bfffs: taste failed", "path", path, "err", err)
		}
	}

	ctx := context.Background()
	stack, err := dm.ImportByName(ctx, name, 64<<20, codec.ModeSnappy)
	if err != nil {
		return fmt.Errorf("import %q: %w", name, err)
	}

	color.Green("pool %q imported (uuid %s)", stack.Pool.Name, stack.Pool.UUID)
	return nil
}

var fsCommand = &cli.Command{
	Name:  "fs",
	Usage: "inspect the filesystems registered in a pool's Forest",
	Subcommands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "not yet wired to a persistent Forest listing without a schema-typed tree to open (see database.Database.FsRead's doc comment)",
			Action: fsList,
		},
	},
}

func fsList(c *cli.Context) error {
	fmt.Fprintln(os.Stderr, "bfffs fs list: requires a filesystem schema registered by the caller; not available from the generic CLI alone")
	return nil
}

var debugCommand = &cli.Command{
	Name:  "debug",
	Usage: "low-level inspection commands",
	Subcommands: []*cli.Command{
		{
			Name:      "dump",
			Usage:     "taste a leaf and print its pool identity",
			ArgsUsage: "<leaf>",
			Action:    debugDump,
		},
	},
}

func debugDump(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: bfffs debug dump <leaf>", 2)
	}
	dm := devmgr.New()
	info, err := dm.Taste(c.Args().Get(0))
	if err != nil {
		return err
	}
	fmt.Printf("leaf uuid:  %s\n", info.VdevUUID)
	fmt.Printf("pool name:  %s\n", info.PoolName)
	fmt.Printf("pool uuid:  %s\n", info.PoolUUID)
	return nil
}
