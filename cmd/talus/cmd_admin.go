package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/talusdb/talus"
)

type cmdPartitions struct{}

type cmdCreatePartition struct {
	Args struct {
		Name string `positional-arg-name:"name" required:"true"`
	} `positional-args:"true"`
}

type cmdDropPartition struct {
	Args struct {
		Name string `positional-arg-name:"name" required:"true"`
	} `positional-args:"true"`
}

type cmdFlush struct {
	Args struct {
		Partition string `positional-arg-name:"partition"`
	} `positional-args:"true"`
}

type cmdCompact struct {
	Args struct {
		Partition string `positional-arg-name:"partition" required:"true"`
	} `positional-args:"true"`
}

type cmdStats struct{}

func init() {
	mustAddCmd("partitions", "List partitions", "List the keyspace's partitions.", &cmdPartitions{})
	mustAddCmd("create-partition", "Create a partition", "Create a new partition.", &cmdCreatePartition{})
	mustAddCmd("drop-partition", "Drop a partition", "Drop a partition and reclaim its files.", &cmdDropPartition{})
	mustAddCmd("flush", "Flush write buffers", "Flush one partition's write buffer, or all of them.", &cmdFlush{})
	mustAddCmd("compact", "Compact a partition", "Compact a partition until no level is over budget.", &cmdCompact{})
	mustAddCmd("stats", "Show statistics", "Show keyspace and per-partition statistics.", &cmdStats{})
}

func (cmd *cmdPartitions) Execute([]string) error {
	var ks, err = openKeyspace(true)
	if err != nil {
		return err
	}
	defer ks.Close()

	for _, name := range ks.Partitions() {
		fmt.Println(name)
	}
	return nil
}

func (cmd *cmdCreatePartition) Execute([]string) error {
	var ks, err = openKeyspace(false)
	if err != nil {
		return err
	}
	defer ks.Close()

	if _, err = ks.CreatePartition(cmd.Args.Name, nil); err != nil {
		return err
	}
	fmt.Printf("created %s\n", cmd.Args.Name)
	return nil
}

func (cmd *cmdDropPartition) Execute([]string) error {
	var ks, err = openKeyspace(false)
	if err != nil {
		return err
	}
	defer ks.Close()

	if err = ks.DropPartition(cmd.Args.Name); err != nil {
		return err
	}
	fmt.Printf("dropped %s\n", cmd.Args.Name)
	return nil
}

func (cmd *cmdFlush) Execute([]string) error {
	var ks, err = openKeyspace(false)
	if err != nil {
		return err
	}
	defer ks.Close()

	if cmd.Args.Partition != "" {
		return ks.FlushPartition(cmd.Args.Partition)
	}
	return ks.FlushAll()
}

func (cmd *cmdCompact) Execute([]string) error {
	var ks, err = openKeyspace(false)
	if err != nil {
		return err
	}
	defer ks.Close()

	return ks.CompactPartition(cmd.Args.Partition)
}

func (cmd *cmdStats) Execute([]string) error {
	var ks, err = openKeyspace(true)
	if err != nil {
		return err
	}
	defer ks.Close()

	printStats(ks.Stats())
	return nil
}

// printStats renders keyspace statistics for humans.
func printStats(stats talus.KeyspaceStats) {
	var header = color.New(color.FgCyan, color.Bold)
	var dim = color.New(color.Faint)

	header.Println("Keyspace")
	fmt.Printf("  instance:    %s\n", stats.InstanceID)
	fmt.Printf("  sequence:    %s (visible %s)\n",
		humanize.Comma(int64(stats.LastSeq)), humanize.Comma(int64(stats.VisibleSeq)))
	fmt.Printf("  journal:     %s in %d file(s)\n",
		humanize.IBytes(uint64(stats.JournalBytes)), stats.JournalFiles)
	fmt.Printf("  snapshots:   %d\n", stats.Snapshots)
	if stats.CacheHits+stats.CacheMisses > 0 {
		fmt.Printf("  block cache: %.1f%% hit rate\n",
			100*float64(stats.CacheHits)/float64(stats.CacheHits+stats.CacheMisses))
	}

	for _, ps := range stats.Partitions {
		fmt.Println()
		header.Printf("Partition %s\n", ps.Name)
		fmt.Printf("  buffer:   %s in %s entries (%d sealed)\n",
			humanize.IBytes(uint64(ps.BufferBytes)), humanize.Comma(ps.BufferEntries), ps.SealedBuffers)
		fmt.Printf("  flushed:  seq %s\n", humanize.Comma(int64(ps.FlushedSeq)))
		if len(ps.Levels) == 0 {
			dim.Println("  no segments")
			continue
		}
		for _, ls := range ps.Levels {
			fmt.Printf("  level %d:  %d segment(s), %s, %s entries\n",
				ls.Level, ls.Segments, humanize.IBytes(uint64(ls.Bytes)), humanize.Comma(int64(ls.Entries)))
		}
	}
}
