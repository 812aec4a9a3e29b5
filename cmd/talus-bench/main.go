package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/talusdb/talus"
)

func main() {
	numRecords := flag.Int("records", 10_000_000, "Number of records to write")
	numReads := flag.Int("reads", 100_000, "Number of reads to perform per test")
	numPartitions := flag.Int("partitions", 4, "Number of partitions to spread writes over")
	batchSize := flag.Int("batch", 100, "Records per commit")
	dataDir := flag.String("dir", "/tmp/talus-bench", "Data directory")
	skipWrite := flag.Bool("skip-write", false, "Skip write phase (use existing data)")
	skipCompact := flag.Bool("skip-compact", false, "Skip compaction phase")
	flushBytes := flag.Int64("flush-bytes", 8*1024*1024, "Flush threshold in bytes")
	disableBloom := flag.Bool("no-bloom", false, "Disable bloom filters")
	flag.Parse()

	fmt.Println("=== Talus Benchmark ===")
	fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("GOMEMLIMIT: %d bytes\n", debug.SetMemoryLimit(-1))
	fmt.Printf("Records: %d over %d partitions\n", *numRecords, *numPartitions)
	fmt.Printf("Batch: %d records/commit\n", *batchSize)
	fmt.Printf("Flush threshold: %d MB\n", *flushBytes/1024/1024)
	fmt.Printf("Bloom filters: %v\n", !*disableBloom)
	fmt.Printf("Data dir: %s\n", *dataDir)
	fmt.Println()

	cfg := talus.DefaultConfig()
	cfg.SyncPolicy = talus.SyncPeriodic
	cfg.FlushThresholdBytes = *flushBytes
	cfg.Partition.DisableBloomFilter = *disableBloom

	if !*skipWrite {
		runWrite(*dataDir, cfg, *numRecords, *numPartitions, *batchSize)
	}

	// Read before compaction
	fmt.Println("\n=== READ BEFORE COMPACTION ===")
	runReads(*dataDir, cfg, *numRecords, *numPartitions, *numReads)

	if !*skipCompact {
		runCompact(*dataDir, cfg)
	}

	// Read after compaction
	fmt.Println("\n=== READ AFTER COMPACTION ===")
	runReads(*dataDir, cfg, *numRecords, *numPartitions, *numReads)

	fmt.Println("\n=== BENCHMARK COMPLETE ===")
}

func partitionName(i int) string { return fmt.Sprintf("bench%02d", i) }

func runWrite(dir string, cfg talus.Config, numRecords, numPartitions, batchSize int) {
	fmt.Println("=== WRITE PHASE ===")

	// Clean up old data
	os.RemoveAll(dir)

	ks, err := talus.Open(dir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open keyspace: %v\n", err)
		os.Exit(1)
	}

	parts := make([]*talus.Partition, numPartitions)
	for i := range parts {
		if parts[i], err = ks.EnsurePartition(partitionName(i), nil); err != nil {
			fmt.Fprintf(os.Stderr, "Create partition failed: %v\n", err)
			os.Exit(1)
		}
	}

	reportEvery := 1_000_000
	writeStart := time.Now()
	lastReport := writeStart

	batch := ks.NewBatch()
	for i := 0; i < numRecords; i++ {
		key := fmt.Sprintf("key%012d", i)
		value := fmt.Sprintf("val%012d", i)
		batch.Put(parts[i%numPartitions], []byte(key), []byte(value))

		if batch.Len() >= batchSize || i == numRecords-1 {
			if _, err := batch.Commit(); err != nil {
				fmt.Fprintf(os.Stderr, "Commit failed at %d: %v\n", i, err)
				os.Exit(1)
			}
			batch.Reset()
		}

		if (i+1)%reportEvery == 0 {
			elapsed := time.Since(lastReport)
			totalElapsed := time.Since(writeStart)
			rate := float64(reportEvery) / elapsed.Seconds()
			avgRate := float64(i+1) / totalElapsed.Seconds()
			pct := float64(i+1) / float64(numRecords) * 100

			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			fmt.Printf("[%s] Written: %dM / %dM (%.1f%%) | Batch: %.0f/s | Avg: %.0f/s | Heap: %dMB | Sys: %dMB\n",
				totalElapsed.Truncate(time.Second), (i+1)/1_000_000, numRecords/1_000_000, pct,
				rate, avgRate, m.HeapAlloc/1024/1024, m.Sys/1024/1024)

			lastReport = time.Now()
		}
	}

	// Final flush
	fmt.Println("Flushing...")
	flushStart := time.Now()
	if err := ks.FlushAll(); err != nil {
		fmt.Fprintf(os.Stderr, "Flush failed: %v\n", err)
	}
	fmt.Printf("Flush completed in %v\n", time.Since(flushStart))

	writeDuration := time.Since(writeStart)
	writeRate := float64(numRecords) / writeDuration.Seconds()
	fmt.Printf("\nWrite complete: %d records in %v (%.0f ops/sec)\n",
		numRecords, writeDuration, writeRate)

	printLevels(ks.Stats())
	ks.Close()
}

func runCompact(dir string, cfg talus.Config) {
	fmt.Println("\n=== COMPACTION PHASE ===")

	ks, err := talus.Open(dir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open keyspace: %v\n", err)
		return
	}

	compactStart := time.Now()
	for _, name := range ks.Partitions() {
		fmt.Printf("Compacting %s...\n", name)
		if err := ks.CompactPartition(name); err != nil {
			fmt.Printf("Compaction error: %v\n", err)
		}
	}
	fmt.Printf("Compaction completed in %v\n", time.Since(compactStart))

	printLevels(ks.Stats())
	ks.Close()

	// GC after compaction
	runtime.GC()
	debug.FreeOSMemory()
}

func runReads(dir string, cfg talus.Config, numRecords, numPartitions, numReads int) {
	cacheSizes := []struct {
		name string
		size int64
	}{
		{"0MB", -1},
		{"64MB", 64 * 1024 * 1024},
	}

	for _, cs := range cacheSizes {
		cfg.BlockCacheBytes = cs.size
		cfg.ReadOnly = true

		ks, err := talus.Open(dir, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open keyspace: %v\n", err)
			continue
		}

		parts := make([]*talus.Partition, numPartitions)
		for i := range parts {
			if parts[i], err = ks.OpenPartition(partitionName(i)); err != nil {
				fmt.Fprintf(os.Stderr, "Open partition failed: %v\n", err)
				os.Exit(1)
			}
		}

		// Random reads
		readStart := time.Now()
		found := 0
		for i := 0; i < numReads; i++ {
			idx := rand.Intn(numRecords)
			key := fmt.Sprintf("key%012d", idx)
			if _, err := parts[idx%numPartitions].Get([]byte(key)); err == nil {
				found++
			}
		}
		readDuration := time.Since(readStart)
		readRate := float64(numReads) / readDuration.Seconds()

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		fmt.Printf("Cache %s: %d reads in %v (%.0f/s) | Found: %d | Heap: %dMB | Sys: %dMB\n",
			cs.name, numReads, readDuration, readRate, found,
			m.HeapAlloc/1024/1024, m.Sys/1024/1024)

		ks.Close()
	}
}

func printLevels(stats talus.KeyspaceStats) {
	for _, p := range stats.Partitions {
		fmt.Printf("%s:\n", p.Name)
		for _, level := range p.Levels {
			fmt.Printf("  L%d: %d segments, %d keys, %d bytes\n",
				level.Level, level.Segments, level.Entries, level.Bytes)
		}
	}
}
