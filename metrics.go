package talus

import "github.com/prometheus/client_golang/prometheus"

// Keys for talus metrics. Exported primarily for documentation; they are
// not typically used programmatically outside of defining the collectors.
const (
	CommitsTotalKey             = "talus_commits_total"
	CommitRecordsTotalKey       = "talus_commit_records_total"
	CommitDurationSecondsKey    = "talus_commit_duration_seconds"
	WriterTimeoutsTotalKey      = "talus_writer_timeouts_total"
	JournalAppendedBytesKey     = "talus_journal_appended_bytes_total"
	JournalSyncsTotalKey        = "talus_journal_syncs_total"
	JournalLiveBytesKey         = "talus_journal_live_bytes"
	JournalTruncationsTotalKey  = "talus_journal_truncations_total"
	FlushesTotalKey             = "talus_flushes_total"
	FlushedBytesTotalKey        = "talus_flushed_bytes_total"
	CompactionsTotalKey         = "talus_compactions_total"
	ReplayedRecordsTotalKey     = "talus_replayed_records_total"
	PartitionsKey               = "talus_partitions"
	SnapshotsActiveKey          = "talus_snapshots_active"

	Fail = "fail"
	Ok   = "ok"
)

// Collectors for talus metrics.
var (
	commitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: CommitsTotalKey,
		Help: "Cumulative number of committed batches.",
	}, []string{"status"})
	commitRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: CommitRecordsTotalKey,
		Help: "Cumulative number of records applied by commits.",
	})
	commitDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: CommitDurationSecondsKey,
		Help: "Latency of Commit, from permit acquisition through apply.",
	})
	writerTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: WriterTimeoutsTotalKey,
		Help: "Cumulative number of commits that timed out awaiting the writer permit.",
	})
	journalAppendedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: JournalAppendedBytesKey,
		Help: "Cumulative number of bytes appended to the journal.",
	})
	journalSyncsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: JournalSyncsTotalKey,
		Help: "Cumulative number of journal fsyncs.",
	})
	journalLiveBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: JournalLiveBytesKey,
		Help: "Current size of journal files on disk.",
	})
	journalTruncationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: JournalTruncationsTotalKey,
		Help: "Cumulative number of journal files removed by truncation.",
	})
	flushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: FlushesTotalKey,
		Help: "Cumulative number of partition buffer flushes.",
	}, []string{"partition", "status"})
	flushedBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: FlushedBytesTotalKey,
		Help: "Cumulative number of buffered bytes written to segments.",
	}, []string{"partition"})
	compactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: CompactionsTotalKey,
		Help: "Cumulative number of partition compaction rounds.",
	}, []string{"partition", "status"})
	replayedRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: ReplayedRecordsTotalKey,
		Help: "Cumulative number of journal records re-applied during recovery.",
	})
	partitionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: PartitionsKey,
		Help: "Number of live partitions.",
	})
	snapshotsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: SnapshotsActiveKey,
		Help: "Number of acquired, unreleased snapshots.",
	})
)

// Collectors lists the prometheus collectors maintained by a Keyspace, for
// registration by the hosting process:
//
//	prometheus.MustRegister(talus.Collectors()...)
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		commitsTotal,
		commitRecordsTotal,
		commitDurationSeconds,
		writerTimeoutsTotal,
		journalAppendedBytes,
		journalSyncsTotal,
		journalLiveBytes,
		journalTruncationsTotal,
		flushesTotal,
		flushedBytesTotal,
		compactionsTotal,
		replayedRecordsTotal,
		partitionsGauge,
		snapshotsActive,
	}
}
