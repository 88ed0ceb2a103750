// Copyright (c) 2020-2026, The MetaFS Authors.
// SPDX-License-Identifier: Apache-2.0

// Package istats holds the per-volume operation counters. Counters are
// created unregistered so volumes in tests never collide; a serving
// process registers them with its prometheus registry via Register().
package istats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// VolumeStats counts the interesting events of one mounted volume.
type VolumeStats struct {
	IndexLockRetries prometheus.Counter
	IndexInserts     prometheus.Counter
	IndexDeletes     prometheus.Counter
	IndexRollbacks   prometheus.Counter
	InodeRefreshes   prometheus.Counter
	OrphanScans      prometheus.Counter
	OrphanDeletes    prometheus.Counter
	PoolRefills      prometheus.Counter
}

// NewVolumeStats returns a VolumeStats labeled with volumeName.
func NewVolumeStats(volumeName string) (volumeStats *VolumeStats) {
	var (
		newCounter = func(name string, help string) prometheus.Counter {
			return prometheus.NewCounter(prometheus.CounterOpts{
				Namespace:   "metafs",
				Subsystem:   "inode",
				Name:        name,
				Help:        help,
				ConstLabels: prometheus.Labels{"volume": volumeName},
			})
		}
	)

	volumeStats = &VolumeStats{
		IndexLockRetries: newCounter("index_lock_retries_total", "Lock-ordered gate restarts due to transaction sequence races"),
		IndexInserts:     newCounter("index_inserts_total", "Inode index records inserted"),
		IndexDeletes:     newCounter("index_deletes_total", "Inode index records deleted"),
		IndexRollbacks:   newCounter("index_rollbacks_total", "Inode index inserts rolled back after a failed stale-record delete"),
		InodeRefreshes:   newCounter("refreshes_total", "Inode cache entries reloaded after a lock validity token advance"),
		OrphanScans:      newCounter("orphan_scans_total", "Orphan worklist scans started"),
		OrphanDeletes:    newCounter("orphan_deletes_total", "Inodes fully deleted via the orphan worklist"),
		PoolRefills:      newCounter("pool_refills_total", "Inode number pool refills received"),
	}

	return
}

// Register attaches every counter to reg.
func (volumeStats *VolumeStats) Register(reg prometheus.Registerer) (err error) {
	var (
		collector prometheus.Collector
	)

	for _, collector = range []prometheus.Collector{
		volumeStats.IndexLockRetries,
		volumeStats.IndexInserts,
		volumeStats.IndexDeletes,
		volumeStats.IndexRollbacks,
		volumeStats.InodeRefreshes,
		volumeStats.OrphanScans,
		volumeStats.OrphanDeletes,
		volumeStats.PoolRefills,
	} {
		err = reg.Register(collector)
		if nil != err {
			return
		}
	}

	err = nil
	return
}
