// Package pebblestore wraps Pebble for task and lease state. It owns the
// fsync policy, exposes batches for multi-key commits, and reports read and
// commit timings through a MetricsHook.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: filepath.Join(dataDir, "store"),
//	    Fsync:   pebblestore.FsyncModeInterval,
//	    Metrics: metrics.StoreObserver{},
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	// A claim touches the task record and the lease index together.
//	b := db.NewBatch()
//	_ = b.Set(taskKey, taskBytes, nil)
//	_ = b.Set(leaseKey, leaseBytes, nil)
//	_ = db.CommitBatch(context.Background(), b)
//	b.Close()
//
//	// Point ops
//	v, err := db.Get(taskKey)
//	if db.IsNotFound(err) { /* no such task */ }
package pebblestore
