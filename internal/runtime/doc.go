// Package runtime wires storage, config, and the task store into a
// single-node codeq instance. It exposes Open/Close, basic health checks,
// and accessors used by higher-level services.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeInterval, Config: cfg})
//	defer rt.Close()
//	_ = rt.CheckHealth(context.Background())
//	task, _ := rt.Store().Create(context.Background(), "GENERATE_MASTER", payload, taskstore.CreateOptions{})
package runtime
