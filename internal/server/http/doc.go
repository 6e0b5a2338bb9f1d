// Package httpserver is the REST surface of codeq: bearer-token auth with
// scope guards, the task lifecycle endpoints, result submission/retrieval,
// worker webhook subscriptions, and the admin views.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeInterval, Config: config.Default()})
//	v, _ := auth.NewVerifier(resolver, auth.VerifierOptions{Issuer: iss, Audience: aud})
//	s := httpserver.New(rt, v)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
