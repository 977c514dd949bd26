// Package cache provides a node-local, shared-memory object cache for
// executors running on the same machine: dense numeric arrays, lists and
// tuples written once into named shared segments and read back by any
// executor without re-serializing.
//
// # Design
//
//   - Owner: one process per node calls Start. The returned Node runs the
//     allocator endpoint, formats the shared directory and supervises the
//     tracker goroutine.
//
//   - Tracker: the single writer of cache metadata. Clients post Put and
//     Remove messages into an unbounded mailbox and never wait for them to
//     be applied. Admission evicts least-hit entries first (oldest first on
//     ties) until the new entry fits; capacity may be overshot by at most
//     the size of the entry being admitted. Any error applying a message
//     stops the tracker for good and Node.Err reports ErrTrackerFailure.
//
//   - Directory: a fixed hash table in a shared mapping. Any process can
//     read it without locks; slot bodies are seqlock-protected and hit
//     counters are generation-tagged atomics, so Retrieve counts hits
//     directly without a round trip to the tracker.
//
//   - Executors: goroutines of the owner use Node.Client; other processes
//     call Connect, which authenticates to the allocator with the node's
//     pre-shared key and maps the same directory.
//
// # Basic usage
//
//	node, err := cache.Start(ctx, cache.Options{Capacity: 1 << 30})
//	if err != nil { ... }
//	defer node.Stop()
//
//	c := node.Client()
//	defer c.Close()
//
//	a, _ := cache.NewArray([]float64{1, 2, 3, 4}, 2, 2)
//	c.Insert("/data/job1/matrix.npy", a) // key is "matrix.npy"
//
//	if c.Contains("matrix.npy") {
//	    v, err := c.Retrieve("matrix.npy")
//	    if err == nil {
//	        a := v.(cache.Array)
//	        xs, _ := cache.ArrayView[float64](a)
//	        _ = xs // zero-copy view; do not modify
//	        a.Release()
//	    }
//	}
//
// # Enable strings
//
// Deployments switch the cache on with "<bool>[:<bytes>]", e.g. "true:2048",
// "false" or "TRUE". ParseEnable turns it into a Setting; without a size the
// capacity defaults to a quarter of physical memory. LoadOptions reads the
// same settings from a YAML file.
//
// # Exporting metrics
//
//	m := prom.New(nil, "shmcache", "node", nil) // implements Metrics
//	node, _ := cache.Start(ctx, cache.Options{Metrics: m})
package cache
