// Package memory keeps photo transcoding inside the container's memory.
//
// Decoding a large photo briefly needs width*height*4 bytes of heap, and a
// pool of workers doing that at once is the usual way the daemon gets
// OOM-killed. Two pieces guard against it.
//
// [ConfigureFromEnv] derives GOMEMLIMIT from MEMORY_LIMIT (the container
// limit, typically injected through the Kubernetes Downward API) scaled by
// MEMORY_RATIO. An explicit GOMEMLIMIT always wins.
//
// [Monitor] samples the heap on an interval. Above the critical water mark
// it pauses, forces a GC, and [Monitor.WaitIfPaused] blocks every worker
// about to decode. It resumes once usage falls below the high water mark;
// the gap between the two marks keeps it from flapping.
//
//	mon := memory.NewMonitor(memory.DefaultConfig())
//	mon.Start()
//	defer mon.Stop()
//	opts.Throttle = mon
package memory
