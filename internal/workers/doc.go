/*
Package workers sizes goroutine pools for container environments.

runtime.NumCPU reports host CPUs, while GOMAXPROCS follows the cgroup CPU
limit (Go 1.19+). The helpers here use GOMAXPROCS:

	fetchers := workers.ForIO(16)  // network and disk reads, 2 per CPU
	encoders := workers.ForCPU(8)  // decode/resize/encode, 1 per CPU

The photo cache's transcode pool is deliberately fixed-size rather than
CPU-scaled, because each worker holds a decoded bitmap in memory:

	pool := workers.PoolSize(cfg.WorkerPoolSize, 4)

CACHE_WORKERS overrides every helper, which is handy when debugging
memory pressure on a small device:

	env:
	- name: CACHE_WORKERS
	  value: "2"
*/
package workers
