/*
Package filesystem provides filesystem operations that retry NFS stale
file handle errors.

The photo cache directory and the source photo library are often NFS
mounts on a NAS. Stat and Open can fail transiently with ESTALE while the
server revalidates a handle; those calls are retried with exponential
backoff. Any other error is returned immediately.

	info, err := filesystem.StatWithRetry(path, filesystem.DefaultRetryConfig())

	data, err := filesystem.ReadFileWithRetry(path, 64<<20, filesystem.DefaultRetryConfig())

# Metrics

Operations report to an [Observer] installed with [SetObserver]. Volume
labels come from a [VolumeResolver]:

	filesystem.SetDefaultVolumeResolver(filesystem.NewVolumeResolver(map[string]string{
	    "cache":    cfg.CacheDir,
	    "database": cfg.DatabaseDir,
	}))

Paths outside every configured volume are labeled "unknown".
*/
package filesystem
