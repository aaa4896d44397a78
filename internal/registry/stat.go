package registry

import "os"

// IsDeleted reports whether a tracked path has vanished. Archives are judged
// by their meta file alone: data volumes come and go as the writer rotates
// and compresses them, but an archive without its meta file has nothing left
// to tail. A successful stat refreshes the entry's modification stamp.
func IsDeleted(e *Entry) bool {
	path := e.Path
	if e.Flags&FlagDirectory == 0 && e.Flags&(FlagMeta|FlagDataVol) != 0 {
		path += ".meta"
	}
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	e.LastModified = info.ModTime()
	return false
}
