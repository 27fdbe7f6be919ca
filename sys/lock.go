package sys

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
)

// DefaultLockStaleTTL is the default age after which a lock file left behind
// by a crashed writer is broken.
var DefaultLockStaleTTL = 30 * time.Second

// ErrLocked is returned when the lock is still held after all retries.
var ErrLocked = errors.New("lock is held by another writer")

// AcquireFileLock creates path + ".lock" with O_EXCL, retrying up to
// maxRetries times. A lock file older than staleTTL is removed and the
// acquisition retried. The returned release function removes the lock only
// if it still carries this process's pid and timestamp.
func AcquireFileLock(path string, maxRetries int, retryInterval, staleTTL time.Duration) (func() error, error) {
	lockPath := path + ".lock"
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			stamp := lockStamp(os.Getpid(), time.Now().UTC().UnixNano())
			_, werr := f.Write(stamp)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(lockPath)
				return nil, fmt.Errorf("AcquireFileLock: write %s: %w", lockPath, errors.Join(werr, cerr))
			}
			return func() error {
				b, err := os.ReadFile(lockPath)
				if err != nil {
					if os.IsNotExist(err) {
						return nil
					}
					return err
				}
				if string(b) != string(stamp) {
					// Broken as stale and re-acquired by someone else.
					return nil
				}
				return os.Remove(lockPath)
			}, nil
		}
		lastErr = err
		if !os.IsExist(err) {
			return nil, fmt.Errorf("AcquireFileLock: %w", err)
		}
		if staleTTL > 0 && lockAge(lockPath) > staleTTL {
			_ = os.Remove(lockPath)
			continue
		}
		time.Sleep(retryInterval)
	}
	return nil, fmt.Errorf("AcquireFileLock %s: %w (last error: %v)", lockPath, ErrLocked, lastErr)
}

// lockStamp encodes pid (uint32) followed by a unixnano timestamp (uint64).
func lockStamp(pid int, ts int64) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(pid))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(ts))
	return buf
}

func lockAge(lockPath string) time.Duration {
	now := time.Now().UTC()
	if b, err := os.ReadFile(lockPath); err == nil && len(b) >= 12 {
		ts := int64(binary.LittleEndian.Uint64(b[4:12]))
		return now.Sub(time.Unix(0, ts))
	}
	if info, err := os.Stat(lockPath); err == nil {
		return now.Sub(info.ModTime())
	}
	return 0
}
