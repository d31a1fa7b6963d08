package lsm

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/grabcocque/lsmer/internal/diskmanager"
	"github.com/grabcocque/lsmer/internal/lsmerrors"
)

// manifestState is the small amount of state that must survive a
// restart even if every WAL segment has been retired: the sequence
// counter (so newly assigned sequences stay monotonic per invariant I1)
// and the table ID counter (so a recovered table is never reassigned).
type manifestState struct {
	LastSeq     uint64
	NextTableID uint64
}

const manifestSize = 8 + 8 + 4 // lastSeq + nextTableID + crc32

func manifestPath(dir string) string { return filepath.Join(dir, "MANIFEST") }

// readManifest loads the manifest if present. A missing manifest is not
// an error — the caller rebuilds its defaults from the SSTable
// directory scan and WAL replay, per spec §6's "rebuilt if missing".
func readManifest(dm diskmanager.DiskManager, dir string) (manifestState, bool, error) {
	path := manifestPath(dir)
	fh, err := dm.Open(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return manifestState{}, false, nil
		}
		return manifestState{}, false, lsmerrors.NewIOError("open", path, err)
	}
	defer func() { _ = dm.Close(path) }()

	buf := make([]byte, manifestSize)
	if _, err := fh.ReadAt(buf, 0); err != nil {
		return manifestState{}, false, lsmerrors.NewIOError("read", path, err)
	}

	crc := binary.LittleEndian.Uint32(buf[16:20])
	if crc32.ChecksumIEEE(buf[:16]) != crc {
		return manifestState{}, false, &lsmerrors.CorruptionError{Path: path, Offset: 0, Reason: "manifest CRC mismatch"}
	}

	st := manifestState{
		LastSeq:     binary.LittleEndian.Uint64(buf[0:8]),
		NextTableID: binary.LittleEndian.Uint64(buf[8:16]),
	}
	return st, true, nil
}

// writeManifest persists st via the same temp+rename protocol as an
// SSTable, so a crash mid-write leaves the previous manifest intact.
func writeManifest(dm diskmanager.DiskManager, dir string, st manifestState) error {
	path := manifestPath(dir)
	tmp := path + ".tmp"

	buf := make([]byte, manifestSize)
	binary.LittleEndian.PutUint64(buf[0:8], st.LastSeq)
	binary.LittleEndian.PutUint64(buf[8:16], st.NextTableID)
	binary.LittleEndian.PutUint32(buf[16:20], crc32.ChecksumIEEE(buf[:16]))

	fh, err := dm.Open(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return lsmerrors.NewIOError("open", tmp, err)
	}
	if _, err := fh.WriteAt(buf, 0); err != nil {
		return lsmerrors.NewIOError("write", tmp, err)
	}
	if err := fh.Sync(); err != nil {
		return lsmerrors.NewIOError("sync", tmp, err)
	}
	if err := fh.Close(); err != nil {
		return lsmerrors.NewIOError("close", tmp, err)
	}
	if err := dm.Rename(tmp, path); err != nil {
		return lsmerrors.NewIOError("rename", tmp, err)
	}
	return nil
}
