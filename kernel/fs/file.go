package fs

import (
	"encoding/binary"

	"tkernel/kernel"
	"tkernel/kernel/disk"
)

// File is a cursor over one file's content: position, the index of the
// currently cached data block (or -1), and a single 512-byte write-through
// buffer. Reads never dirty the cache; every write is persisted to its
// block immediately.
type File struct {
	fs   *FileSystem
	slot int

	position       uint32
	cachedBlockIdx int
	cachePtr       uint32
	cache          [disk.BlockSize]byte
}

func (fs *FileSystem) readIndirect(n Inode) ([]uint32, *kernel.Error) {
	raw := make([]byte, disk.BlockSize)
	if err := fs.dev.Read(n.IndirectBlock, raw); err != nil {
		return nil, err
	}
	ptrs := make([]uint32, blockPointersSize)
	for i := range ptrs {
		ptrs[i] = binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
	}
	return ptrs, nil
}

func (fs *FileSystem) writeIndirect(n Inode, ptrs []uint32) *kernel.Error {
	raw := make([]byte, disk.BlockSize)
	for i, p := range ptrs {
		binary.LittleEndian.PutUint32(raw[i*4:i*4+4], p)
	}
	return fs.dev.Write(n.IndirectBlock, raw)
}

// inode returns the handle's current inode snapshot.
func (f *File) inode() Inode { return f.fs.inodes[f.slot] }

// Length returns the file's current length in bytes.
func (f *File) Length() uint32 { return f.inode().FileLength }

// Position returns the cursor's current offset.
func (f *File) Position() uint32 { return f.position }

// EoF reports whether the cursor has reached the end of the file.
func (f *File) EoF() bool { return f.position >= f.inode().FileLength }

// Reset rewinds the cursor to the start of the file and invalidates the
// cache.
func (f *File) Reset() {
	f.position = 0
	f.cachedBlockIdx = -1
}

func (f *File) loadBlock(blockIdx int, ptr uint32) *kernel.Error {
	if f.cachedBlockIdx == blockIdx {
		return nil
	}
	if ptr == 0 {
		for i := range f.cache {
			f.cache[i] = 0
		}
	} else if err := f.fs.dev.Read(ptr, f.cache[:]); err != nil {
		return err
	}
	f.cachedBlockIdx = blockIdx
	f.cachePtr = ptr
	return nil
}

// Read copies up to n bytes starting at the cursor into buf, clamped to
// the file's length, and advances the cursor by the number of bytes
// actually read.
func (f *File) Read(n int, buf []byte) (int, *kernel.Error) {
	inode := f.inode()
	if f.position >= inode.FileLength {
		return 0, nil
	}
	remaining := int(inode.FileLength - f.position)
	if n > remaining {
		n = remaining
	}
	if n > len(buf) {
		n = len(buf)
	}

	ptrs, err := f.fs.readIndirect(inode)
	if err != nil {
		return 0, err
	}

	read := 0
	for read < n {
		blockIdx := int(f.position / disk.BlockSize)
		offset := int(f.position % disk.BlockSize)
		if blockIdx >= blockPointersSize {
			break
		}
		if err := f.loadBlock(blockIdx, ptrs[blockIdx]); err != nil {
			return read, err
		}

		chunk := disk.BlockSize - offset
		if chunk > n-read {
			chunk = n - read
		}
		copy(buf[read:read+chunk], f.cache[offset:offset+chunk])
		read += chunk
		f.position += uint32(chunk)
	}
	return read, nil
}

// Write copies up to n bytes from buf into the file starting at the
// cursor, clamped to MAX_BLOCKS*512, allocating new data blocks on
// demand. A block that cannot be allocated truncates the write rather
// than failing it; every modified block is written through to disk
// immediately. The cursor and, if it advances past the previous end, the
// file's length are updated accordingly.
func (f *File) Write(n int, buf []byte) (int, *kernel.Error) {
	inode := f.inode()
	maxPos := f.fs.maxBlocksPerFile * disk.BlockSize
	if n > len(buf) {
		n = len(buf)
	}
	if f.position+uint32(n) > maxPos {
		if f.position >= maxPos {
			return 0, nil
		}
		n = int(maxPos - f.position)
	}

	ptrs, err := f.fs.readIndirect(inode)
	if err != nil {
		return 0, err
	}

	written := 0
	dirty := false
	for written < n {
		blockIdx := int(f.position / disk.BlockSize)
		offset := int(f.position % disk.BlockSize)
		if blockIdx >= blockPointersSize {
			break
		}

		ptr := ptrs[blockIdx]
		if ptr == 0 {
			newBlock, ferr := f.fs.GetFreeBlock()
			if ferr != nil {
				// Allocation exhausted: truncate the write here.
				break
			}
			for i := range f.cache {
				f.cache[i] = 0
			}
			f.cachedBlockIdx = blockIdx
			f.cachePtr = newBlock
			ptrs[blockIdx] = newBlock
			ptr = newBlock
			f.fs.markBlock(newBlock, true)
			inode.NumBlocks++
			dirty = true
		} else if err := f.loadBlock(blockIdx, ptr); err != nil {
			return written, err
		}

		chunk := disk.BlockSize - offset
		if chunk > n-written {
			chunk = n - written
		}
		copy(f.cache[offset:offset+chunk], buf[written:written+chunk])
		if err := f.fs.dev.Write(ptr, f.cache[:]); err != nil {
			return written, err
		}

		written += chunk
		f.position += uint32(chunk)
		if f.position > inode.FileLength {
			inode.FileLength = f.position
		}
	}

	if dirty {
		if err := f.fs.writeIndirect(inode, ptrs); err != nil {
			return written, err
		}
		if err := f.fs.SaveFreeList(); err != nil {
			return written, err
		}
	}
	f.fs.inodes[f.slot] = inode
	if err := f.fs.SaveInodes(); err != nil {
		return written, err
	}
	return written, nil
}

// Flush re-persists the currently cached block, without moving the
// cursor, so a caller can force durability without waiting for the
// handle to go out of scope.
func (f *File) Flush() *kernel.Error {
	if f.cachedBlockIdx < 0 || f.cachePtr == 0 {
		return nil
	}
	return f.fs.dev.Write(f.cachePtr, f.cache[:])
}
