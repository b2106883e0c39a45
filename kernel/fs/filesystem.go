package fs

import (
	"encoding/binary"

	"tkernel/kernel"
	"tkernel/kernel/disk"
	"tkernel/kernel/metrics"
)

var (
	// ErrDuplicateFile is returned by CreateFile when id is already in use.
	ErrDuplicateFile = kernel.NewError("fs", "file id already exists")
	// ErrFileNotFound is the panic value when id names no live file.
	ErrFileNotFound = kernel.NewError("fs", "no such file")
	// ErrNoFreeInode is returned when the inode table is full.
	ErrNoFreeInode = kernel.NewError("fs", "no free inode")
	// ErrNoFreeBlock is returned when the free-block bitmap has no room.
	ErrNoFreeBlock = kernel.NewError("fs", "no free block")
)

const (
	inodeTableBlock   = 0
	freeBitmapBlock   = 1
	firstDataBlock    = 2
	blockPointersSize = disk.BlockSize / 4
)

// FileSystem is the single-disk file system: inode table in block 0,
// free-block bitmap in block 1, per-inode indirect block listing data
// blocks. It is not internally synchronized; callers must externally
// serialize access, matching the contract's single-threaded model.
type FileSystem struct {
	dev              disk.BlockDevice
	maxInodes        uint32
	totalBlocks      uint32
	maxBlocksPerFile uint32

	inodes  []Inode
	bitmap  []byte
	metrics *metrics.Registry
}

// New returns an unmounted file system bound to dev, sized for maxInodes
// inodes, a disk of totalBlocks blocks, and at most maxBlocksPerFile data
// blocks per file (bounded by the indirect block's 128 pointer slots).
func New(dev disk.BlockDevice, maxInodes, totalBlocks, maxBlocksPerFile uint32, metricsReg *metrics.Registry) *FileSystem {
	if maxBlocksPerFile > blockPointersSize {
		maxBlocksPerFile = blockPointersSize
	}
	return &FileSystem{
		dev:              dev,
		maxInodes:        maxInodes,
		totalBlocks:      totalBlocks,
		maxBlocksPerFile: maxBlocksPerFile,
		metrics:          metricsReg,
	}
}

// Format zeroes the inode table, marks blocks 0 and 1 allocated and the
// rest free, and persists both.
func (fs *FileSystem) Format() *kernel.Error {
	fs.inodes = make([]Inode, fs.maxInodes)
	fs.bitmap = make([]byte, fs.totalBlocks)
	fs.bitmap[inodeTableBlock] = 1
	fs.bitmap[freeBitmapBlock] = 1

	if err := fs.SaveInodes(); err != nil {
		return err
	}
	return fs.SaveFreeList()
}

// Mount loads the inode table and free list into memory.
func (fs *FileSystem) Mount() *kernel.Error {
	block := make([]byte, disk.BlockSize)
	if err := fs.dev.Read(inodeTableBlock, block); err != nil {
		return err
	}
	fs.inodes = make([]Inode, fs.maxInodes)
	for i := uint32(0); i < fs.maxInodes; i++ {
		off := i * inodeRecordSize
		fs.inodes[i] = decodeInode(block[off : off+inodeRecordSize])
	}

	bitmapBlock := make([]byte, disk.BlockSize)
	if err := fs.dev.Read(freeBitmapBlock, bitmapBlock); err != nil {
		return err
	}
	fs.bitmap = make([]byte, fs.totalBlocks)
	copy(fs.bitmap, bitmapBlock[:fs.totalBlocks])
	return nil
}

// SaveInodes persists the in-memory inode table to block 0.
func (fs *FileSystem) SaveInodes() *kernel.Error {
	block := make([]byte, disk.BlockSize)
	for i, n := range fs.inodes {
		off := uint32(i) * inodeRecordSize
		n.encode(block[off : off+inodeRecordSize])
	}
	return fs.dev.Write(inodeTableBlock, block)
}

// SaveFreeList persists the in-memory free-block bitmap to block 1.
func (fs *FileSystem) SaveFreeList() *kernel.Error {
	block := make([]byte, disk.BlockSize)
	copy(block, fs.bitmap)
	return fs.dev.Write(freeBitmapBlock, block)
}

// LookupFile returns the inode for id via a linear scan. id naming no live
// file is an InvalidReference-class invariant violation and panics rather
// than returning.
func (fs *FileSystem) LookupFile(id int32) Inode {
	for _, n := range fs.inodes {
		if n.ID == id {
			return n
		}
	}
	panic(ErrFileNotFound)
}

func (fs *FileSystem) findInode(id int32) int {
	for i, n := range fs.inodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (fs *FileSystem) findFreeInodeSlot() int {
	for i, n := range fs.inodes {
		if n.ID == 0 {
			return i
		}
	}
	return -1
}

// GetFreeBlock returns the first free block number at or after block 2.
func (fs *FileSystem) GetFreeBlock() (uint32, *kernel.Error) {
	blocks, err := fs.GetFreeBlocks(1)
	if err != nil {
		return 0, err
	}
	return blocks[0], nil
}

// GetFreeBlocks returns the first n free block numbers found by a
// first-fit scan over the bitmap starting at block 2. The blocks are not
// marked allocated; the caller does that once it knows it will use them.
func (fs *FileSystem) GetFreeBlocks(n uint32) ([]uint32, *kernel.Error) {
	found := make([]uint32, 0, n)
	for b := uint32(firstDataBlock); b < fs.totalBlocks && uint32(len(found)) < n; b++ {
		if fs.bitmap[b] == 0 {
			found = append(found, b)
		}
	}
	if uint32(len(found)) < n {
		return nil, ErrNoFreeBlock
	}
	return found, nil
}

func (fs *FileSystem) markBlock(b uint32, used bool) {
	if used {
		fs.bitmap[b] = 1
	} else {
		fs.bitmap[b] = 0
	}
	if fs.metrics != nil {
		usedCount := 0
		for _, v := range fs.bitmap {
			if v != 0 {
				usedCount++
			}
		}
		fs.metrics.BlocksUsed.Set(float64(usedCount))
	}
}

// CreateFile allocates a free inode and a free indirect block for a new,
// empty file identified by id. It fails if id is already present.
func (fs *FileSystem) CreateFile(id int32) *kernel.Error {
	if fs.findInode(id) >= 0 {
		return ErrDuplicateFile
	}
	slot := fs.findFreeInodeSlot()
	if slot < 0 {
		return ErrNoFreeInode
	}
	indirect, err := fs.GetFreeBlock()
	if err != nil {
		return err
	}

	zero := make([]byte, disk.BlockSize)
	if err := fs.dev.Write(indirect, zero); err != nil {
		return err
	}
	fs.markBlock(indirect, true)

	fs.inodes[slot] = Inode{ID: id, IndirectBlock: indirect, NumBlocks: 0, FileLength: 0}
	if err := fs.SaveInodes(); err != nil {
		return err
	}
	return fs.SaveFreeList()
}

// DeleteFile frees every data block and the indirect block belonging to
// id, then clears its inode. id naming no live file is an
// InvalidReference-class invariant violation and panics rather than
// returning.
func (fs *FileSystem) DeleteFile(id int32) *kernel.Error {
	slot := fs.findInode(id)
	if slot < 0 {
		panic(ErrFileNotFound)
	}
	n := fs.inodes[slot]

	indirectBlock := make([]byte, disk.BlockSize)
	if err := fs.dev.Read(n.IndirectBlock, indirectBlock); err != nil {
		return err
	}
	for i := 0; i < blockPointersSize; i++ {
		ptr := binary.LittleEndian.Uint32(indirectBlock[i*4 : i*4+4])
		if ptr != 0 {
			fs.markBlock(ptr, false)
		}
	}
	fs.markBlock(n.IndirectBlock, false)

	fs.inodes[slot] = Inode{}
	if err := fs.SaveInodes(); err != nil {
		return err
	}
	return fs.SaveFreeList()
}

// ListFiles enumerates the ids of every live file.
func (fs *FileSystem) ListFiles() []int32 {
	var ids []int32
	for _, n := range fs.inodes {
		if n.ID != 0 {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// Statfs returns a census of the free-block bitmap.
func (fs *FileSystem) Statfs() (freeBlocks, usedBlocks int) {
	for _, v := range fs.bitmap {
		if v == 0 {
			freeBlocks++
		} else {
			usedBlocks++
		}
	}
	return freeBlocks, usedBlocks
}

// Open returns a File handle positioned at the start of id's content. id
// naming no live file is an InvalidReference-class invariant violation and
// panics rather than returning.
func (fs *FileSystem) Open(id int32) *File {
	slot := fs.findInode(id)
	if slot < 0 {
		panic(ErrFileNotFound)
	}
	return &File{fs: fs, slot: slot, cachedBlockIdx: -1}
}
