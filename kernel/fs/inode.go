// Package fs implements the single-disk file system: a fixed-size inode
// table in block 0, a byte-per-block free-list bitmap in block 1, and a
// per-inode indirect block listing each file's data blocks.
package fs

import "encoding/binary"

// inodeRecordSize is the on-disk size of one Inode: id, indirect block
// number, block count, file length, each a uint32.
const inodeRecordSize = 16

// Inode is a fixed-size on-disk record. An Id of 0 marks the slot free.
type Inode struct {
	ID            int32
	IndirectBlock uint32
	NumBlocks     uint32
	FileLength    uint32
}

func (n Inode) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(n.ID))
	binary.LittleEndian.PutUint32(b[4:8], n.IndirectBlock)
	binary.LittleEndian.PutUint32(b[8:12], n.NumBlocks)
	binary.LittleEndian.PutUint32(b[12:16], n.FileLength)
}

func decodeInode(b []byte) Inode {
	return Inode{
		ID:            int32(binary.LittleEndian.Uint32(b[0:4])),
		IndirectBlock: binary.LittleEndian.Uint32(b[4:8]),
		NumBlocks:     binary.LittleEndian.Uint32(b[8:12]),
		FileLength:    binary.LittleEndian.Uint32(b[12:16]),
	}
}
