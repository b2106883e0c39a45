// Package disk implements the programmed-I/O LBA28 disk client described
// by the contract: SimpleDisk polls the controller's BSY bit directly,
// NonBlockingDisk parks the calling thread on the scheduler instead and
// is woken from IRQ14. Both drive the same simulated ATA controller
// attached to a cpu.PortBus, which stands in for the real port I/O
// primitives and the real hardware latency (out of scope collaborators
// per the contract).
package disk

import (
	"sync"
	"time"

	"tkernel/kernel/metrics"
)

// BlockSize is the size in bytes of one disk block / ATA sector.
const BlockSize = 512

const wordsPerBlock = BlockSize / 2

// Port addresses on the primary ATA channel.
const (
	PortData        = 0x1F0
	portError       = 0x1F1
	PortSectorCount = 0x1F2
	PortLBALow      = 0x1F3
	PortLBAMid      = 0x1F4
	PortLBAHigh     = 0x1F5
	PortDriveHead   = 0x1F6
	PortCommand     = 0x1F7 // same port as status on read
	PortControl     = 0x3F6
)

// ATA commands used by this driver.
const (
	cmdReadSectors  = 0x20
	cmdWriteSectors = 0x30
	cmdCacheFlush   = 0xE7
)

// Status register bits.
const (
	statusBusy = 1 << 7
	statusRDY  = 1 << 6
	statusDRQ  = 1 << 3
)

// ATAController simulates the primary IDE controller: an LBA28-addressed
// block store behind the port protocol SimpleDisk/NonBlockingDisk speak.
// Every command takes `latency` to complete, modeling seek/transfer time
// and giving the non-blocking client something real to park threads on.
type ATAController struct {
	mu sync.Mutex

	image   []byte
	lba     uint32
	xferBuf [wordsPerBlock]uint16
	xferPos int
	status  uint8
	opStart time.Time

	latency time.Duration
	metrics *metrics.Registry
	onReady func()
}

// NewATAController returns a ready (idle) controller backing nBlocks
// blocks, each completed command taking latency to finish.
func NewATAController(nBlocks uint32, latency time.Duration, metricsReg *metrics.Registry) *ATAController {
	return &ATAController{
		image:   make([]byte, uint64(nBlocks)*BlockSize),
		status:  statusRDY,
		latency: latency,
		metrics: metricsReg,
	}
}

// AttachIRQ installs the callback invoked when a command completes,
// standing in for the real IRQ14 line.
func (c *ATAController) AttachIRQ(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReady = fn
}

// ReadByte implements cpu.PortDevice.
func (c *ATAController) ReadByte(port uint16) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if port == PortCommand {
		return c.status
	}
	return 0
}

// WriteByte implements cpu.PortDevice.
func (c *ATAController) WriteByte(port uint16, val uint8) {
	c.mu.Lock()
	switch port {
	case PortLBALow:
		c.lba = (c.lba &^ 0xFF) | uint32(val)
	case PortLBAMid:
		c.lba = (c.lba &^ 0xFF00) | uint32(val)<<8
	case PortLBAHigh:
		c.lba = (c.lba &^ 0xFF0000) | uint32(val)<<16
	case PortDriveHead:
		c.lba = (c.lba &^ 0x0F000000) | uint32(val&0x0F)<<24
	case PortCommand:
		c.issueCommand(val)
	}
	c.mu.Unlock()
}

// ReadWord implements cpu.PortDevice: it drains the transfer buffer 16
// bits at a time from the data port.
func (c *ATAController) ReadWord(port uint16) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if port != PortData || c.xferPos >= wordsPerBlock {
		return 0
	}
	w := c.xferBuf[c.xferPos]
	c.xferPos++
	return w
}

// WriteWord implements cpu.PortDevice: it fills the transfer buffer 16
// bits at a time from the data port.
func (c *ATAController) WriteWord(port uint16, val uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if port != PortData || c.xferPos >= wordsPerBlock {
		return
	}
	c.xferBuf[c.xferPos] = val
	c.xferPos++
}

// IsBusy reports whether the BSY bit is set.
func (c *ATAController) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status&statusBusy != 0
}

func (c *ATAController) issueCommand(cmd uint8) {
	switch cmd {
	case cmdReadSectors:
		off := uint64(c.lba) * BlockSize
		for i := 0; i < wordsPerBlock; i++ {
			c.xferBuf[i] = uint16(c.image[off+uint64(i*2)]) | uint16(c.image[off+uint64(i*2+1)])<<8
		}
		c.xferPos = 0
		c.beginBusy(nil)
	case cmdWriteSectors:
		c.xferPos = 0
		c.beginBusy(nil)
	case cmdCacheFlush:
		lba, buf := c.lba, c.xferBuf
		c.beginBusy(func() {
			off := uint64(lba) * BlockSize
			for i := 0; i < wordsPerBlock; i++ {
				c.image[off+uint64(i*2)] = byte(buf[i])
				c.image[off+uint64(i*2+1)] = byte(buf[i] >> 8)
			}
		})
	}
}

// beginBusy marks the controller busy and, after latency, runs apply (if
// non-nil) against the controller state, clears BSY and fires the
// attached IRQ callback. Must be called with c.mu held; the wait and the
// completion run on a separate goroutine, which takes c.mu itself once the
// latency has elapsed.
func (c *ATAController) beginBusy(apply func()) {
	c.status = statusBusy
	c.opStart = time.Now()
	latency := c.latency
	metricsReg := c.metrics
	if metricsReg != nil {
		metricsReg.DiskOpsIn.Inc()
	}

	go func() {
		if latency > 0 {
			time.Sleep(latency)
		}
		c.mu.Lock()
		if apply != nil {
			apply()
		}
		c.status = statusRDY
		elapsed := time.Since(c.opStart)
		onReady := c.onReady
		c.mu.Unlock()

		if metricsReg != nil {
			metricsReg.DiskOpsDone.Inc()
			metricsReg.ObserveDiskLatency(float64(elapsed.Milliseconds()))
		}
		if onReady != nil {
			onReady()
		}
	}()
}
