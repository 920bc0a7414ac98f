package chain

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/gozmq"
)

const (
	// hashBlockZMQCommand is the topic bitcoind publishes new block hashes
	// on.
	hashBlockZMQCommand = "hashblock"

	// seqNumLen is the length of the sequence number of a message sent
	// from bitcoind through ZMQ.
	seqNumLen = 4

	// zmqPollInterval is the read timeout of the ZMQ socket, after which
	// the shutdown signal is checked again.
	zmqPollInterval = time.Second
)

// zmqConn is the subset of a gozmq connection the notifier reads from.
type zmqConn interface {
	Receive(bufs [][]byte) ([][]byte, error)
	Close() error
}

// BlockNotifier turns bitcoind hashblock notifications into sync triggers.
// Notifications are coalesced: if the consumer has not drained the previous
// trigger, newer blocks do not queue up behind it.
type BlockNotifier struct {
	conn zmqConn

	blocks chan chainhash.Hash

	started sync.Once
	stopped sync.Once
	wg      sync.WaitGroup
	quit    chan struct{}
}

// NewBlockNotifier subscribes to the hashblock topic at addr, for example
// tcp://127.0.0.1:28332.
func NewBlockNotifier(addr string) (*BlockNotifier, error) {
	conn, err := gozmq.Subscribe(
		addr, []string{hashBlockZMQCommand}, zmqPollInterval,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to subscribe for zmq block "+
			"events: %w", err)
	}

	return newBlockNotifier(conn), nil
}

// newBlockNotifier wraps an established subscription.
func newBlockNotifier(conn zmqConn) *BlockNotifier {
	return &BlockNotifier{
		conn:   conn,
		blocks: make(chan chainhash.Hash, 1),
		quit:   make(chan struct{}),
	}
}

// Start launches the read loop.
func (b *BlockNotifier) Start() {
	b.started.Do(func() {
		b.wg.Add(1)
		go b.blockEventHandler()
	})
}

// Stop closes the subscription and waits for the read loop to exit.
func (b *BlockNotifier) Stop() {
	b.stopped.Do(func() {
		close(b.quit)

		if err := b.conn.Close(); err != nil {
			log.Debugf("Unable to close zmq connection: %v", err)
		}

		b.wg.Wait()
	})
}

// Blocks returns the channel new block hashes are delivered on.
func (b *BlockNotifier) Blocks() <-chan chainhash.Hash {
	return b.blocks
}

// blockEventHandler reads hashblock events until the notifier is stopped.
//
// NOTE: This must be run as a goroutine.
func (b *BlockNotifier) blockEventHandler() {
	defer b.wg.Done()

	log.Info("Started listening for bitcoind block notifications via ZMQ")
	defer log.Info("Stopped listening for bitcoind block notifications")

	var (
		command [len(hashBlockZMQCommand)]byte
		data    [chainhash.HashSize]byte
		seqNum  [seqNumLen]byte
	)

	for {
		select {
		case <-b.quit:
			return
		default:
		}

		bufs := [][]byte{command[:], data[:], seqNum[:]}
		bufs, err := b.conn.Receive(bufs)
		if err != nil {
			// EOF should only be returned if the connection was
			// explicitly closed.
			if errors.Is(err, io.EOF) {
				return
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-b.quit:
				return
			default:
			}

			log.Errorf("Unable to receive ZMQ %v message: %v",
				hashBlockZMQCommand, err)

			continue
		}

		if len(bufs) < 2 || string(bufs[0]) != hashBlockZMQCommand {
			continue
		}

		if len(bufs[1]) != chainhash.HashSize {
			log.Warnf("Ignoring ZMQ %v message of %d bytes",
				hashBlockZMQCommand, len(bufs[1]))

			continue
		}

		// bitcoind publishes the hash in display order.
		var hash chainhash.Hash
		for i := range chainhash.HashSize {
			hash[i] = bufs[1][chainhash.HashSize-1-i]
		}

		log.Debugf("ZMQ block notification: %v", hash)

		b.deliver(hash)
	}
}

// deliver hands hash to the consumer, replacing an undrained trigger.
func (b *BlockNotifier) deliver(hash chainhash.Hash) {
	for {
		select {
		case b.blocks <- hash:
			return

		case <-b.quit:
			return

		default:
		}

		select {
		case <-b.blocks:
		default:
		}
	}
}
