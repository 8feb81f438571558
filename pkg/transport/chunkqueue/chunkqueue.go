package chunkqueue

/**
 * First-in first-out byte buffer using discontiguous storage, so that
 * writes and reads can operate without copying payload bytes.
 *
 * Write appends a reference to the caller's slice, and Read returns a
 * sub-slice of a stored chunk. Neither side may modify bytes after
 * handing them over.
 */
type ChunkQueue struct {
	chunks [][]byte
	offset int // read cursor into chunks[0]
	length int
	rtotal uint64
	wtotal uint64
}

func NewChunkQueue() *ChunkQueue {
	return &ChunkQueue{}
}

// Remove all data from the queue. Totals are kept for diagnostics.
func (cq *ChunkQueue) Clear() {
	cq.chunks = nil
	cq.offset = 0
	cq.length = 0
}

// Enqueue data. An empty slice is a no-op.
func (cq *ChunkQueue) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	cq.length += len(data)
	cq.wtotal += uint64(len(data))
	cq.chunks = append(cq.chunks, data)
}

// Dequeue at most max bytes. A negative max dequeues the largest
// contiguous run available (a whole chunk, or the rest of a chunk a
// previous partial read left behind). Returns nil only if the queue is
// empty or max is zero. The result stays valid until the producer
// reuses the chunk it came from.
func (cq *ChunkQueue) Read(max int) []byte {
	if max == 0 || len(cq.chunks) == 0 {
		return nil
	}

	head := cq.chunks[0][cq.offset:]
	var result []byte
	if max < 0 || max >= len(head) {
		result = head
	} else {
		result = head[:max]
	}

	if cq.offset+len(result) == len(cq.chunks[0]) {
		cq.chunks = cq.chunks[1:]
		cq.offset = 0
	} else {
		cq.offset += len(result)
	}

	cq.length -= len(result)
	cq.rtotal += uint64(len(result))
	return result
}

// Dequeue the shortest prefix of the current contiguous run ending in
// delim. If delim does not occur in the run, the whole run is dequeued,
// mirroring Read's partial-chunk behavior, and the caller is expected
// to call again.
func (cq *ChunkQueue) ReadUntil(delim byte) []byte {
	if len(cq.chunks) == 0 {
		return nil
	}
	head := cq.chunks[0][cq.offset:]
	for i, b := range head {
		if b == delim {
			return cq.Read(i + 1)
		}
	}
	return cq.Read(-1)
}

// Count unread bytes in the queue.
func (cq *ChunkQueue) Len() int {
	return cq.length
}

// Total bytes ever read out of the queue.
func (cq *ChunkQueue) TotalReadBytes() uint64 {
	return cq.rtotal
}

// Total bytes ever written into the queue.
func (cq *ChunkQueue) TotalWrittenBytes() uint64 {
	return cq.wtotal
}
