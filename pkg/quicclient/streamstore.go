// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicclient

import (
	"bytes"
	"sync"
)

// recvState is one stream's receive-side state: a FIFO byte queue plus
// the fin flag the protocol engine sets when the stream's receive side
// ends (the peer's FIN, or any other error reading the stream).
type recvState struct {
	buf         bytes.Buffer
	finReceived bool
	closed      bool
}

// sendChunk is one queued write: the bytes the caller handed to
// write_stream, and the offset already accepted by the engine. The
// chunk is dropped once cursor reaches len(bytes).
type sendChunk struct {
	bytes  []byte
	cursor int
}

func (c *sendChunk) remaining() []byte {
	return c.bytes[c.cursor:]
}

func (c *sendChunk) drained() bool {
	return c.cursor >= len(c.bytes)
}

// streamStore holds the two independently locked tables spec.md §4.D
// calls for: recv buffers/flags, and pending send chunks. Each table
// gets its own mutex so a caller appending to one stream's send queue
// never contends with the receive side filling or draining a recv
// buffer.
type streamStore struct {
	recvMu sync.Mutex
	recv   map[int64]*recvState

	sendMu sync.Mutex
	send   map[int64][]*sendChunk
}

func newStreamStore() *streamStore {
	return &streamStore{
		recv: make(map[int64]*recvState),
		send: make(map[int64][]*sendChunk),
	}
}

// openStream registers empty recv/send state for a newly opened
// stream id. Called once by engine.openStream, on the goroutine that
// called Client.OpenStream, right after the engine assigns the id.
func (s *streamStore) openStream(id int64) {
	s.recvMu.Lock()
	s.recv[id] = &recvState{}
	s.recvMu.Unlock()

	s.sendMu.Lock()
	s.send[id] = nil
	s.sendMu.Unlock()
}

// closeStream removes a stream's recv and send state entirely. Its
// caller is Client.CloseStream, after the write side is shut down.
func (s *streamStore) closeStream(id int64) {
	s.recvMu.Lock()
	delete(s.recv, id)
	s.recvMu.Unlock()

	s.sendMu.Lock()
	delete(s.send, id)
	s.sendMu.Unlock()
}

// appendSend appends a chunk of caller-supplied bytes to a stream's
// pending-send queue. Returns false if the stream is unknown (already
// closed or never opened).
func (s *streamStore) appendSend(id int64, p []byte) bool {
	if len(p) == 0 {
		return true
	}

	cp := make([]byte, len(p))
	copy(cp, p)

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if _, ok := s.send[id]; !ok {
		return false
	}
	s.send[id] = append(s.send[id], &sendChunk{bytes: cp})
	return true
}

// takeHead returns the bytes remaining in the head chunk of a
// stream's send queue, for the engine to consume. A nil slice means
// there is nothing queued.
func (s *streamStore) takeHead(id int64) []byte {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	chunks, ok := s.send[id]
	if !ok || len(chunks) == 0 {
		return nil
	}
	return chunks[0].remaining()
}

// advanceHead moves the head chunk's cursor forward by n bytes,
// popping it once fully drained. Called by the worker after the
// engine reports how many bytes of a stream write it accepted.
func (s *streamStore) advanceHead(id int64, n int) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	chunks, ok := s.send[id]
	if !ok || len(chunks) == 0 {
		return
	}
	chunks[0].cursor += n
	if chunks[0].drained() {
		s.send[id] = chunks[1:]
	}
}

// hasPendingSend reports whether any stream has unsent bytes queued.
func (s *streamStore) hasPendingSend() bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	for _, chunks := range s.send {
		if len(chunks) > 0 {
			return true
		}
	}
	return false
}

// pendingStreamIDs returns the ids of streams with at least one
// undrained send chunk, so the worker knows which streams to drive.
func (s *streamStore) pendingStreamIDs() []int64 {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ids := make([]int64, 0, len(s.send))
	for id, chunks := range s.send {
		if len(chunks) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// deliverRecv appends bytes received from the wire to a stream's
// receive buffer and optionally marks fin. Called only by the
// engine's per-stream reader goroutine (pumpRecv).
func (s *streamStore) deliverRecv(id int64, p []byte, fin bool) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	st, ok := s.recv[id]
	if !ok {
		return
	}
	st.buf.Write(p)
	if fin {
		st.finReceived = true
	}
}

// drainRecv consumes up to max bytes from a stream's receive buffer
// in FIFO order, reporting whether the stream has hit fin with an
// empty buffer (end of stream).
func (s *streamStore) drainRecv(id int64, max int) (data []byte, fin bool, ok bool) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	st, exists := s.recv[id]
	if !exists {
		return nil, false, false
	}

	n := max
	if st.buf.Len() < n {
		n = st.buf.Len()
	}
	data = make([]byte, n)
	if n > 0 {
		_, _ = st.buf.Read(data)
	}

	fin = st.finReceived && st.buf.Len() == 0
	return data, fin, true
}
