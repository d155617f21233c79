// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stream implements the Execution Stream: an ordered command queue on
// one device that issues transfers, kernel launches and barriers, and returns
// an Event for each of them.
//
// Events are scoped to a stream and to its generation: Reset starts a new
// generation, and resolving an event of a previous generation (or of another
// stream) is a contract violation.
//
// A stream keeps the records of its most recent operations only: older ones are
// retired once they complete, and their events resolve with status Retired.
package stream

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/offload/backends"
	"github.com/gomlx/offload/kernels"
	"github.com/gomlx/offload/types/kinds"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Event is an opaque handle to an operation enqueued in a Stream.
//
// The high numTagBits identify the stream, the low sequenceBits hold the
// position of the operation in the stream, counted across resets. So events
// increase monotonically within a stream, are never negative, and are never
// reused after a Reset.
type Event int64

// NoEvent is returned when the caller opts out of dependency tracking, and is
// ignored in wait lists.
const NoEvent Event = -1

// ErrUnknownEvent is the panic value (wrapped) when resolving an event not
// issued by the current generation of a stream.
var ErrUnknownEvent = errors.New("unknown event")

// ErrTooManyStreams is returned by New once every stream tag was used: tags are
// never recycled, so that events of different streams never alias.
var ErrTooManyStreams = errors.New("too many streams")

const (
	numTagBits   = 20
	sequenceBits = 63 - numTagBits
	maxStreamTag = 1<<numTagBits - 1
)

var nextStreamTag atomic.Uint32

func makeEvent(tag uint32, seq int64) Event {
	return Event(int64(tag)<<sequenceBits | seq)
}

func (e Event) split() (tag uint32, seq int64) {
	return uint32(uint64(e) >> sequenceBits), int64(e) & (1<<sequenceBits - 1)
}

func (e Event) String() string {
	if e == NoEvent {
		return "NoEvent"
	}
	tag, seq := e.split()
	return fmt.Sprintf("Event(%d#%d)", tag, seq)
}

//go:generate go tool enumer -type=OpKind -trimprefix=Op -transform=snake -output=gen_opkind_enumer.go stream.go

// OpKind is the type of operation an event refers to.
type OpKind int

const (
	OpWrite OpKind = iota
	OpRead
	OpLaunch
	OpBarrier
	OpMarker
)

//go:generate go tool enumer -type=Status -transform=snake -output=gen_status_enumer.go stream.go

// Status of an enqueued operation.
type Status int

const (
	Queued Status = iota
	Complete
	Failed

	// Retired: the operation completed and its record was dropped. EventInfo.Err
	// holds its error, if it failed.
	Retired
)

// EventInfo describes an enqueued operation.
type EventInfo struct {
	Event  Event
	Kind   OpKind
	Name   string
	Bytes  int64
	Status Status
	Err    error

	Queued, Started, Ended time.Time
}

// Duration of the operation, or 0 if it didn't finish.
func (info EventInfo) Duration() time.Duration {
	if info.Started.IsZero() || info.Ended.IsZero() {
		return 0
	}
	return info.Ended.Sub(info.Started)
}

type record struct {
	kind       OpKind
	name       string
	bytes      int64
	completion backends.Completion
}

// retiredCompletion stands for the completion of a retired operation.
type retiredCompletion struct{ err error }

func (c retiredCompletion) Done() bool                                 { return true }
func (c retiredCompletion) Wait() error                                { return c.err }
func (c retiredCompletion) Timing() (queued, started, ended time.Time) { return }

// RetainedEvents is the number of most recent records a stream keeps at least.
// Older records are retired, once their operations complete, whenever the
// stream holds twice as many.
var RetainedEvents = 1024

// Stream is an in-order command queue on one device.
type Stream struct {
	backend backends.Backend
	info    backends.DeviceInfo
	queue   backends.Queue
	tag     uint32

	mu         sync.Mutex
	generation uint32
	firstSeq   int64 // Of the current generation.
	baseSeq    int64 // Of records[0]: events in [firstSeq, baseSeq) are retired.
	records    []record
	retiredErr map[int64]error
}

// New creates a Stream on the given device.
func New(backend backends.Backend, deviceNum backends.DeviceNum) (*Stream, error) {
	info, err := backend.Device(deviceNum)
	if err != nil {
		return nil, err
	}
	tag := nextStreamTag.Add(1)
	if tag > maxStreamTag {
		return nil, errors.Wrapf(ErrTooManyStreams, "only %d streams can be created per process", maxStreamTag)
	}
	queue, err := backend.NewQueue(deviceNum)
	if err != nil {
		return nil, errors.WithMessagef(err, "while creating stream on %s", info)
	}
	return &Stream{
		backend: backend,
		info:    info,
		queue:   queue,
		tag:     tag,
	}, nil
}

// Device returns the information of the device the stream runs on.
func (s *Stream) Device() backends.DeviceInfo { return s.info }

// Generation returns the number of times the stream was reset.
func (s *Stream) Generation() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Stream) nextSeqLocked() int64 {
	return s.baseSeq + int64(len(s.records))
}

// completionsLocked converts a wait list to driver completions. NoEvent is skipped.
func (s *Stream) completionsLocked(waits []Event) []backends.Completion {
	if len(waits) == 0 {
		return nil
	}
	completions := make([]backends.Completion, 0, len(waits))
	for _, e := range waits {
		if e == NoEvent {
			continue
		}
		completions = append(completions, s.recordLocked(e).completion)
	}
	return completions
}

// recordLocked returns the record of e: for retired events, a record with only
// the completion set.
func (s *Stream) recordLocked(e Event) record {
	tag, seq := e.split()
	if e < 0 || tag != s.tag || seq < s.firstSeq || seq >= s.nextSeqLocked() {
		panic(errors.Wrapf(ErrUnknownEvent, "%s not issued by the current generation (%d) of the stream on %s",
			e, s.generation, s.info))
	}
	if seq < s.baseSeq {
		return record{completion: retiredCompletion{s.retiredErr[seq]}}
	}
	return s.records[seq-s.baseSeq]
}

func (s *Stream) appendLocked(kind OpKind, name string, bytes int64, c backends.Completion) Event {
	e := makeEvent(s.tag, s.nextSeqLocked())
	s.records = append(s.records, record{kind: kind, name: name, bytes: bytes, completion: c})
	s.retireLocked()
	return e
}

// retireLocked drops the leading completed records, keeping at least
// RetainedEvents records. Errors of failed operations are kept.
func (s *Stream) retireLocked() {
	if len(s.records) < 2*RetainedEvents {
		return
	}
	n := 0
	for n < len(s.records)-RetainedEvents && s.records[n].completion.Done() {
		if err := s.records[n].completion.Wait(); err != nil {
			if s.retiredErr == nil {
				s.retiredErr = make(map[int64]error)
			}
			s.retiredErr[s.baseSeq+int64(n)] = err
		}
		n++
	}
	if n > 0 {
		s.records = slices.Delete(s.records, 0, n)
		s.baseSeq += int64(n)
	}
}

func checkTransfer(kind dtypes.DType, numBytes int) {
	width := kinds.Width(kind)
	if width == 0 {
		exceptions.Panicf("should not reach here: transfer of unsupported kind %s", kind)
	}
	if numBytes%width != 0 {
		exceptions.Panicf("transfer of %d bytes is not a multiple of the %s element width (%d)", numBytes, kind, width)
	}
}

// EnqueueWrite copies host (raw bytes of elements of the given kind) to device
// memory at dst+deviceOffset (in bytes), after the events in waits.
//
// If pinned is false, host can be reused as soon as EnqueueWrite returns.
func (s *Stream) EnqueueWrite(kind dtypes.DType, dst backends.Address, deviceOffset int64, host []byte, pinned bool, waits []Event) Event {
	checkTransfer(kind, len(host))
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.queue.CopyToDevice(dst, deviceOffset, host, pinned, s.completionsLocked(waits))
	return s.appendLocked(OpWrite, kind.String(), int64(len(host)), c)
}

// EnqueueRead copies device memory at src+deviceOffset into host, after the events
// in waits. host must not be touched until the returned event completes.
func (s *Stream) EnqueueRead(kind dtypes.DType, src backends.Address, deviceOffset int64, host []byte, waits []Event) Event {
	checkTransfer(kind, len(host))
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.queue.CopyToHost(host, src, deviceOffset, s.completionsLocked(waits))
	return s.appendLocked(OpRead, kind.String(), int64(len(host)), c)
}

// EnqueueKernelLaunch submits a launch of module over the given geometry.
func (s *Stream) EnqueueKernelLaunch(module backends.Module, argBlock []byte, grid, block [kernels.MaxDims]int, waits []Event) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.queue.Launch(module, argBlock, grid, block, s.completionsLocked(waits))
	return s.appendLocked(OpLaunch, module.Name(), int64(len(argBlock)), c)
}

// EnqueueBarrier inserts an ordering point that completes after every previously
// enqueued operation and the given waits.
func (s *Stream) EnqueueBarrier(waits []Event) Event {
	return s.enqueueOrderingPoint(OpBarrier, waits)
}

// EnqueueMarker is like EnqueueBarrier: on in-order queues they are equivalent.
func (s *Stream) EnqueueMarker(waits []Event) Event {
	return s.enqueueOrderingPoint(OpMarker, waits)
}

// enqueueOrderingPoint returns the current tail event if the queue is in-order
// and there is nothing else to wait for.
func (s *Stream) enqueueOrderingPoint(kind OpKind, waits []Event) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	completions := s.completionsLocked(waits)
	if next := s.nextSeqLocked(); s.info.InOrder && len(completions) == 0 && next > s.firstSeq {
		return makeEvent(s.tag, next-1)
	}
	c := s.queue.Barrier(completions)
	return s.appendLocked(kind, kind.String(), 0, c)
}

// Wait blocks until the event completes, and returns the error of its operation.
func (s *Stream) Wait(e Event) error {
	if e == NoEvent {
		return nil
	}
	return s.completion(e).Wait()
}

// Sync blocks until every enqueued operation completes. It returns the first
// error since the previous Sync, if any.
func (s *Stream) Sync() error {
	err := s.queue.Synchronize()
	if err != nil {
		return errors.WithMessagef(err, "stream on %s", s.info)
	}
	return nil
}

// Reset drops every pending operation and starts a new generation: all events
// issued so far become invalid.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.Reset()
	s.firstSeq = s.nextSeqLocked()
	s.baseSeq = s.firstSeq
	s.records = nil
	s.retiredErr = nil
	s.generation++
	klog.V(1).Infof("stream on %s reset, generation %d", s.info, s.generation)
}

// ResolveEvent returns the information about the operation of the event.
//
// It panics with an error wrapping ErrUnknownEvent if the event was not issued
// by the current generation of this stream.
func (s *Stream) ResolveEvent(e Event) EventInfo {
	s.mu.Lock()
	r := s.recordLocked(e)
	s.mu.Unlock()
	if rc, ok := r.completion.(retiredCompletion); ok {
		return EventInfo{Event: e, Status: Retired, Err: rc.err}
	}
	return resolve(e, &r)
}

func (s *Stream) completion(e Event) backends.Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(e).completion
}

func resolve(e Event, r *record) EventInfo {
	info := EventInfo{Event: e, Kind: r.kind, Name: r.name, Bytes: r.bytes, Status: Queued}
	info.Queued, info.Started, info.Ended = r.completion.Timing()
	if r.completion.Done() {
		info.Err = r.completion.Wait()
		info.Status = Complete
		if info.Err != nil {
			info.Status = Failed
		}
	}
	return info
}

// Events returns the information of the events of the current generation that
// were not retired, in submission order.
func (s *Stream) Events() []EventInfo {
	s.mu.Lock()
	records := slices.Clone(s.records)
	base := s.baseSeq
	s.mu.Unlock()
	infos := make([]EventInfo, len(records))
	for ii := range records {
		infos[ii] = resolve(makeEvent(s.tag, base+int64(ii)), &records[ii])
	}
	return infos
}

// NumEvents returns the number of event records retained in the current generation.
func (s *Stream) NumEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// NumIssued returns the number of events issued in the current generation,
// retired or not.
func (s *Stream) NumIssued() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeqLocked() - s.firstSeq
}
