// Package eventloop implements the single-threaded readiness-and-timer
// dispatch at the center of the daemon: register file descriptors with
// wanted events, arm/cancel timers on a deadline min-heap, and run one
// sweep of ready fds followed by expired timers in deadline order. Built
// on golang.org/x/sys/unix's epoll wrapper, the same low-level syscall
// package the retrieval pack uses for SPI ioctl access; the timer-heap
// shape mirrors internal/core's TimerQueue (itself grounded on
// client2/arq.go's retransmit TimerQueue), reimplemented here rather than
// shared since EventLoop's timer values are opaque handler closures, not
// endpoint ids.
package eventloop

import (
	"container/heap"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

// Handler is invoked when a registered fd becomes ready for the events
// it reported, or when an armed timer fires.
type Handler func()

type registration struct {
	fd     int
	events uint32
	onRead Handler
	onWrite Handler
}

type timerEntry struct {
	deadline int64 // UnixNano
	seq      int64 // insertion order, for deterministic tie-break
	handler  Handler
	fd       int // 0 if not tied to an fd, so a timer cannot be tied to fd 0
	index    int
	canceled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimerHandle lets the caller cancel a timer it armed.
type TimerHandle struct {
	entry *timerEntry
}

// EventLoop owns one epoll instance plus the timer heap. Not safe for
// concurrent use; every Register/ArmTimer/Run call is expected from the
// same goroutine, which never blocks on I/O outside epoll_wait.
type EventLoop struct {
	epfd int

	regs map[int]*registration
	order []int // registration order, for reverse-order shutdown draining

	timers  timerHeap
	timerSeq int64

	closed bool
}

// New creates an EventLoop backed by a fresh epoll instance.
func New() (*EventLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	el := &EventLoop{epfd: epfd, regs: make(map[int]*registration)}
	heap.Init(&el.timers)
	return el, nil
}

// Register starts watching fd for readability and/or writability.
// onWrite may be nil if the caller never needs write-readiness.
func (el *EventLoop) Register(fd int, wantWrite bool, onRead, onWrite Handler) error {
	events := uint32(unix.EPOLLIN)
	if wantWrite {
		events |= unix.EPOLLOUT
	}
	reg := &registration{fd: fd, events: events, onRead: onRead, onWrite: onWrite}
	if err := unix.EpollCtl(el.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)}); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add fd %d: %w", fd, err)
	}
	el.regs[fd] = reg
	el.order = append(el.order, fd)
	return nil
}

// Modify changes the watched events for an already-registered fd.
func (el *EventLoop) Modify(fd int, wantWrite bool) error {
	reg, ok := el.regs[fd]
	if !ok {
		return fmt.Errorf("eventloop: modify unknown fd %d", fd)
	}
	events := uint32(unix.EPOLLIN)
	if wantWrite {
		events |= unix.EPOLLOUT
	}
	reg.events = events
	return unix.EpollCtl(el.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// Unregister stops watching fd and cancels any timers tied to it.
func (el *EventLoop) Unregister(fd int) error {
	if _, ok := el.regs[fd]; !ok {
		return nil
	}
	delete(el.regs, fd)
	for i, f := range el.order {
		if f == fd {
			el.order = append(el.order[:i], el.order[i+1:]...)
			break
		}
	}
	for _, e := range el.timers {
		if e.fd == fd {
			e.canceled = true
		}
	}
	return unix.EpollCtl(el.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// ArmTimer schedules handler to run after delay, returning a handle the
// caller can pass to CancelTimer. fd, if nonzero, ties this timer's
// lifetime to that descriptor's registration.
func (el *EventLoop) ArmTimer(delay time.Duration, fd int, handler Handler) *TimerHandle {
	el.timerSeq++
	e := &timerEntry{
		deadline: time.Now().Add(delay).UnixNano(),
		seq:      el.timerSeq,
		handler:  handler,
		fd:       fd,
	}
	heap.Push(&el.timers, e)
	return &TimerHandle{entry: e}
}

// CancelTimer marks a previously armed timer as canceled; it is skipped
// (and lazily removed) the next time the loop drains expired timers.
func (el *EventLoop) CancelTimer(h *TimerHandle) {
	if h == nil || h.entry == nil {
		return
	}
	h.entry.canceled = true
}

// RunOnce performs one iteration: wait up to timeout for fd readiness
// (or the next timer deadline, whichever is sooner), drain all ready fds
// in a single sweep, then fire every timer whose deadline has passed, in
// deadline order with insertion-order tie-break.
func (el *EventLoop) RunOnce(maxWait time.Duration) error {
	wait := maxWait
	if len(el.timers) > 0 {
		untilNext := time.Until(time.Unix(0, el.timers[0].deadline))
		if untilNext < wait {
			wait = untilNext
		}
	}
	if wait < 0 {
		wait = 0
	}

	events := make([]unix.EpollEvent, 32)
	n, err := unix.EpollWait(el.epfd, events, int(wait/time.Millisecond))
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("eventloop: epoll_wait: %w", err)
	}

	// Single sweep: sort by fd so dispatch order is deterministic across
	// runs, independent of kernel-reported ordering.
	ready := events[:n]
	sort.Slice(ready, func(i, j int) bool { return ready[i].Fd < ready[j].Fd })
	for _, ev := range ready {
		reg, ok := el.regs[int(ev.Fd)]
		if !ok {
			continue
		}
		if ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 && reg.onRead != nil {
			reg.onRead()
		}
		if ev.Events&unix.EPOLLOUT != 0 && reg.onWrite != nil {
			reg.onWrite()
		}
	}

	now := time.Now().UnixNano()
	for len(el.timers) > 0 && el.timers[0].deadline <= now {
		e := heap.Pop(&el.timers).(*timerEntry)
		if e.canceled {
			continue
		}
		e.handler()
	}
	return nil
}

// Shutdown releases every registered descriptor's epoll registration in
// reverse registration order and closes the epoll fd. Callers are
// responsible for closing the fds themselves; EventLoop only owns the
// epoll instance.
func (el *EventLoop) Shutdown() error {
	if el.closed {
		return nil
	}
	for i := len(el.order) - 1; i >= 0; i-- {
		fd := el.order[i]
		_ = unix.EpollCtl(el.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	el.regs = make(map[int]*registration)
	el.order = nil
	el.closed = true
	return unix.Close(el.epfd)
}
