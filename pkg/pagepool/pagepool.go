// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pagepool provides a reference-counted arena of fixed-size pages
// used to back receive buffers.
//
// A page is handed out with one reference. Holders take and drop further
// references with Ref and Unref; when the count reaches zero the page goes
// back on the arena's free list. Pages are carved out of large anonymous
// mappings, much like an AF_XDP UMEM.
package pagepool

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// DefaultPageSize is the page size used when Options.PageSize is zero.
const DefaultPageSize = 4096

// ErrExhausted is returned by Alloc when the arena is at its page limit.
var ErrExhausted = errors.New("pagepool: out of pages")

// PageID identifies a page in an Arena.
type PageID uint32

// Options configures an Arena.
type Options struct {
	// PageSize is the size of each page. It must be a power of two.
	PageSize int

	// ChunkPages is the number of pages obtained from the system at once.
	ChunkPages int

	// MaxPages bounds the total number of pages. Zero means unbounded.
	MaxPages int

	// ReserveAbove is the number of live pages beyond which newly handed
	// out pages are marked as reserve pages. Reserve pages are not reusable
	// so they return to the arena as soon as their holders drop them. Zero
	// disables the reserve.
	ReserveAbove int
}

func (o *Options) setDefaults() {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.ChunkPages == 0 {
		o.ChunkPages = 64
	}
}

type page struct {
	data    []byte
	refs    atomicbitops.Int32
	reserve bool
}

// Arena is a pool of pages. It is safe for concurrent use: the poller
// allocates and recycles pages while upper layers release the fragments
// they were handed from any goroutine.
type Arena struct {
	opts Options

	mu sync.Mutex

	// chunks are the system mappings pages are carved out of.
	//
	// +checklocks:mu
	chunks [][]byte

	// pages is indexed by PageID. It only grows, so a *page obtained under
	// mu stays valid.
	//
	// +checklocks:mu
	pages []*page

	// +checklocks:mu
	free []PageID

	// +checklocks:mu
	live int

	// +checklocks:mu
	closed bool
}

// New returns an empty arena.
func New(opts Options) (*Arena, error) {
	opts.setDefaults()
	if opts.PageSize <= 0 || opts.PageSize&(opts.PageSize-1) != 0 {
		return nil, fmt.Errorf("pagepool: page size %d is not a power of 2", opts.PageSize)
	}
	if opts.ChunkPages < 0 || opts.MaxPages < 0 || opts.ReserveAbove < 0 {
		return nil, fmt.Errorf("pagepool: negative option in %+v", opts)
	}
	return &Arena{opts: opts}, nil
}

// PageSize returns the size of the arena's pages.
func (a *Arena) PageSize() int {
	return a.opts.PageSize
}

// grow maps another chunk of pages.
//
// +checklocks:a.mu
func (a *Arena) grow() error {
	n := a.opts.ChunkPages
	if a.opts.MaxPages > 0 {
		n = min(n, a.opts.MaxPages-len(a.pages))
	}
	if n <= 0 {
		return ErrExhausted
	}
	mem, err := unix.Mmap(-1, 0, n*a.opts.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("pagepool: mmap of %d pages: %w", n, err)
	}
	a.chunks = append(a.chunks, mem)
	for i := 0; i < n; i++ {
		off := i * a.opts.PageSize
		id := PageID(len(a.pages))
		a.pages = append(a.pages, &page{data: mem[off : off+a.opts.PageSize : off+a.opts.PageSize]})
		a.free = append(a.free, id)
	}
	return nil
}

// Alloc hands out a page holding one reference.
func (a *Arena) Alloc() (PageID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, fmt.Errorf("pagepool: alloc after close: %w", ErrExhausted)
	}
	if len(a.free) == 0 {
		if err := a.grow(); err != nil {
			return 0, err
		}
	}
	id := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	p := a.pages[id]
	p.refs.Store(1)
	a.live++
	p.reserve = a.opts.ReserveAbove > 0 && a.live > a.opts.ReserveAbove
	return id, nil
}

func (a *Arena) page(id PageID) *page {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages[id]
}

// Data returns the memory of page id.
func (a *Arena) Data(id PageID) []byte {
	return a.page(id).data
}

// Ref takes n more references on page id, which must already be held.
func (a *Arena) Ref(id PageID, n int32) {
	if n == 0 {
		return
	}
	if v := a.page(id).refs.Add(n); v <= n {
		panic(fmt.Sprintf("pagepool: ref of free page %d", id))
	}
}

// Unref drops n references on page id, returning the page to the free
// list when the count reaches zero.
func (a *Arena) Unref(id PageID, n int32) {
	if n == 0 {
		return
	}
	p := a.page(id)
	v := p.refs.Add(-n)
	switch {
	case v > 0:
		return
	case v < 0:
		panic(fmt.Sprintf("pagepool: page %d released %d times too often", id, -v))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	p.reserve = false
	a.free = append(a.free, id)
	a.live--
}

// Refs returns the reference count of page id.
func (a *Arena) Refs(id PageID) int32 {
	return a.page(id).refs.Load()
}

// Reusable reports whether page id may be split and handed out again by
// its current holder. Reserve pages are never reused.
func (a *Arena) Reusable(id PageID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.pages[id].reserve
}

// InUse returns the number of pages that are not on the free list.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Close releases the arena's memory. Pages still in use at this point are
// leaked by their holders; Close logs them and unmaps regardless.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.live != 0 {
		log.Warningf("pagepool: closing arena with %d pages in use", a.live)
	}
	var err error
	for _, c := range a.chunks {
		err = multierr.Append(err, unix.Munmap(c))
	}
	a.chunks = nil
	a.pages = nil
	a.free = nil
	return err
}
