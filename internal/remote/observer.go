// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package remote

import (
	"sync"

	"github.com/zyotra/storagelayer/internal/model"
)

// Observer receives output chunks synchronously, in the order they are
// appended to the captured buffers. It is never called concurrently.
type Observer interface {
	OnChunk(model.Chunk)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(model.Chunk)

func (f ObserverFunc) OnChunk(c model.Chunk) { f(c) }

// Tee fans chunks out to several observers; nil entries are skipped.
func Tee(observers ...Observer) Observer {
	var out []Observer
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return ObserverFunc(func(c model.Chunk) {
		for _, o := range out {
			o.OnChunk(c)
		}
	})
}

// ChannelObserver is a pull-style adapter: chunks are delivered on C in
// order, and C is closed by Close once the producer is done. Sends block, so
// a consumer must drain C while commands run.
type ChannelObserver struct {
	C    chan model.Chunk
	once sync.Once
}

// NewChannelObserver returns an observer with the given channel buffer.
func NewChannelObserver(buffer int) *ChannelObserver {
	return &ChannelObserver{C: make(chan model.Chunk, buffer)}
}

func (o *ChannelObserver) OnChunk(c model.Chunk) { o.C <- c }

// Close signals completion to the consumer. Safe to call more than once.
func (o *ChannelObserver) Close() {
	o.once.Do(func() { close(o.C) })
}
