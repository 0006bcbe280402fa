package session

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ringBuffer", func() {
	It("returns an empty snapshot when nothing was written", func() {
		r := newRingBuffer(100)
		Expect(r.snapshot()).To(BeEmpty())
	})

	It("retains everything written while under the byte cap", func() {
		r := newRingBuffer(100)
		r.append([]byte("hello "))
		r.append([]byte("world"))
		Expect(string(r.snapshot())).To(Equal("hello world"))
	})

	It("evicts whole chunks from the head once the cap is exceeded", func() {
		r := newRingBuffer(10)
		r.append([]byte("0123456789")) // exactly at cap: 1 chunk, 10 bytes
		Expect(r.chunkCount()).To(Equal(1))
		Expect(r.bytes()).To(Equal(10))

		r.append([]byte("ABCDEFGHIJ")) // pushes total to 20; evicts the first chunk
		Expect(r.chunkCount()).To(Equal(1))
		Expect(r.bytes()).To(Equal(10))
		Expect(string(r.snapshot())).To(Equal("ABCDEFGHIJ"))
	})

	It("keeps a single oversized chunk whole rather than splitting it", func() {
		r := newRingBuffer(5)
		big := make([]byte, 100)
		for i := range big {
			big[i] = 'x'
		}
		r.append(big)
		Expect(r.chunkCount()).To(Equal(1))
		Expect(r.bytes()).To(Equal(100))
	})

	It("evicts a prior oversized chunk once a further write arrives", func() {
		r := newRingBuffer(5)
		r.append([]byte("1234567890")) // 10 bytes, over cap, retained whole alone
		r.append([]byte("ab"))         // now 2 chunks, triggers eviction of the first
		Expect(r.chunkCount()).To(Equal(1))
		Expect(string(r.snapshot())).To(Equal("ab"))
	})

	It("defaults the cap when constructed with a non-positive size", func() {
		r := newRingBuffer(0)
		Expect(r.capBytes).To(Equal(defaultMaxBufferBytes))
	})

	It("ignores empty appends", func() {
		r := newRingBuffer(100)
		r.append(nil)
		Expect(r.chunkCount()).To(Equal(0))
	})
})
