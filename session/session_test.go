package session

import (
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakePTYService hands back one end of a full-duplex unix socketpair as the
// "pty" file, keeping the other end so a test can play the role of the
// child: write simulated output, read back simulated input, and close to
// simulate process exit.
type fakePTYService struct {
	mu          sync.Mutex
	lastCols    int
	lastRows    int
	setSizeErrs error
	childEnd    *os.File
}

func (f *fakePTYService) Start(shell, workingDir string, envVars map[string]string) (*os.File, *exec.Cmd, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	serverEnd := os.NewFile(uintptr(fds[0]), "server-end")
	childEnd := os.NewFile(uintptr(fds[1]), "child-end")
	f.childEnd = childEnd
	return serverEnd, nil, nil
}

func (f *fakePTYService) SetSize(file *os.File, cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCols, f.lastRows = cols, rows
	return f.setSizeErrs
}

var _ PTYService = (*fakePTYService)(nil)

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

var _ = Describe("PTYSession", func() {
	var svc *fakePTYService

	BeforeEach(func() {
		svc = &fakePTYService{}
	})

	newTestSession := func() *PTYSession {
		s, err := New(Config{
			ID:             "sess-1",
			Shell:          "/bin/sh",
			Cols:           80,
			Rows:           24,
			MaxBufferBytes: 1024,
			PTYService:     svc,
		})
		Expect(err).ToNot(HaveOccurred())
		return s
	}

	It("fans child output out to data subscribers and into the ring buffer", func() {
		s := newTestSession()
		defer s.Kill()

		var received []byte
		var mu sync.Mutex
		s.SubscribeData(func(b []byte) {
			mu.Lock()
			received = append(received, b...)
			mu.Unlock()
		})

		_, err := svc.childEnd.Write([]byte("hello from child"))
		Expect(err).ToNot(HaveOccurred())

		Expect(waitFor(func() bool {
			mu.Lock()
			defer mu.Unlock()
			return string(received) == "hello from child"
		})).To(BeTrue())

		Expect(string(s.BufferedOutput())).To(Equal("hello from child"))
	})

	It("snapshot-then-subscribe sees every chunk exactly once, split across the boundary", func() {
		s := newTestSession()
		defer s.Kill()

		_, err := svc.childEnd.Write([]byte("before"))
		Expect(err).ToNot(HaveOccurred())
		Expect(waitFor(func() bool { return len(s.BufferedOutput()) > 0 })).To(BeTrue())

		var mu sync.Mutex
		var live []byte
		buffered, _ := s.SubscribeDataWithSnapshot(func(b []byte) {
			mu.Lock()
			live = append(live, b...)
			mu.Unlock()
		})
		Expect(string(buffered)).To(Equal("before"))

		_, err = svc.childEnd.Write([]byte("after"))
		Expect(err).ToNot(HaveOccurred())

		Expect(waitFor(func() bool {
			mu.Lock()
			defer mu.Unlock()
			return string(live) == "after"
		})).To(BeTrue())

		// Nothing appended after the snapshot was taken ever lands in it, and
		// nothing appended before the subscription was installed is ever
		// delivered live — the boundary is exact, not merely "close enough".
		Expect(string(buffered)).ToNot(ContainSubstring("after"))
	})

	It("is a no-op to write after the session has exited", func() {
		s := newTestSession()

		_ = svc.childEnd.Close()
		Expect(waitFor(s.HasExited)).To(BeTrue())

		s.Write([]byte("too late"))
		// No panic, no error surfaced: Write after exit is silently dropped.
	})

	It("resizes once per distinct size and emits a resize signal", func() {
		s := newTestSession()
		defer s.Kill()

		var fired []int
		var mu sync.Mutex
		s.SubscribeResize(func(cols, rows int) {
			mu.Lock()
			fired = append(fired, cols)
			mu.Unlock()
		})

		s.Resize(100, 40)
		s.Resize(100, 40) // unchanged: must not fire again
		s.Resize(0, 40)   // invalid: must not fire

		mu.Lock()
		defer mu.Unlock()
		Expect(fired).To(Equal([]int{100}))
	})

	It("tracks attached clients idempotently", func() {
		s := newTestSession()
		defer s.Kill()

		s.AttachClient("c1")
		s.AttachClient("c1")
		s.AttachClient("c2")
		Expect(s.ClientCount()).To(Equal(2))

		s.DetachClient("c1")
		s.DetachClient("unknown")
		Expect(s.ClientCount()).To(Equal(1))
	})

	It("emits an exit signal exactly once when the child goes away", func() {
		s := newTestSession()

		var codes []int
		var mu sync.Mutex
		s.SubscribeExit(func(code int) {
			mu.Lock()
			codes = append(codes, code)
			mu.Unlock()
		})

		_ = svc.childEnd.Close()

		Expect(waitFor(func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(codes) == 1
		})).To(BeTrue())

		Expect(s.HasExited()).To(BeTrue())
	})

	It("surfaces an OSC title sequence as a name change", func() {
		s := newTestSession()
		defer s.Kill()

		var titles []string
		var mu sync.Mutex
		s.SubscribeTitle(func(t string) {
			mu.Lock()
			titles = append(titles, t)
			mu.Unlock()
		})

		_, err := svc.childEnd.Write([]byte("\x1b]0;new title\x07"))
		Expect(err).ToNot(HaveOccurred())

		Expect(waitFor(func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(titles) == 1
		})).To(BeTrue())

		Expect(s.Name()).To(Equal("new title"))
	})
})
