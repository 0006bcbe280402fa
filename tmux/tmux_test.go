package tmux

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestTmux(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Tmux Provider Suite")
}

var _ = Describe("Provider", func() {
	It("defaults a non-positive timeout to DefaultTimeout", func() {
		p := New(0)
		Expect(p.Timeout).To(Equal(DefaultTimeout))
	})

	It("keeps a caller-supplied timeout", func() {
		p := New(2 * time.Second)
		Expect(p.Timeout).To(Equal(2 * time.Second))
	})

	It("treats an unavailable tmux binary as an empty, non-error listing", func() {
		// This environment may or may not have tmux installed; either way
		// List must never return an error for "not installed"/"no server".
		p := New(DefaultTimeout)
		sessions, err := p.List()
		Expect(err).ToNot(HaveOccurred())
		Expect(sessions).To(Or(BeNil(), BeAssignableToTypeOf([]Info{})))
	})

	It("treats a vanishingly short timeout as an empty listing, not an error", func() {
		p := New(time.Nanosecond)
		sessions, err := p.List()
		Expect(err).ToNot(HaveOccurred())
		Expect(sessions).To(BeEmpty())
	})

	It("reports false for a session name that does not exist", func() {
		p := New(DefaultTimeout)
		Expect(p.HasSession("definitely-not-a-real-session-name-xyz")).To(BeFalse())
	})

	It("returns nil scrollback for a session that does not exist", func() {
		p := New(DefaultTimeout)
		Expect(p.CapturePane("definitely-not-a-real-session-name-xyz", 100)).To(BeNil())
	})
})
