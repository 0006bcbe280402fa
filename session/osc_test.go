package session

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("oscScanner", func() {
	var titles []string
	var onTitle func(string)

	BeforeEach(func() {
		titles = nil
		onTitle = func(t string) { titles = append(titles, t) }
	})

	It("detects a BEL-terminated code-0 title sequence", func() {
		var s oscScanner
		s.feed([]byte("\x1b]0;my title\x07"), onTitle)
		Expect(titles).To(Equal([]string{"my title"}))
	})

	It("detects an ST-terminated code-2 title sequence", func() {
		var s oscScanner
		s.feed([]byte("\x1b]2;another title\x1b\\"), onTitle)
		Expect(titles).To(Equal([]string{"another title"}))
	})

	It("ignores non-title OSC codes", func() {
		var s oscScanner
		s.feed([]byte("\x1b]52;c;somebase64\x07"), onTitle)
		Expect(titles).To(BeEmpty())
	})

	It("reassembles a sequence split across multiple feeds", func() {
		var s oscScanner
		s.feed([]byte("\x1b]0;spl"), onTitle)
		Expect(titles).To(BeEmpty())
		s.feed([]byte("it title\x07"), onTitle)
		Expect(titles).To(Equal([]string{"split title"}))
	})

	It("passes plain text through without detecting a title", func() {
		var s oscScanner
		s.feed([]byte("hello, world\n"), onTitle)
		Expect(titles).To(BeEmpty())
	})

	It("handles a spurious ESC inside title text that isn't a valid terminator", func() {
		var s oscScanner
		s.feed([]byte("\x1b]0;abc\x1bdef\x07"), onTitle)
		Expect(titles).To(Equal([]string{"abc\x1bdef"}))
	})

	It("abandons an unterminated sequence once it exceeds the size bound", func() {
		var s oscScanner
		s.feed([]byte("\x1b]0;"), onTitle)
		huge := make([]byte, maxOSCBytes+10)
		for i := range huge {
			huge[i] = 'z'
		}
		s.feed(huge, onTitle)
		s.feed([]byte("\x07"), onTitle)
		Expect(titles).To(BeEmpty())
	})
})
