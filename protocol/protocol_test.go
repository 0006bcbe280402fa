package protocol

import (
	"encoding/json"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestProtocol(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Protocol Suite")
}

var _ = Describe("Encode/Decode", func() {
	It("round-trips a request envelope with its payload", func() {
		raw, err := Encode(TypeAttach, 3, AttachPayload{Target: "abc", Cols: 80, Rows: 24})
		Expect(err).ToNot(HaveOccurred())

		env, err := Decode(raw)
		Expect(err).ToNot(HaveOccurred())
		Expect(env.Type).To(Equal(TypeAttach))
		Expect(env.Seq).To(Equal(3))

		var payload AttachPayload
		Expect(json.Unmarshal(env.Payload, &payload)).To(Succeed())
		Expect(payload).To(Equal(AttachPayload{Target: "abc", Cols: 80, Rows: 24}))
	})

	It("uses seq=0 for unsolicited pushes", func() {
		raw, err := Encode(TypeSessionRemoved, 0, SessionRemovedPayload{ID: "s1"})
		Expect(err).ToNot(HaveOccurred())

		env, err := Decode(raw)
		Expect(err).ToNot(HaveOccurred())
		Expect(env.Seq).To(Equal(0))
	})

	It("fails to decode an unparseable frame", func() {
		_, err := Decode([]byte("not json"))
		Expect(err).To(HaveOccurred())
	})

	It("round-trips an error payload", func() {
		raw, err := Encode(TypeError, 5, ErrorPayload{Code: CodeNotAttached, Message: "not attached"})
		Expect(err).ToNot(HaveOccurred())

		env, err := Decode(raw)
		Expect(err).ToNot(HaveOccurred())

		var payload ErrorPayload
		Expect(json.Unmarshal(env.Payload, &payload)).To(Succeed())
		Expect(payload.Code).To(Equal(CodeNotAttached))
	})
})
