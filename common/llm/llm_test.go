package llm_test

import (
	"encoding/json"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"haven.app/ash/common/llm"
)

func TestLLM(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "LLM Suite")
}

var _ = Describe("NewChatClient", func() {
	It("requires an API key", func() {
		_, err := llm.NewChatClient(llm.Config{Provider: llm.ProviderAnthropic})
		Expect(err).To(HaveOccurred())
	})

	It("rejects unknown providers", func() {
		_, err := llm.NewChatClient(llm.Config{Provider: "mystery", APIKey: "k"})
		Expect(err).To(MatchError(ContainSubstring("unsupported LLM provider")))
	})

	It("defaults to Anthropic when no provider is set", func() {
		client, err := llm.NewChatClient(llm.Config{APIKey: "k", Model: "m"})
		Expect(err).NotTo(HaveOccurred())
		Expect(client.Model()).To(Equal("m"))
	})
})

var _ = Describe("ParseToolArguments", func() {
	type args struct {
		Reason string `json:"reason"`
	}

	It("unmarshals into the target struct", func() {
		parsed, err := llm.ParseToolArguments[args](`{"reason":"user_request"}`)
		Expect(err).NotTo(HaveOccurred())
		Expect(parsed.Reason).To(Equal("user_request"))
	})

	It("fails on malformed JSON", func() {
		_, err := llm.ParseToolArguments[args](`{"reason":`)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("GenerateSchema", func() {
	type params struct {
		Reason string `json:"reason" jsonschema:"enum=resolved,enum=user_request"`
		Note   string `json:"note,omitempty"`
	}

	It("produces an inlined object schema", func() {
		raw, err := json.Marshal(llm.GenerateSchema[params]())
		Expect(err).NotTo(HaveOccurred())

		var schema map[string]any
		Expect(json.Unmarshal(raw, &schema)).To(Succeed())
		Expect(schema["type"]).To(Equal("object"))

		props, ok := schema["properties"].(map[string]any)
		Expect(ok).To(BeTrue())
		Expect(props).To(HaveKey("reason"))
		Expect(props).To(HaveKey("note"))

		reason, ok := props["reason"].(map[string]any)
		Expect(ok).To(BeTrue())
		Expect(reason["enum"]).To(ConsistOf("resolved", "user_request"))
	})
})
