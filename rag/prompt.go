package rag

import (
	"fmt"
	"strings"

	"github.com/docquery/docquery/llm"
	"github.com/docquery/docquery/search"
)

// systemPrompt constrains the model to the provided context and the
// bracketed citation format the tracker parses.
const systemPrompt = `You are a helpful AI assistant that answers questions based on provided context from documents.

IMPORTANT INSTRUCTIONS:
1. Answer questions using ONLY the information from the provided context
2. Use citations in the format [1], [2], etc. to reference specific sources by their number
3. If the context doesn't contain enough information, say "I don't have enough information in the provided documents to answer that question"
4. Always cite your sources when making claims
5. If multiple sources support a claim, cite all of them: [1][2]

FORMATTING GUIDELINES:
- Structure your answer with clear paragraphs
- Use bullet points or numbered lists when listing multiple items
- Keep list items on a single line with their marker`

// refusalAnswer is the deterministic reply for an empty retrieval.
const refusalAnswer = "I don't have any relevant documents to answer this question. " +
	"Please upload documents related to your query first."

// buildMessages assembles the chat payload: the system instruction plus a
// user message carrying the query and one numbered context block per
// source.
func buildMessages(query string, sources []search.Result) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildUserPrompt(query, sources)},
	}
}

func buildUserPrompt(query string, sources []search.Result) string {
	var b strings.Builder
	b.WriteString("Context from documents:\n\n")
	for i, src := range sources {
		b.WriteString(formatSource(i+1, src))
		b.WriteString("\n\n")
	}
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "Question: %s\n\n", query)
	b.WriteString("Please provide a comprehensive answer based on the context above, using citations [1], [2], etc.")
	return b.String()
}

// formatSource renders one context block: "[i] (filename, page p): content".
func formatSource(number int, src search.Result) string {
	ref := fmt.Sprintf("[%d] (%s", number, src.DocumentFilename)
	if src.PageNumber != nil {
		ref += fmt.Sprintf(", page %d", *src.PageNumber)
	}
	return ref + "): " + src.Content
}
