package retrieval

import "fmt"

// System prompts sent with each retrieval mode.
const (
	KGSystemPrompt = `You are an expert analyst answering questions using a Knowledge Graph.
Relationships are shown as: EntityA --[RELATIONSHIP_TYPE]--> EntityB.
Use the context to answer directly.`

	VectorSystemPrompt = `You are an expert analyst answering questions about IPO documents.

Use the provided text chunks to answer the question accurately and concisely.
Each chunk has a relevance score. Higher scores indicate more relevant content.
Cite specific information from the chunks in your answer.`

	HybridSystemPrompt = `You are an expert analyst. You have access to both a Knowledge Graph (structured data) and Document Chunks (text).
- Use KG data for specific relationships, ownership paths, and specific stats.
- Use Textual Evidence for definitions, policies, and detailed descriptions.
- Resolve conflicts by prioritizing the Textual Evidence if it quotes the document directly, unless the Question is about graph structure (e.g. paths).`
)

// Section labels of a hybrid context.
const (
	StructuredLabel = "[STRUCTURED DATA from Knowledge Graph]"
	TextualLabel    = "[TEXTUAL EVIDENCE from Document Chunks]"
)

// HybridContext joins both contexts under their labels.
func HybridContext(kgContext, vectorContext string) string {
	return fmt.Sprintf("%s\n%s\n\n%s\n%s", StructuredLabel, kgContext, TextualLabel, vectorContext)
}

// UserPrompt is the generation prompt for a context and question.
func UserPrompt(context, question string) string {
	return fmt.Sprintf("Context:\n%s\n\nQuestion: %s\n\nAnswer:", context, question)
}
