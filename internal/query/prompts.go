package query

import "fmt"

const (
	NoRelevantInfoResponse     = "I couldn't find any relevant information in your documents to answer that question."
	NothingToSummarizeResponse = "There is nothing to summarize yet: no documents are linked to this chat."
	NoTextToSummarizeResponse  = "No text was found to summarize in the linked documents."
	GenerationTimeoutResponse  = "Generating the answer took too long and was stopped. Please try again in a moment."
	GenerationErrorResponse    = "Sorry, something went wrong while preparing your answer. Please try again."
)

const questionSystemPrompt = `You are a contract analysis assistant. Answer the user's question using ONLY the numbered context passages provided.
If the context does not contain the answer, say plainly that the documents do not cover it.
Do not use outside knowledge and do not guess. Cite passages by their number, e.g. [1].`

const summarySystemPrompt = `You are a contract analysis assistant. Summarize the provided document text in plain language.
Stay under about 200 words. Cover parties, obligations, payment terms, duration and termination where present.
Invent nothing: if something is not in the text, leave it out.`

func questionPrompt(contextText, question string) string {
	return fmt.Sprintf("Context:\n%s\n\nQuestion: %s\n\nAnswer:", contextText, question)
}

func summaryPrompt(contextText, request string) string {
	return fmt.Sprintf("Document text:\n%s\n\nRequest: %s\n\nSummary:", contextText, request)
}
