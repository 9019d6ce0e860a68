package providers

// ChatRequest.Options keys recognized across providers. Providers ignore
// keys they can't express.
const (
	OptMaxTokens      = "max_tokens"
	OptTemperature    = "temperature"
	OptThinkingLevel  = "thinking"         // "off" | "low" | "medium" | "high"
	OptThinkingBudget = "thinking_budget"  // token budget passed through by OpenAI-compatible providers; Anthropic derives its budget from OptThinkingLevel
	OptEnableThinking = "enable_thinking"  // bool, for OpenAI-compatible APIs with a plain toggle
	OptReasoningEffort = "reasoning_effort" // OpenAI o-series effort level
)
