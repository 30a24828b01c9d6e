package nlu

// DefaultAutomationPhrases are the utterances the command endpoint is known to
// handle. Add to this list only what the backend actually supports.
var DefaultAutomationPhrases = []string{
	"open chrome and go to gmail",
}

// DefaultSmallTalk is tested top to bottom; keep the narrow patterns first.
var DefaultSmallTalk = []Pattern{
	{ID: "hi", Match: Exact, Phrase: "hi", Reply: "Hello! I'm {{.Assistant}}, ready to help you automate your system."},
	{ID: "hello", Match: Prefix, Phrase: "hello", Reply: "Hey there! What can I do for you today?"},
	{ID: "how-are-you", Match: Contains, Phrase: "how are you", Reply: "I'm doing great, ready to open apps for you!"},
	{ID: "who-are-you", Match: Contains, Phrase: "who are you", Reply: "I'm {{.Assistant}}, your personal AI assistant."},
	{ID: "capabilities", Match: Contains, Phrase: "what can you do", Reply: "I can open websites, launch apps, and type messages for you."},
	{ID: "thanks", Match: Prefix, Phrase: "thank", Reply: "Anytime."},
}

// DefaultRouter builds a Router from the built-in tables.
func DefaultRouter(assistant string) (*Router, error) {
	return NewRouter(DefaultAutomationPhrases, DefaultSmallTalk, TemplateData{Assistant: assistant})
}
