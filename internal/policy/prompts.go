package policy

import (
	"fmt"
	"strings"

	"postscheduler/internal/platform"
	"postscheduler/internal/textgen"
)

var (
	commentReplyOptions = textgen.Options{MaxTokens: 60, Temperature: 0.7}
	summaryOptions      = textgen.Options{MaxTokens: 80, Temperature: 0.7}
	friendReplyOptions  = textgen.Options{MaxTokens: 80, Temperature: 0.7}
)

const DefaultPersona = "a close friend"

// friendVocabulary is the word list the friend persona is steered towards.
var friendVocabulary = []string{
	"congrats", "wonderful", "awesome", "cheerful", "great insights", "wow", "nice", "cool", "love", "ily", "<3",
	"yay", "yaay", "lit", "😄", "😊", "🔥", "omg", "woo", "yass", "fr", "sheeesh", "🎉", "boss", "icon",
	"facts", "real", "damn", "cute", "valid", "W", "sad", "sigh", "bruh", "😡", "lame", "ugh", "nah", "wtf", "frfr",
	"oops", "whoa", "woah", "😳", "😬", "lol", "lmao", "dead", "💀", "hmm", "🤔", "idk", "deep", "fr?", "why", "how",
	"what?", "rly?", "respect", "salute", "🫡", "no cap", "lmfao", "same", "bet", "based",
}

func commentReplyPrompt(body string) string {
	return "You are a user replying to your comments. Write a short, friendly, and relevant reply to the following comment:\n\n" +
		fmt.Sprintf("%q", body) + "\n\nYour reply:"
}

func summaryPrompt(ev platform.Event) string {
	return fmt.Sprintf("Summarize this post in 2 lines:\n\nTitle: %s\nText: %s", ev.Title, ev.Body)
}

func friendReplyPrompt(persona string, ev platform.Event) string {
	if strings.TrimSpace(persona) == "" {
		persona = DefaultPersona
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s replying to a friend's Reddit post in a friendly tone. ", persona)
	b.WriteString("Restrict yourself to only some short words that users might post as comments. ")
	b.WriteString("These words cover many emotions, from happy and supportive to surprised and sarcastic, as well as Gen-Z expressions. ")
	b.WriteString("For formal announcements or job-related posts (e.g., promotions, new jobs), keep your reply polite, respectful, formal and emoji-free; ")
	b.WriteString("match the post's plural or singular phrasing. ")
	b.WriteString("For informal or casual posts, feel free to use slang and emojis.\n\n")
	b.WriteString("Preferred words (others are allowed):\n")
	b.WriteString("[" + strings.Join(quoteAll(friendVocabulary), ", ") + "]\n\n")
	b.WriteString("Keep your reply very short and relevant.\n\n")
	fmt.Fprintf(&b, "Post Title: %s\nPost Text: %s\nReply:", ev.Title, ev.Body)
	return b.String()
}

func quoteAll(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = "'" + w + "'"
	}
	return out
}
