package helper

import (
	"math/rand"
	"strings"
)

// RenderSpintax resolves {a|b|c} alternations, picking one option per group.
// Scheduled reminders use it so the network never sees long runs of
// byte-identical messages. Text without braces passes through unchanged.
func RenderSpintax(text string) string {
	result := text
	for {
		start := strings.Index(result, "{")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		options := strings.Split(result[start+1:end], "|")
		chosen := options[rand.Intn(len(options))]

		result = result[:start] + chosen + result[end+1:]
	}
	return result
}
