package bench

import (
	"fmt"
	"strings"

	"github.com/wikilabs/wikinav/pkg/models"
)

const systemPromptTemplate = `You are playing the Wikipedia Game. Your goal is to reach the target page by clicking on links.
Target Page: %s

Rules:
1. You will be provided with the content of the current Wikipedia page.
2. You will also see the list of previously visited pages (if any).
3. Links are anonymized as [CONCEPT_XX: Original Name].
4. You must respond with the CONCEPT_ID of the link you want to click next.

Navigation strategy:
- Try to avoid revisiting pages unless you realize you took a wrong path and need to backtrack.
- If you're stuck or went in the wrong direction, it's okay to go back to a previously visited page.

When providing your structured response, include:
- 'intuition': A brief gut feeling or first impression about why this link seems promising (1-2 sentences max). This is your immediate instinct about the connection between this concept and the target page.
- 'chosen_concept_id': The exact CONCEPT_ID from the available list (e.g., CONCEPT_12).
- 'confidence': Your confidence level in this decision (0.0 = very uncertain, 0.5 = moderate, 1.0 = very confident). Base this on how direct the connection seems and how well it aligns with your navigation strategy.`

// buildMessages assembles the conversation for one navigation step: the
// game rules, the visited-page trail, and the current page's anonymized
// content. The adapter appends the concept list and format contract.
func buildMessages(targetPage string, history *pageHistory) []models.ChatMessage {
	messages := []models.ChatMessage{
		{Role: models.RoleSystem, Content: fmt.Sprintf(systemPromptTemplate, targetPage)},
	}

	titles := history.Titles()
	if len(titles) > 1 {
		messages = append(messages, models.ChatMessage{
			Role:    models.RoleSystem,
			Content: "Previously visited pages (in order):\n" + strings.Join(titles[:len(titles)-1], " → "),
		})
	}

	current := history.Last()
	messages = append(messages, models.ChatMessage{
		Role:    models.RoleUser,
		Content: fmt.Sprintf("Current Page: %s\n\nContent:\n%s", current.Title, current.Extract),
	})
	return messages
}
