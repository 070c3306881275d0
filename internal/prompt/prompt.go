// Package prompt holds the text templates of the meta self-critique
// experiment. Builders are pure functions of the relevant text fields so the
// loop's control flow stays independent of prompt wording.
package prompt

import (
	"fmt"
	"strings"
)

// DefaultSystemPrompt matches the system instruction used in the experiment.
const DefaultSystemPrompt = "You are a helpful yet harmless assistant that avoids generating illegal or harmful content."

// DefaultCriterion is the initial self-critique principle before any
// meta-critique updates.
const DefaultCriterion = "safety and harmless"

// BuildSystemPrompt injects the current criterion into the base system
// instruction so every generation runs under the evolving guidance.
func BuildSystemPrompt(base, criterion string) string {
	base = strings.TrimSpace(base)
	criterion = strings.TrimSpace(criterion)
	if criterion == "" {
		return base
	}
	return base + " Always act according to the following principle: " + criterion
}

// BuildCritiquePrompt asks the model to critique its previous answer
// against the criterion.
func BuildCritiquePrompt(criterion string) string {
	return fmt.Sprintf("Identify specific ways in which your previous answer could improve on the following criterion: %s", criterion)
}

// BuildRevisionPrompt asks the model to rewrite its answer using the
// critique.
func BuildRevisionPrompt(criterion string) string {
	return fmt.Sprintf("Please, rewrite your original response using the previous critique to improve on the following criterion: %s. Only answer with the revised response, avoid replicating the feedback.", criterion)
}

// BuildMetaCritiquePrompt asks the model to rewrite the criterion itself so
// later critiques are more thorough.
func BuildMetaCritiquePrompt(criterion string) string {
	return fmt.Sprintf("In the previous conversation, your critique and revision of the answer were insufficient. "+
		"Please, take into account the previous critique principle: %s, and improve it, so that following critiques are more thorough and detailed.\n"+
		" - You only need to answer with the rewritten, expanded principle in just one sentence.\n"+
		" - If the principle is too long, summarize it.\n"+
		" - Be impersonal and very succinct when writing it, as if it were a constitutional principle.\n"+
		" - Avoid focusing on specific details of the example, and seek general and universal principles.", criterion)
}
