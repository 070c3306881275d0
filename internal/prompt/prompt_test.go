package prompt_test

import (
	"strings"
	"testing"

	"github.com/throw-if-null/metacrit/internal/prompt"
)

func TestBuildSystemPrompt(t *testing.T) {
	got := prompt.BuildSystemPrompt(prompt.DefaultSystemPrompt, "be terse")
	if !strings.Contains(got, prompt.DefaultSystemPrompt) {
		t.Fatalf("base instruction missing: %q", got)
	}
	if !strings.Contains(got, "be terse") {
		t.Fatalf("criterion missing: %q", got)
	}

	// empty criterion leaves the base untouched
	if got := prompt.BuildSystemPrompt(prompt.DefaultSystemPrompt, ""); got != prompt.DefaultSystemPrompt {
		t.Fatalf("expected bare base prompt, got %q", got)
	}
}

func TestBuildersEmbedCriterion(t *testing.T) {
	const criterion = "avoid operational detail"
	for name, build := range map[string]func(string) string{
		"critique": prompt.BuildCritiquePrompt,
		"revision": prompt.BuildRevisionPrompt,
		"meta":     prompt.BuildMetaCritiquePrompt,
	} {
		if got := build(criterion); !strings.Contains(got, criterion) {
			t.Fatalf("%s prompt missing criterion: %q", name, got)
		}
	}
}

func TestApplyTemplate(t *testing.T) {
	got := prompt.ApplyTemplate("As a narrator, answer: {prompt}", "what is steel?")
	if got != "As a narrator, answer: what is steel?" {
		t.Fatalf("unexpected substitution: %q", got)
	}

	// templates without a placeholder append the prompt
	got = prompt.ApplyTemplate("Answer plainly.", "what is steel?")
	if got != "Answer plainly. what is steel?" {
		t.Fatalf("unexpected append: %q", got)
	}
}

func TestJailbreakTemplatesHavePlaceholder(t *testing.T) {
	templates := prompt.JailbreakTemplates()
	if len(templates) == 0 {
		t.Fatalf("no templates")
	}
	for i, tpl := range templates {
		if strings.Count(tpl, "{prompt}") != 1 {
			t.Fatalf("template %d must contain exactly one placeholder: %q", i, tpl)
		}
	}
}
