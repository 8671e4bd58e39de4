package wecom

import (
	"encoding/json"
	"strings"
)

const cardSentText = "[interactive card sent]"

type templateCard struct {
	Raw        json.RawMessage
	Title      string
	Desc       string
	TaskID     string
	ButtonText []string
}

// parseTemplateCard detects agent output of the form {"template_card": {...}}.
func parseTemplateCard(text string) (*templateCard, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || !strings.Contains(trimmed, `"template_card"`) {
		return nil, false
	}
	var env struct {
		TemplateCard json.RawMessage `json:"template_card"`
	}
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil || len(env.TemplateCard) == 0 || string(env.TemplateCard) == "null" {
		return nil, false
	}

	var fields struct {
		TaskID    string `json:"task_id"`
		MainTitle struct {
			Title string `json:"title"`
			Desc  string `json:"desc"`
		} `json:"main_title"`
		ButtonList []struct {
			Text string `json:"text"`
		} `json:"button_list"`
	}
	if err := json.Unmarshal(env.TemplateCard, &fields); err != nil {
		return nil, false
	}
	card := &templateCard{
		Raw:    env.TemplateCard,
		Title:  fields.MainTitle.Title,
		Desc:   fields.MainTitle.Desc,
		TaskID: fields.TaskID,
	}
	for _, b := range fields.ButtonList {
		if b.Text != "" {
			card.ButtonText = append(card.ButtonText, b.Text)
		}
	}
	return card, true
}

// fallbackText renders a card for surfaces that cannot show it.
func (c *templateCard) fallbackText() string {
	title := c.Title
	if title == "" {
		title = "Interactive card"
	}
	var b strings.Builder
	b.WriteString("**" + title + "**")
	if c.Desc != "" {
		b.WriteString("\n" + c.Desc)
	}
	if len(c.ButtonText) > 0 {
		b.WriteString("\n\noptions: " + strings.Join(c.ButtonText, " / "))
	}
	return b.String()
}
