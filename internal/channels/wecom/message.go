package wecom

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Bot message types.
const (
	botMsgText   = "text"
	botMsgVoice  = "voice"
	botMsgImage  = "image"
	botMsgFile   = "file"
	botMsgMixed  = "mixed"
	botMsgStream = "stream"
	botMsgEvent  = "event"
)

type botText struct {
	Content string `json:"content"`
}

type botURL struct {
	URL string `json:"url"`
}

type botMixedItem struct {
	MsgType string   `json:"msgtype"`
	Text    *botText `json:"text,omitempty"`
	Image   *botURL  `json:"image,omitempty"`
	File    *botURL  `json:"file,omitempty"`
}

type botMixed struct {
	MsgItem []botMixedItem `json:"msg_item"`
}

type botQuote struct {
	MsgType string    `json:"msgtype"`
	Text    *botText  `json:"text,omitempty"`
	Image   *botURL   `json:"image,omitempty"`
	Mixed   *botMixed `json:"mixed,omitempty"`
	Voice   *botText  `json:"voice,omitempty"`
	File    *botURL   `json:"file,omitempty"`
}

type cardSelectedItem struct {
	QuestionKey string `json:"question_key"`
	OptionIDs   struct {
		OptionID []string `json:"option_id"`
	} `json:"option_ids"`
}

type cardEvent struct {
	CardType      string `json:"card_type"`
	EventKey      string `json:"event_key"`
	TaskID        string `json:"task_id"`
	SelectedItems struct {
		SelectedItem []cardSelectedItem `json:"selected_item"`
	} `json:"selected_items"`
}

type botEvent struct {
	EventType         string     `json:"eventtype"`
	TemplateCardEvent *cardEvent `json:"template_card_event,omitempty"`
}

// botMessage is the decrypted JSON body of a bot callback.
type botMessage struct {
	MsgID       string `json:"msgid"`
	AIBotID     string `json:"aibotid"`
	ChatType    string `json:"chattype"` // "single" or "group"
	ChatID      string `json:"chatid"`
	ResponseURL string `json:"response_url"`
	From        struct {
		UserID string `json:"userid"`
		CorpID string `json:"corpid"`
	} `json:"from"`
	MsgType    string    `json:"msgtype"`
	CreateTime int64     `json:"create_time,omitempty"`
	Text       *botText  `json:"text,omitempty"`
	Voice      *botText  `json:"voice,omitempty"`
	Image      *botURL   `json:"image,omitempty"`
	File       *botURL   `json:"file,omitempty"`
	Mixed      *botMixed `json:"mixed,omitempty"`
	Stream     *struct {
		ID string `json:"id"`
	} `json:"stream,omitempty"`
	Event *botEvent `json:"event,omitempty"`
	Quote *botQuote `json:"quote,omitempty"`
}

func parseBotMessage(plain []byte) (*botMessage, error) {
	var msg botMessage
	if err := json.Unmarshal(plain, &msg); err != nil {
		return nil, fmt.Errorf("wecom: decode bot message: %w", err)
	}
	msg.MsgType = strings.ToLower(strings.TrimSpace(msg.MsgType))
	return &msg, nil
}

func (m *botMessage) isGroup() bool { return m.ChatType == "group" }

func (m *botMessage) senderID() string { return strings.TrimSpace(m.From.UserID) }

// peer returns the conversation id: the chat id for groups, else the sender.
func (m *botMessage) peer() string {
	if m.isGroup() {
		return strings.TrimSpace(m.ChatID)
	}
	return m.senderID()
}

func (m *botMessage) eventType() string {
	if m.Event == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(m.Event.EventType))
}

// Filter reasons.
const (
	reasonUserMessage   = "user_message"
	reasonMissingSender = "missing_sender"
	reasonSystemSender  = "system_sender"
	reasonMissingChatID = "missing_chatid"
)

type filterResult struct {
	Process  bool
	Reason   string
	SenderID string
	ChatID   string
}

// filterBotInbound decides whether a bot message should reach the agent.
func filterBotInbound(m *botMessage) filterResult {
	sender := m.senderID()
	if sender == "" {
		return filterResult{Reason: reasonMissingSender}
	}
	if strings.EqualFold(sender, "sys") {
		return filterResult{Reason: reasonSystemSender, SenderID: sender}
	}
	if m.isGroup() && strings.TrimSpace(m.ChatID) == "" {
		return filterResult{Reason: reasonMissingChatID, SenderID: sender}
	}
	return filterResult{Process: true, Reason: reasonUserMessage, SenderID: sender, ChatID: m.peer()}
}

// botBody renders a bot message as the text the agent sees.
func botBody(m *botMessage) string {
	var body string
	switch m.MsgType {
	case botMsgText:
		if m.Text != nil {
			body = m.Text.Content
		}
	case botMsgVoice:
		body = "[voice]"
		if m.Voice != nil && m.Voice.Content != "" {
			body = m.Voice.Content
		}
	case botMsgMixed:
		if m.Mixed == nil {
			body = "[mixed]"
			break
		}
		var parts []string
		for _, item := range m.Mixed.MsgItem {
			t := strings.ToLower(item.MsgType)
			switch t {
			case botMsgText:
				if item.Text != nil && item.Text.Content != "" {
					parts = append(parts, item.Text.Content)
				}
			case botMsgImage:
				parts = append(parts, "[image] "+urlOf(item.Image))
			default:
				if t == "" {
					t = "item"
				}
				parts = append(parts, "["+t+"]")
			}
		}
		body = strings.Join(parts, "\n")
	case botMsgImage:
		body = "[image] " + urlOf(m.Image)
	case botMsgFile:
		body = "[file] " + urlOf(m.File)
	case botMsgEvent:
		body = "[event] " + m.eventType()
	case botMsgStream:
		if m.Stream != nil {
			body = "[stream_refresh] " + m.Stream.ID
		}
	case "":
	default:
		body = "[" + m.MsgType + "]"
	}

	if m.Quote != nil {
		if q := strings.TrimSpace(formatQuote(m.Quote)); q != "" {
			body += "\n\n> " + q
		}
	}
	return body
}

func formatQuote(q *botQuote) string {
	switch q.MsgType {
	case botMsgText:
		if q.Text != nil {
			return q.Text.Content
		}
	case botMsgImage:
		return "[quote: image] " + urlOf(q.Image)
	case botMsgMixed:
		if q.Mixed == nil {
			return ""
		}
		var parts []string
		for _, item := range q.Mixed.MsgItem {
			switch item.MsgType {
			case botMsgText:
				if item.Text != nil && item.Text.Content != "" {
					parts = append(parts, item.Text.Content)
				}
			case botMsgImage:
				parts = append(parts, "[image] "+urlOf(item.Image))
			}
		}
		return "[quote: mixed] " + strings.Join(parts, " ")
	case botMsgVoice:
		if q.Voice != nil {
			return "[quote: voice] " + q.Voice.Content
		}
		return "[quote: voice] "
	case botMsgFile:
		return "[quote: file] " + urlOf(q.File)
	}
	return ""
}

func urlOf(u *botURL) string {
	if u == nil {
		return ""
	}
	return strings.TrimSpace(u.URL)
}

// describeCardEvent turns a template-card click into text for the agent.
func describeCardEvent(ev *cardEvent) string {
	key := "unknown"
	if ev != nil && ev.EventKey != "" {
		key = ev.EventKey
	}
	desc := "[card interaction] button: " + key
	if ev == nil {
		return desc
	}
	if items := ev.SelectedItems.SelectedItem; len(items) > 0 {
		sel := make([]string, 0, len(items))
		for _, it := range items {
			sel = append(sel, it.QuestionKey+"="+strings.Join(it.OptionIDs.OptionID, ","))
		}
		desc += " selected: " + strings.Join(sel, "; ")
	}
	if ev.TaskID != "" {
		desc += " (task: " + ev.TaskID + ")"
	}
	return desc
}
