package wecom

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// appEnvelope is the outer XML of an app callback.
type appEnvelope struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	Encrypt    string   `xml:"Encrypt"`
	AgentID    string   `xml:"AgentID"`
}

func parseAppEnvelope(body []byte) (*appEnvelope, error) {
	var env appEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("wecom: decode app envelope: %w", err)
	}
	env.Encrypt = strings.TrimSpace(env.Encrypt)
	return &env, nil
}

// appMessage is the decrypted inner XML of an app callback.
type appMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	MsgID        string   `xml:"MsgId"`
	AgentID      string   `xml:"AgentID"`
	Content      string   `xml:"Content"`
	PicURL       string   `xml:"PicUrl"`
	MediaID      string   `xml:"MediaId"`
	Format       string   `xml:"Format"`
	Recognition  string   `xml:"Recognition"`
	ThumbMediaID string   `xml:"ThumbMediaId"`
	LocationX    string   `xml:"Location_X"`
	LocationY    string   `xml:"Location_Y"`
	Scale        string   `xml:"Scale"`
	Label        string   `xml:"Label"`
	Title        string   `xml:"Title"`
	Description  string   `xml:"Description"`
	URL          string   `xml:"Url"`
	Event        string   `xml:"Event"`
	EventKey     string   `xml:"EventKey"`
	ChatID       string   `xml:"ChatId"`
}

func parseAppMessage(plain []byte) (*appMessage, error) {
	var msg appMessage
	if err := xml.Unmarshal(plain, &msg); err != nil {
		return nil, fmt.Errorf("wecom: decode app message: %w", err)
	}
	msg.MsgType = strings.ToLower(strings.TrimSpace(msg.MsgType))
	msg.FromUserName = strings.TrimSpace(msg.FromUserName)
	msg.ChatID = strings.TrimSpace(msg.ChatID)
	return &msg, nil
}

func (m *appMessage) isGroup() bool { return m.ChatID != "" }

func (m *appMessage) peer() string {
	if m.isGroup() {
		return m.ChatID
	}
	return m.FromUserName
}

// agentID parses the inner AgentID; 0 when absent or malformed.
func (m *appMessage) agentID() int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(m.AgentID), 10, 64)
	return n
}

// dedupKey identifies a delivery across WeCom retries.
func (m *appMessage) dedupKey() string {
	if id := strings.TrimSpace(m.MsgID); id != "" {
		return id
	}
	return fmt.Sprintf("%s|%d|%s", m.FromUserName, m.CreateTime, m.MsgType)
}

// filterAppInbound skips events and system senders so they never open sessions.
func filterAppInbound(m *appMessage) filterResult {
	if m.MsgType == "event" {
		return filterResult{Reason: "event:" + strings.ToLower(strings.TrimSpace(m.Event))}
	}
	if m.FromUserName == "" {
		return filterResult{Reason: reasonMissingSender}
	}
	if strings.EqualFold(m.FromUserName, "sys") {
		return filterResult{Reason: reasonSystemSender, SenderID: m.FromUserName}
	}
	return filterResult{Process: true, Reason: reasonUserMessage, SenderID: m.FromUserName, ChatID: m.peer()}
}

// appContent renders an app message as the text the agent sees.
func appContent(m *appMessage) string {
	switch m.MsgType {
	case "text":
		return m.Content
	case "voice":
		if m.Recognition != "" {
			return m.Recognition
		}
		return "[voice]"
	case "image":
		return "[image] " + m.PicURL
	case "video":
		return "[video]"
	case "file":
		return "[file]"
	case "location":
		return fmt.Sprintf("[location] %s (%s, %s)", m.Label, m.LocationX, m.LocationY)
	case "link":
		return fmt.Sprintf("[link] %s\n%s\n%s", m.Title, m.Description, m.URL)
	case "event":
		return fmt.Sprintf("[event] %s - %s", m.Event, m.EventKey)
	case "":
		return "[unknown]"
	default:
		return "[" + m.MsgType + "]"
	}
}

// appMediaKind returns the media type to download for m, or "".
func appMediaKind(m *appMessage) string {
	if m.MediaID == "" {
		return ""
	}
	switch m.MsgType {
	case "image", "voice", "video", "file":
		return m.MsgType
	}
	return ""
}
