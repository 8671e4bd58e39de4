package wecom

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrEmptyTarget     = errors.New("wecom: empty target")
	ErrMultipleChatIDs = errors.New("wecom: appchat accepts a single chatid per send")

	namespacePrefix = regexp.MustCompile(`(?i)^(wecom-agent|wecom|wechatwork|wework|qywx):`)
	segmentSep      = regexp.MustCompile(`\s*\|\s*`)
	digitsOnly      = regexp.MustCompile(`^\d+$`)
)

// Target is a resolved message/send recipient set. Multiple ids of one kind are
// joined with "|" as the API expects. ChatID switches the send to appchat.
type Target struct {
	ToUser  string
	ToParty string
	ToTag   string
	ChatID  string
}

// IsChat reports whether the target is a group chat.
func (t Target) IsChat() bool { return t.ChatID != "" }

// IsEmpty reports whether no recipient was resolved.
func (t Target) IsEmpty() bool {
	return t.ToUser == "" && t.ToParty == "" && t.ToTag == "" && t.ChatID == ""
}

func (t Target) String() string {
	var parts []string
	for _, kv := range [][2]string{{"user", t.ToUser}, {"party", t.ToParty}, {"tag", t.ToTag}, {"chat", t.ChatID}} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+":"+kv[1])
		}
	}
	return strings.Join(parts, "|")
}

type targetKind int

const (
	kindUser targetKind = iota
	kindParty
	kindTag
	kindChat
)

var explicitPrefixes = []struct {
	prefix string
	kind   targetKind
}{
	{"party:", kindParty},
	{"dept:", kindParty},
	{"tag:", kindTag},
	{"group:", kindChat},
	{"chat:", kindChat},
	{"user:", kindUser},
}

// ParseTarget resolves an outbound address such as "zhangsan", "party:2",
// "wecom:wr123" or "user:a|tag:ops".
//
// Without a type prefix: ids starting with wr/wc are chats, all-digit ids with
// at most two significant digits are departments, everything else is a user.
func ParseTarget(raw string) (Target, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return Target{}, ErrEmptyTarget
	}
	clean = namespacePrefix.ReplaceAllString(clean, "")

	var users, parties, tags, chats []string
	for _, seg := range segmentSep.Split(clean, -1) {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		kind, id, err := resolveSegment(seg)
		if err != nil {
			return Target{}, err
		}
		switch kind {
		case kindParty:
			parties = append(parties, id)
		case kindTag:
			tags = append(tags, id)
		case kindChat:
			chats = append(chats, id)
		default:
			users = append(users, id)
		}
	}
	if len(chats) > 1 {
		return Target{}, ErrMultipleChatIDs
	}

	t := Target{
		ToUser:  strings.Join(users, "|"),
		ToParty: strings.Join(parties, "|"),
		ToTag:   strings.Join(tags, "|"),
	}
	if len(chats) == 1 {
		t.ChatID = chats[0]
	}
	return t, nil
}

func resolveSegment(seg string) (targetKind, string, error) {
	lower := strings.ToLower(seg)
	for _, p := range explicitPrefixes {
		if strings.HasPrefix(lower, p.prefix) {
			id := strings.TrimSpace(seg[len(p.prefix):])
			if id == "" {
				return 0, "", fmt.Errorf("wecom: missing id after %q", p.prefix)
			}
			return p.kind, id, nil
		}
	}

	if strings.HasPrefix(lower, "wr") || strings.HasPrefix(lower, "wc") {
		return kindChat, seg, nil
	}
	if digitsOnly.MatchString(seg) {
		significant := strings.TrimLeft(seg, "0")
		if len(significant) < 3 {
			return kindParty, seg, nil
		}
	}
	return kindUser, seg, nil
}
